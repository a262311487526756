package extractors

import (
	"context"
	"errors"
	"testing"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Mock extractor for testing
type mockExtractor struct {
	name     string
	types    []string
	priority int
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	return &domain.Extraction{Text: string(data) + "-" + m.name}, nil
}

func (m *mockExtractor) SupportedTypes() []string {
	return m.types
}

func (m *mockExtractor) Priority() int {
	return m.priority
}

func TestRegistry_Get_PrioritySelection(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockExtractor{name: "low", types: []string{"text/plain"}, priority: 10})
	r.Register(&mockExtractor{name: "high", types: []string{"text/plain"}, priority: 90})
	r.Register(&mockExtractor{name: "medium", types: []string{"text/plain"}, priority: 50})

	ext, err := r.Extract(context.Background(), []byte("test"), "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Text != "test-high" {
		t.Errorf("expected high priority extractor, got %s", ext.Text)
	}

	if r.Get("application/json") != nil {
		t.Error("expected nil for unregistered type")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockExtractor{name: "n1", types: []string{"text/plain", "text/csv"}, priority: 50})
	r.Register(&mockExtractor{name: "n2", types: []string{"text/html"}, priority: 50})

	types := r.List()
	expected := []string{"text/csv", "text/html", "text/plain"}
	if len(types) != len(expected) {
		t.Fatalf("expected %d types, got %d", len(expected), len(types))
	}
	for i, exp := range expected {
		if types[i] != exp {
			t.Errorf("expected type %s at index %d, got %s", exp, i, types[i])
		}
	}
}

func TestRegistry_ExtractUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Extract(context.Background(), []byte("x"), "application/zip")
	if !errors.Is(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestMatchesMIMEType(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		mimeType  string
		expected  bool
	}{
		{"exact match", []string{"text/plain"}, "text/plain", true},
		{"case insensitive", []string{"TEXT/PLAIN"}, "text/plain", true},
		{"with charset", []string{"text/plain"}, "text/plain; charset=utf-8", true},
		{"wildcard subtype", []string{"text/*"}, "text/plain", true},
		{"wildcard no match", []string{"text/*"}, "application/json", false},
		{"universal wildcard", []string{"*/*"}, "anything/here", true},
		{"no match", []string{"text/plain"}, "text/html", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := matchesMIMEType(tt.supported, tt.mimeType)
			if result != tt.expected {
				t.Errorf("matchesMIMEType(%v, %s) = %v, want %v",
					tt.supported, tt.mimeType, result, tt.expected)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, ct := range []string{"text/plain", "text/markdown", "text/csv", "text/html", "application/x-paged-text"} {
		if r.Get(ct) == nil {
			t.Errorf("expected extractor for %s", ct)
		}
	}

	if _, ok := r.Get("application/octet-stream").(*PlaintextExtractor); !ok {
		t.Error("expected plaintext fallback for unknown types")
	}
}
