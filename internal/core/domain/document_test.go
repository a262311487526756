package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDocument(t *testing.T) {
	content := []byte("# Title\n\nbody text")
	doc := NewDocument("tenant-a", "notes.md", "", content)

	if doc.ID == "" {
		t.Error("expected non-empty ID")
	}
	if doc.TenantID != "tenant-a" {
		t.Errorf("expected tenant-a, got %s", doc.TenantID)
	}
	if doc.ContentType != "text/markdown" {
		t.Errorf("expected text/markdown, got %s", doc.ContentType)
	}
	if doc.Layout != LayoutUnstructured {
		t.Errorf("expected unstructured layout, got %s", doc.Layout)
	}
	if doc.Status != DocumentStatusUploaded {
		t.Errorf("expected uploaded, got %s", doc.Status)
	}
	if doc.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), doc.Size)
	}
	if doc.ContentHash != ContentHash(content) {
		t.Error("expected content hash to match")
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("same bytes"))
	b := ContentHash([]byte("same bytes"))
	c := ContentHash([]byte("other bytes"))

	if a != b {
		t.Error("expected identical content to hash identically")
	}
	if a == c {
		t.Error("expected different content to hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDocumentStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DocumentStatus
		want     bool
	}{
		{DocumentStatusUploaded, DocumentStatusProcessing, true},
		{DocumentStatusUploaded, DocumentStatusCompleted, false},
		{DocumentStatusProcessing, DocumentStatusCompleted, true},
		{DocumentStatusProcessing, DocumentStatusFailed, true},
		{DocumentStatusProcessing, DocumentStatusUploaded, false},
		{DocumentStatusFailed, DocumentStatusProcessing, true},
		{DocumentStatusCompleted, DocumentStatusProcessing, true},
		{DocumentStatusCompleted, DocumentStatusFailed, false},
		{"bogus", DocumentStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDocument_TransitionTo(t *testing.T) {
	doc := NewDocument("tenant-a", "a.txt", "text/plain", []byte("x"))

	if err := doc.TransitionTo(DocumentStatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := doc.TransitionTo(DocumentStatusProcessing, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := doc.TransitionTo(DocumentStatusFailed, "embedding down"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Error != "embedding down" {
		t.Errorf("expected error message recorded, got %q", doc.Error)
	}
	if err := doc.TransitionTo(DocumentStatusProcessing, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Error != "" {
		t.Error("expected error cleared on reprocess")
	}
	if err := doc.TransitionTo(DocumentStatusCompleted, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestLayoutForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        Layout
	}{
		{"application/pdf", LayoutPaginated},
		{"application/x-paged-text", LayoutPaginated},
		{"text/csv; charset=utf-8", LayoutLine},
		{"text/tab-separated-values", LayoutLine},
		{"text/markdown", LayoutUnstructured},
		{"text/plain", LayoutUnstructured},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := LayoutForContentType(tt.contentType); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	valid := []string{"tenant-a", "ACME_01", "t"}
	for _, id := range valid {
		if err := ValidateTenantID(id); err != nil {
			t.Errorf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{"", "has space", "slash/y", "ünïcode", strings.Repeat("a", 65)}
	for _, id := range invalid {
		if err := ValidateTenantID(id); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected %q to be invalid, got %v", id, err)
		}
	}
}

func TestChunk_Content(t *testing.T) {
	chunk := &Chunk{Text: "  padded words \n"}
	if chunk.Content() != "padded words" {
		t.Errorf("expected trimmed content, got %q", chunk.Content())
	}
	if !chunk.Searchable() {
		t.Error("expected chunk to be searchable")
	}

	blank := &Chunk{Text: " \n\t "}
	if blank.Searchable() {
		t.Error("expected whitespace-only chunk to be unsearchable")
	}
}

func TestChunkID(t *testing.T) {
	if got := ChunkID("doc-1", 3); got != "doc-1:3" {
		t.Errorf("expected doc-1:3, got %s", got)
	}
}

func TestPosition_Valid(t *testing.T) {
	if (Position{}).Valid() {
		t.Error("expected zero position to be invalid")
	}
	p := Position{StartOffset: 0, EndOffset: 10, StartLine: 1, EndLine: 2}
	if !p.Valid() {
		t.Error("expected position to be valid")
	}
}
