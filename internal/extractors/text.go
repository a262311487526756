package extractors

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// decodeText validates UTF-8 and normalises line endings.
// Binary payloads (NUL bytes, invalid UTF-8) are rejected.
func decodeText(data []byte) (string, error) {
	if bytes.IndexByte(data, 0) != -1 {
		return "", fmt.Errorf("%w: binary content", domain.ErrExtraction)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: content is not valid UTF-8", domain.ErrExtraction)
	}
	text := string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n"), nil
}

// PlaintextExtractor handles plain text and is the fallback for text-like uploads.
type PlaintextExtractor struct{}

func (e *PlaintextExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	return &domain.Extraction{Text: text, Layout: domain.LayoutUnstructured}, nil
}

func (e *PlaintextExtractor) SupportedTypes() []string {
	return []string{"text/plain", "*/*"}
}

func (e *PlaintextExtractor) Priority() int {
	return 1
}

// MarkdownExtractor keeps Markdown source and records ATX headings as sections.
type MarkdownExtractor struct{}

func (e *MarkdownExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	var headings []domain.Heading
	inFence := false
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if title, ok := atxHeading(trimmed); ok {
				headings = append(headings, domain.Heading{Offset: offset, Title: title})
			}
		}
		offset += len(line)
	}

	return &domain.Extraction{Text: text, Headings: headings, Layout: domain.LayoutUnstructured}, nil
}

// atxHeading parses "## Title" style lines.
func atxHeading(line string) (string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(line) || line[level] != ' ' {
		return "", false
	}
	title := strings.TrimSpace(strings.TrimRight(line[level:], "#"))
	return title, title != ""
}

func (e *MarkdownExtractor) SupportedTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (e *MarkdownExtractor) Priority() int {
	return 50
}

// DelimitedExtractor handles line-oriented formats (CSV, TSV, logs).
type DelimitedExtractor struct{}

func (e *DelimitedExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	return &domain.Extraction{Text: text, Layout: domain.LayoutLine}, nil
}

func (e *DelimitedExtractor) SupportedTypes() []string {
	return []string{"text/csv", "text/tab-separated-values", "text/x-log"}
}

func (e *DelimitedExtractor) Priority() int {
	return 50
}

// PagedTextExtractor handles form-feed separated pages, as produced by
// pdftotext and similar converters. Each form feed becomes a newline and its
// offset is recorded as a page break.
type PagedTextExtractor struct{}

func (e *PagedTextExtractor) Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	var breaks []int
	buf := []byte(text)
	for i, b := range buf {
		if b == '\f' {
			buf[i] = '\n'
			if i+1 < len(buf) {
				breaks = append(breaks, i+1)
			}
		}
	}

	return &domain.Extraction{Text: string(buf), PageBreaks: breaks, Layout: domain.LayoutPaginated}, nil
}

func (e *PagedTextExtractor) SupportedTypes() []string {
	return []string{"application/x-paged-text", "text/x-paged"}
}

func (e *PagedTextExtractor) Priority() int {
	return 50
}
