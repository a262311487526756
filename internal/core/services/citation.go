package services

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

const excerptRunes = 240

// CitationBuilder renders localized references for retrieved chunks.
type CitationBuilder struct {
	templates domain.CitationTemplates
}

// NewCitationBuilder creates a builder for a locale's templates. Empty
// template fields are filled from the built-in English set.
func NewCitationBuilder(templates domain.CitationTemplates) (*CitationBuilder, error) {
	merged := templates.Merge(domain.DefaultCitationTemplates())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &CitationBuilder{templates: merged}, nil
}

// Templates returns the active template set.
func (b *CitationBuilder) Templates() domain.CitationTemplates {
	return b.templates
}

// NoContextAnswer returns the localized "not found" answer text.
func (b *CitationBuilder) NoContextAnswer() string {
	return b.templates.NoContext
}

// Build returns the citation for a candidate. Missing or inconsistent
// position data yields the "unknown" reference instead of an error.
func (b *CitationBuilder) Build(c *domain.Candidate) domain.Citation {
	cit := domain.Citation{
		Similarity:  c.Similarity,
		RerankScore: c.RerankScore,
		Confidence:  clamp01(c.RerankScore),
		Reference:   b.templates.Unknown,
	}
	if c.Document != nil {
		cit.DocumentID = c.Document.ID
		cit.Filename = c.Document.Filename
	}
	if c.Chunk == nil {
		return cit
	}

	cit.ChunkID = c.Chunk.ID
	cit.DocumentID = c.Chunk.DocumentID
	cit.Excerpt = excerpt(c.Chunk.Content())

	layout := domain.LayoutUnstructured
	if c.Document != nil && c.Document.Layout != "" {
		layout = c.Document.Layout
	}
	cit.Reference = b.reference(layout, c.Chunk.Position)
	return cit
}

// BuildAll builds citations in candidate order.
func (b *CitationBuilder) BuildAll(candidates []*domain.Candidate) []domain.Citation {
	out := make([]domain.Citation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, b.Build(c))
	}
	return out
}

func (b *CitationBuilder) reference(layout domain.Layout, pos domain.Position) string {
	if !pos.Valid() {
		return b.templates.Unknown
	}
	t := b.templates

	switch layout {
	case domain.LayoutPaginated:
		if pos.Page <= 0 {
			return t.Unknown
		}
		start, end := pos.PageStartLine, pos.PageEndLine
		if start <= 0 || end < start {
			start, end = pos.StartLine, pos.EndLine
		}
		if start == end {
			return domain.Render(t.PageLine, map[string]string{
				"page": strconv.Itoa(pos.Page),
				"line": strconv.Itoa(start),
			})
		}
		return domain.Render(t.Page, map[string]string{
			"page":  strconv.Itoa(pos.Page),
			"start": strconv.Itoa(start),
			"end":   strconv.Itoa(end),
		})

	case domain.LayoutLine:
		if pos.StartLine == pos.EndLine {
			return domain.Render(t.Line, map[string]string{"line": strconv.Itoa(pos.StartLine)})
		}
		return domain.Render(t.Lines, map[string]string{
			"start": strconv.Itoa(pos.StartLine),
			"end":   strconv.Itoa(pos.EndLine),
		})

	default:
		label := strings.TrimSpace(pos.Section)
		if label == "" {
			if pos.SectionOrdinal <= 0 {
				return t.Unknown
			}
			label = strconv.Itoa(pos.SectionOrdinal)
		}
		return domain.Render(t.Section, map[string]string{"section": label})
	}
}

// AggregateConfidence is the maximum per-citation confidence, 0 when empty.
func AggregateConfidence(citations []domain.Citation) float64 {
	var best float64
	for _, c := range citations {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	return best
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:excerptRunes])) + "…"
}
