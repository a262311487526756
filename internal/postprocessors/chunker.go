package postprocessors

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// ChunkConfig configures the chunker.
type ChunkConfig struct {
	// ChunkSize is the maximum window length in bytes
	ChunkSize int `yaml:"chunk_size"`

	// Overlap is the number of bytes shared by consecutive windows
	Overlap int `yaml:"overlap"`
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize: 1000,
		Overlap:   200,
	}
}

// Validate rejects configurations that cannot make progress.
func (c ChunkConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrConfiguration, c.ChunkSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", domain.ErrConfiguration, c.Overlap)
	}
	if c.Overlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", domain.ErrConfiguration, c.Overlap, c.ChunkSize)
	}
	return nil
}

// Span is a raw window [Start, End) of the source text.
type Span struct {
	Start int
	End   int
}

// Split walks text in overlapping windows that avoid cutting words.
func Split(text string, config ChunkConfig) ([]Span, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	n := len(text)
	if n == 0 {
		return nil, nil
	}

	var spans []Span
	start := 0
	for {
		if n-start <= config.ChunkSize {
			spans = append(spans, Span{Start: start, End: n})
			return spans, nil
		}

		end := snapBack(text, start+config.ChunkSize)
		if end <= start {
			end = snapForward(text, start+1)
		}
		if splitsWord(text, end) {
			if idx := strings.LastIndexAny(text[start+1:end], " \t\n\r\f\v"); idx != -1 {
				end = start + 1 + idx + 1
			}
		}
		spans = append(spans, Span{Start: start, End: end})

		next := snapBack(text, end-config.Overlap)
		if next <= start {
			next = end
		}
		if next <= start {
			return nil, fmt.Errorf("chunker stalled at offset %d", start)
		}
		start = next
	}
}

// splitsWord reports whether a cut at i lands between two non-space bytes.
func splitsWord(text string, i int) bool {
	if i <= 0 || i >= len(text) {
		return false
	}
	return !isSpaceByte(text[i-1]) && !isSpaceByte(text[i])
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func snapBack(text string, i int) int {
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func snapForward(text string, i int) int {
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

// Chunker turns an extraction into positioned chunks.
type Chunker struct {
	config ChunkConfig
}

// NewChunker creates a new chunker with the given config.
func NewChunker(config ChunkConfig) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: config}, nil
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() ChunkConfig {
	return c.config
}

// Chunk splits the extracted text and annotates every chunk with line, page
// and section metadata.
func (c *Chunker) Chunk(tenantID, documentID string, ext *domain.Extraction) ([]*domain.Chunk, error) {
	spans, err := Split(ext.Text, c.config)
	if err != nil {
		return nil, err
	}

	idx := newPositionIndex(ext)
	now := time.Now()
	chunks := make([]*domain.Chunk, 0, len(spans))
	for i, span := range spans {
		text := ext.Text[span.Start:span.End]
		chunks = append(chunks, &domain.Chunk{
			ID:         domain.ChunkID(documentID, i),
			DocumentID: documentID,
			TenantID:   tenantID,
			Ordinal:    i,
			Text:       text,
			Position:   idx.locate(span, i),
			WordCount:  len(strings.Fields(text)),
			CreatedAt:  now,
		})
	}
	return chunks, nil
}

// Reconstruct rebuilds the source text from ordered chunks by dropping the
// overlap each chunk shares with its predecessor.
func Reconstruct(chunks []*domain.Chunk) string {
	var b strings.Builder
	prevEnd := 0
	for i, ch := range chunks {
		if i == 0 {
			b.WriteString(ch.Text)
		} else {
			b.WriteString(ch.Text[prevEnd-ch.Position.StartOffset:])
		}
		prevEnd = ch.Position.EndOffset
	}
	return b.String()
}

// positionIndex answers line, page and section lookups by byte offset.
type positionIndex struct {
	text       string
	newlines   []int
	pageBreaks []int
	headings   []domain.Heading
	paginated  bool
}

func newPositionIndex(ext *domain.Extraction) *positionIndex {
	idx := &positionIndex{
		text:       ext.Text,
		pageBreaks: append([]int(nil), ext.PageBreaks...),
		headings:   append([]domain.Heading(nil), ext.Headings...),
		paginated:  ext.Layout == domain.LayoutPaginated || len(ext.PageBreaks) > 0,
	}
	for i := 0; i < len(ext.Text); i++ {
		if ext.Text[i] == '\n' {
			idx.newlines = append(idx.newlines, i)
		}
	}
	sort.Ints(idx.pageBreaks)
	sort.SliceStable(idx.headings, func(i, j int) bool {
		return idx.headings[i].Offset < idx.headings[j].Offset
	})
	return idx
}

// lineAt returns the 1-based line containing offset.
func (p *positionIndex) lineAt(offset int) int {
	return 1 + sort.SearchInts(p.newlines, offset)
}

// pageAt returns the 1-based page containing offset and the page's first byte.
func (p *positionIndex) pageAt(offset int) (int, int) {
	n := sort.Search(len(p.pageBreaks), func(i int) bool { return p.pageBreaks[i] > offset })
	if n == 0 {
		return 1, 0
	}
	return n + 1, p.pageBreaks[n-1]
}

func (p *positionIndex) sectionAt(offset int) string {
	n := sort.Search(len(p.headings), func(i int) bool { return p.headings[i].Offset > offset })
	if n == 0 {
		return ""
	}
	return p.headings[n-1].Title
}

func (p *positionIndex) locate(span Span, ordinal int) domain.Position {
	raw := p.text[span.Start:span.End]
	lead := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))
	trail := len(raw) - len(strings.TrimRightFunc(raw, unicode.IsSpace))
	first := span.Start + lead
	last := span.End - trail - 1
	if last < first {
		last = first
	}

	pos := domain.Position{
		StartOffset:    span.Start,
		EndOffset:      span.End,
		StartLine:      p.lineAt(first),
		EndLine:        p.lineAt(last),
		Section:        p.sectionAt(first),
		SectionOrdinal: ordinal + 1,
	}
	if p.paginated {
		page, pageStart := p.pageAt(first)
		base := p.lineAt(pageStart) - 1
		pos.Page = page
		pos.PageStartLine = pos.StartLine - base
		pos.PageEndLine = pos.EndLine - base
	}
	return pos
}
