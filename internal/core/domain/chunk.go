package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewDocumentID returns a fresh random document identifier.
func NewDocumentID() string {
	return uuid.NewString()
}

// ChunkID builds the deterministic identifier of a document's n-th chunk.
// Re-chunking identical text therefore yields identical chunk IDs.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", documentID, ordinal)
}

// Position locates a chunk inside the extracted text of its document.
type Position struct {
	// StartOffset and EndOffset bound the raw window in bytes.
	StartOffset int `json:"start_offset"`
	EndOffset   int `json:"end_offset"`

	// StartLine and EndLine are 1-based and cover the trimmed content.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Page is 1-based for paginated sources and 0 otherwise.
	Page          int `json:"page,omitempty"`
	PageStartLine int `json:"page_start_line,omitempty"`
	PageEndLine   int `json:"page_end_line,omitempty"`

	Section        string `json:"section,omitempty"`
	SectionOrdinal int    `json:"section_ordinal"`
}

// Valid reports whether the position carries enough data to cite.
func (p Position) Valid() bool {
	return p.EndOffset > p.StartOffset && p.StartLine > 0 && p.EndLine >= p.StartLine
}

// Chunk is a contiguous, bounded segment of a document's extracted text.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	TenantID   string    `json:"tenant_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"` // raw window, untrimmed
	Position   Position  `json:"position"`
	WordCount  int       `json:"word_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Content returns the trimmed text used for embedding, scoring and prompts.
func (c *Chunk) Content() string {
	return strings.TrimSpace(c.Text)
}

// Searchable reports whether the chunk has any content worth indexing.
func (c *Chunk) Searchable() bool {
	return c.Content() != ""
}

// Embedding is one chunk's vector under one embedding model.
// A new model version adds a new Embedding rather than replacing one.
type Embedding struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	TenantID   string    `json:"tenant_id"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"vector"`
}

// VectorHit is one nearest-neighbour result from a vector index.
type VectorHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	TenantID   string  `json:"tenant_id"`
	Similarity float64 `json:"similarity"`
	// Seq is the insertion sequence used to break similarity ties.
	Seq int64 `json:"seq"`
}
