package domain

import (
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// DocumentStatus is the ingestion lifecycle state of a document.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// IsTerminal reports whether the pipeline has finished with the document.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Failed and completed documents may re-enter processing (reprocess, re-embed).
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case DocumentStatusUploaded:
		return next == DocumentStatusProcessing
	case DocumentStatusProcessing:
		return next == DocumentStatusCompleted || next == DocumentStatusFailed
	case DocumentStatusCompleted, DocumentStatusFailed:
		return next == DocumentStatusProcessing
	default:
		return false
	}
}

// Layout is the structural type of a document and decides its citation format.
type Layout string

const (
	// LayoutPaginated documents cite "page P, line L1-L2".
	LayoutPaginated Layout = "paginated"
	// LayoutLine documents (CSV, TSV, logs) cite "line L".
	LayoutLine Layout = "line"
	// LayoutUnstructured documents cite "section S".
	LayoutUnstructured Layout = "unstructured"
)

// Document is an uploaded source file owned by one tenant.
type Document struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Filename       string         `json:"filename"`
	ContentHash    string         `json:"content_hash"`
	ContentType    string         `json:"content_type"`
	Size           int64          `json:"size"`
	Layout         Layout         `json:"layout"`
	Status         DocumentStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	ChunkCount     int            `json:"chunk_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	// Content holds the raw uploaded bytes so queued workers can process them.
	Content []byte `json:"-"`
}

// NewDocument creates an uploaded document for the given tenant.
func NewDocument(tenantID, filename, contentType string, content []byte) *Document {
	now := time.Now()
	if contentType == "" {
		contentType = DetectContentType(filename)
	}
	return &Document{
		ID:          NewDocumentID(),
		TenantID:    tenantID,
		Filename:    filename,
		ContentHash: ContentHash(content),
		ContentType: contentType,
		Size:        int64(len(content)),
		Layout:      LayoutForContentType(contentType),
		Status:      DocumentStatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
		Content:     content,
	}
}

// TransitionTo moves the document to next, recording msg for failures.
func (d *Document) TransitionTo(next DocumentStatus, msg string) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
	}
	now := time.Now()
	d.Status = next
	d.UpdatedAt = now
	switch next {
	case DocumentStatusFailed:
		d.Error = msg
	case DocumentStatusCompleted:
		d.Error = ""
		d.CompletedAt = &now
	case DocumentStatusProcessing:
		d.Error = ""
		d.CompletedAt = nil
	}
	return nil
}

// ContentHash returns the hex BLAKE2b-256 digest used for deduplication.
func ContentHash(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DetectContentType guesses a MIME type from the filename extension.
func DetectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".tsv":
		return "text/tab-separated-values"
	case ".log":
		return "text/x-log"
	case ".pdf":
		return "application/pdf"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "text/plain"
}

// LayoutForContentType maps a MIME type to its citation layout.
func LayoutForContentType(contentType string) Layout {
	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch ct {
	case "application/pdf", "application/x-paged-text", "text/x-paged":
		return LayoutPaginated
	case "text/csv", "text/tab-separated-values", "text/x-log":
		return LayoutLine
	default:
		return LayoutUnstructured
	}
}

// ValidateTenantID checks a tenant identifier is usable as an isolation key.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if len(tenantID) > 64 {
		return fmt.Errorf("%w: tenant id longer than 64 characters", ErrInvalidInput)
	}
	for _, r := range tenantID {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return fmt.Errorf("%w: tenant id %q contains %q", ErrInvalidInput, tenantID, r)
		}
	}
	return nil
}

// Heading is a section title found by the extractor at a byte offset.
type Heading struct {
	Offset int    `json:"offset"`
	Title  string `json:"title"`
}

// Extraction is the plain text of a document plus its structural markers.
type Extraction struct {
	Text string `json:"text"`
	// PageBreaks holds the byte offsets at which pages 2..N start.
	PageBreaks []int     `json:"page_breaks,omitempty"`
	Headings   []Heading `json:"headings,omitempty"`
	Layout     Layout    `json:"layout"`
}

// DocumentWithChunks combines a document with its chunks
type DocumentWithChunks struct {
	Document *Document `json:"document"`
	Chunks   []*Chunk  `json:"chunks"`
}
