package natsrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Subjects, relative to the configured prefix.
const (
	SubjectIngest    = "ingest"
	SubjectQuery     = "query"
	SubjectStatus    = "status"
	SubjectGet       = "documents.get"
	SubjectList      = "documents.list"
	SubjectDelete    = "documents.delete"
	SubjectReprocess = "documents.reprocess"
	SubjectReembed   = "documents.reembed"
	SubjectHealth    = "health"
)

// IngestRequest uploads one document. Content is base64 in JSON.
type IngestRequest struct {
	TenantID    string `json:"tenant_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// QueryRequest asks a question against a tenant's documents.
type QueryRequest struct {
	TenantID string              `json:"tenant_id"`
	Query    string              `json:"query"`
	Options  domain.QueryOptions `json:"options"`
}

// DocumentRequest addresses a single document.
type DocumentRequest struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
}

// ListRequest pages through a tenant's documents.
type ListRequest struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

// StatusReply carries a document's lifecycle status.
type StatusReply struct {
	DocumentID string                `json:"document_id"`
	Status     domain.DocumentStatus `json:"status"`
}

// Empty is the reply body of operations that return nothing.
type Empty struct{}

// Error codes carried in replies.
const (
	CodeInvalidInput  = "invalid_input"
	CodeConfiguration = "configuration"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeConflict      = "conflict"
	CodeInProgress    = "in_progress"
	CodeForbidden     = "forbidden"
	CodeUnavailable   = "unavailable"
	CodeTimeout       = "timeout"
	CodeInternal      = "internal"
)

// Error is the wire form of a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps the code back to its domain sentinel so clients can use errors.Is.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeInvalidInput:
		return domain.ErrInvalidInput
	case CodeConfiguration:
		return domain.ErrConfiguration
	case CodeNotFound:
		return domain.ErrNotFound
	case CodeAlreadyExists:
		return domain.ErrAlreadyExists
	case CodeConflict:
		return domain.ErrInvalidTransition
	case CodeInProgress:
		return domain.ErrIngestInProgress
	case CodeForbidden:
		return domain.ErrCrossTenantAccess
	case CodeUnavailable:
		return domain.ErrServiceUnavailable
	case CodeTimeout:
		return domain.ErrTimeout
	}
	return nil
}

// Reply is the envelope of every response. Data may be set together with
// Error, as for a duplicate upload that returns the existing document.
type Reply[T any] struct {
	Data  *T     `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// toError maps a service error onto a wire error.
func toError(err error) *Error {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrCrossTenantAccess):
		// Never describe the other tenant's data to the caller.
		return &Error{Code: CodeForbidden, Message: "access denied"}
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidProvider):
		code = CodeInvalidInput
	case errors.Is(err, domain.ErrConfiguration):
		code = CodeConfiguration
	case errors.Is(err, domain.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		code = CodeAlreadyExists
	case errors.Is(err, domain.ErrInvalidTransition):
		code = CodeConflict
	case errors.Is(err, domain.ErrIngestInProgress):
		code = CodeInProgress
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, domain.ErrServiceUnavailable),
		errors.Is(err, domain.ErrEmbeddingUnavailable),
		errors.Is(err, domain.ErrGenerationFailed):
		code = CodeUnavailable
	}
	return &Error{Code: code, Message: err.Error()}
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidInput)
	}
	return nil
}
