package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// Client calls a Server over NATS.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewClient creates a client for servers listening under prefix.
// timeout applies when ctx carries no deadline.
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	if prefix == "" {
		prefix = "sercha.rag"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{nc: nc, prefix: prefix, timeout: timeout}
}

// request sends req and decodes the reply envelope. When the reply carries
// both data and an error, both are returned.
func request[Req, Resp any](ctx context.Context, c *Client, subject string, req Req) (*Resp, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg := &nats.Msg{Subject: c.prefix + "." + subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: no server on %s", domain.ErrServiceUnavailable, msg.Subject)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrTimeout, msg.Subject, err)
		}
		return nil, err
	}

	var reply Reply[Resp]
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != nil {
		return reply.Data, reply.Error
	}
	return reply.Data, nil
}

// Ingest uploads a document. A duplicate returns the existing document
// together with an error matching domain.ErrAlreadyExists.
func (c *Client) Ingest(ctx context.Context, tenantID string, content []byte, filename, contentType string) (*domain.Document, error) {
	return request[IngestRequest, domain.Document](ctx, c, SubjectIngest, IngestRequest{
		TenantID:    tenantID,
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	})
}

// Query asks a question.
func (c *Client) Query(ctx context.Context, tenantID, query string, opts domain.QueryOptions) (*domain.AnswerResult, error) {
	return request[QueryRequest, domain.AnswerResult](ctx, c, SubjectQuery, QueryRequest{
		TenantID: tenantID,
		Query:    query,
		Options:  opts,
	})
}

// Status returns a document's lifecycle status.
func (c *Client) Status(ctx context.Context, tenantID, documentID string) (domain.DocumentStatus, error) {
	reply, err := request[DocumentRequest, StatusReply](ctx, c, SubjectStatus, DocumentRequest{TenantID: tenantID, DocumentID: documentID})
	if err != nil {
		return "", err
	}
	return reply.Status, nil
}

func (c *Client) Get(ctx context.Context, tenantID, documentID string) (*domain.Document, error) {
	return request[DocumentRequest, domain.Document](ctx, c, SubjectGet, DocumentRequest{TenantID: tenantID, DocumentID: documentID})
}

func (c *Client) List(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error) {
	docs, err := request[ListRequest, []*domain.Document](ctx, c, SubjectList, ListRequest{TenantID: tenantID, Limit: limit, Offset: offset})
	if err != nil || docs == nil {
		return nil, err
	}
	return *docs, nil
}

func (c *Client) Delete(ctx context.Context, tenantID, documentID string) error {
	_, err := request[DocumentRequest, Empty](ctx, c, SubjectDelete, DocumentRequest{TenantID: tenantID, DocumentID: documentID})
	return err
}

func (c *Client) Reprocess(ctx context.Context, tenantID, documentID string) error {
	_, err := request[DocumentRequest, Empty](ctx, c, SubjectReprocess, DocumentRequest{TenantID: tenantID, DocumentID: documentID})
	return err
}

func (c *Client) Reembed(ctx context.Context, tenantID, documentID string) error {
	_, err := request[DocumentRequest, Empty](ctx, c, SubjectReembed, DocumentRequest{TenantID: tenantID, DocumentID: documentID})
	return err
}

// Health returns the server's dependency report.
func (c *Client) Health(ctx context.Context) (*runtime.HealthReport, error) {
	return request[Empty, runtime.HealthReport](ctx, c, SubjectHealth, Empty{})
}
