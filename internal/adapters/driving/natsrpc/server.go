package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

const tracerName = "github.com/custodia-labs/sercha-rag/natsrpc"

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Conn          *nats.Conn
	IngestService driving.IngestService
	AnswerService driving.AnswerService
	// Checks are probed on the health subject.
	Checks []runtime.Check
	// Defaults fill query options a request leaves unset.
	Defaults domain.QueryOptions
	// Prefix is prepended to every subject, default "sercha.rag".
	Prefix string
	// QueueGroup load-balances requests across server instances.
	QueueGroup string
	// RequestTimeout bounds one request, default 60s.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server answers NATS requests with the core services.
type Server struct {
	nc       *nats.Conn
	ingest   driving.IngestService
	answer   driving.AnswerService
	checks   []runtime.Check
	defaults domain.QueryOptions
	prefix   string
	group    string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer creates a Server. Call Start to subscribe.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sercha.rag"
	}
	group := cfg.QueueGroup
	if group == "" {
		group = "sercha-rag"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Server{
		nc:       cfg.Conn,
		ingest:   cfg.IngestService,
		answer:   cfg.AnswerService,
		checks:   cfg.Checks,
		defaults: cfg.Defaults,
		prefix:   prefix,
		group:    group,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start subscribes every endpoint.
func (s *Server) Start() error {
	endpoints := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectIngest, handle(s, SubjectIngest, s.handleIngest)},
		{SubjectQuery, handle(s, SubjectQuery, s.handleQuery)},
		{SubjectStatus, handle(s, SubjectStatus, s.handleStatus)},
		{SubjectGet, handle(s, SubjectGet, s.handleGet)},
		{SubjectList, handle(s, SubjectList, s.handleList)},
		{SubjectDelete, handle(s, SubjectDelete, s.handleDelete)},
		{SubjectReprocess, handle(s, SubjectReprocess, s.handleReprocess)},
		{SubjectReembed, handle(s, SubjectReembed, s.handleReembed)},
		{SubjectHealth, handle(s, SubjectHealth, s.handleHealth)},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range endpoints {
		sub, err := s.nc.QueueSubscribe(s.prefix+"."+e.subject, s.group, e.handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", e.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("nats endpoints ready", "prefix", s.prefix, "queue_group", s.group)
	return nil
}

// Stop drains the subscriptions so in-flight requests still get replies.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// handle decodes Req, runs fn inside a span continued from the message
// headers and replies with the encoded envelope.
func handle[Req, Resp any](s *Server, name string, fn func(context.Context, Req) (*Resp, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		ctx, span := otel.Tracer(tracerName).Start(ctx, "natsrpc."+name)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		var reply Reply[Resp]
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = &Error{Code: CodeInvalidInput, Message: "malformed request: " + err.Error()}
		} else {
			data, err := fn(ctx, req)
			reply.Data = data
			if err != nil {
				reply.Error = toError(err)
				s.logFailure(name, err)
			}
		}

		if reply.Error != nil {
			span.SetStatus(codes.Error, reply.Error.Message)
			span.SetAttributes(attribute.String("rpc.error_code", reply.Error.Code))
		}

		out, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("failed to encode reply", "subject", name, "error", err)
			out, _ = json.Marshal(Reply[Resp]{Error: &Error{Code: CodeInternal, Message: "encode reply"}})
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(out); err != nil {
			s.logger.Error("failed to send reply", "subject", name, "error", err)
		}
		s.logger.Debug("request handled", "subject", name, "duration", time.Since(start))
	}
}

func (s *Server) logFailure(name string, err error) {
	switch {
	case errors.Is(err, domain.ErrCrossTenantAccess):
		s.logger.Error("cross-tenant access blocked", "subject", name, "error", err)
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
		s.logger.Debug("request rejected", "subject", name, "error", err)
	default:
		s.logger.Warn("request failed", "subject", name, "error", err)
	}
}

func (s *Server) handleIngest(ctx context.Context, req IngestRequest) (*domain.Document, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return s.ingest.IngestDocument(ctx, req.TenantID, req.Content, req.Filename, req.ContentType)
}

func (s *Server) handleQuery(ctx context.Context, req QueryRequest) (*domain.AnswerResult, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return s.answer.Query(ctx, req.TenantID, req.Query, withDefaults(req.Options, s.defaults))
}

func withDefaults(opts, defaults domain.QueryOptions) domain.QueryOptions {
	if opts.Strategy == "" {
		opts.Strategy = defaults.Strategy
	}
	if opts.TopK == 0 {
		opts.TopK = defaults.TopK
	}
	if opts.Threshold == nil {
		opts.Threshold = defaults.Threshold
	}
	if opts.MaxContextChunks == 0 {
		opts.MaxContextChunks = defaults.MaxContextChunks
	}
	return opts
}

func (s *Server) handleStatus(ctx context.Context, req DocumentRequest) (*StatusReply, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	status, err := s.ingest.GetDocumentStatus(ctx, req.TenantID, req.DocumentID)
	if err != nil {
		return nil, err
	}
	return &StatusReply{DocumentID: req.DocumentID, Status: status}, nil
}

func (s *Server) handleGet(ctx context.Context, req DocumentRequest) (*domain.Document, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return s.ingest.GetDocument(ctx, req.TenantID, req.DocumentID)
}

func (s *Server) handleList(ctx context.Context, req ListRequest) (*[]*domain.Document, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	docs, err := s.ingest.ListDocuments(ctx, req.TenantID, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return &docs, nil
}

func (s *Server) handleDelete(ctx context.Context, req DocumentRequest) (*Empty, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return &Empty{}, s.ingest.DeleteDocument(ctx, req.TenantID, req.DocumentID)
}

func (s *Server) handleReprocess(ctx context.Context, req DocumentRequest) (*Empty, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return &Empty{}, s.ingest.ReprocessDocument(ctx, req.TenantID, req.DocumentID)
}

func (s *Server) handleReembed(ctx context.Context, req DocumentRequest) (*Empty, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}
	return &Empty{}, s.ingest.ReembedDocument(ctx, req.TenantID, req.DocumentID)
}

func (s *Server) handleHealth(ctx context.Context, _ Empty) (*runtime.HealthReport, error) {
	report := runtime.RunChecks(ctx, 5*time.Second, s.checks)
	return &report, nil
}
