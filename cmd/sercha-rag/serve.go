package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driving/http"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driving/natsrpc"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
	"github.com/custodia-labs/sercha-rag/internal/worker"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer ingest and query requests over NATS",
	Long: `Subscribes the ingest, query and document subjects on NATS and serves
health probes over HTTP. With a task queue configured, --with-worker also
processes queued documents in the same process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued ingestion tasks",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", true, "Process queued tasks in this process")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	logger.Info("starting", "mode", "serve")

	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("sercha-rag"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	checks := append(slices.Clone(a.checks), natsCheck(nc))
	srv := natsrpc.NewServer(natsrpc.ServerConfig{
		Conn:           nc,
		IngestService:  a.ingest,
		AnswerService:  a.answer,
		Checks:         checks,
		Defaults:       cfg.RetrieveOptions(),
		Prefix:         cfg.NATS.Prefix,
		QueueGroup:     cfg.NATS.QueueGroup,
		RequestTimeout: cfg.NATS.RequestTimeout,
		Logger:         logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	var w *worker.Worker
	if serveWithWorker && a.queue != nil {
		w = newWorker(cfg, a, logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	if cfg.HTTP.Port > 0 {
		probe := http.NewServer(http.Config{
			Host:    cfg.HTTP.Host,
			Port:    cfg.HTTP.Port,
			Version: version,
			Checks:  checks,
			Logger:  logger,
		})
		go func() { errCh <- probe.Start(ctx) }()
	}

	cmd.Printf("sercha-rag %s listening on %s (prefix %s)\n", version, cfg.NATS.URL, cfg.NATS.Prefix)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	logger.Info("shutting down")
	if w != nil {
		w.Stop()
	}
	return err
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.BackendNone {
		return fmt.Errorf("worker needs a task queue: set queue.backend to redis or postgres")
	}
	logger := newLogger(cfg.Log)
	logger.Info("starting", "mode", "worker")

	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w := newWorker(cfg, a, logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	w.Stop()
	return nil
}

func newWorker(cfg *config.Config, a *app, logger *slog.Logger) *worker.Worker {
	return worker.NewWorker(worker.Config{
		TaskQueue:      a.queue,
		Processor:      a.ingest,
		Logger:         logger,
		Concurrency:    cfg.Worker.Concurrency,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		TaskTimeout:    cfg.Worker.TaskTimeout,
		PurgeInterval:  cfg.Worker.PurgeInterval,
		Retention:      cfg.Worker.Retention,
	})
}

func natsCheck(nc *nats.Conn) runtime.Check {
	return runtime.Check{Name: "nats", Ping: func(ctx context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats: %s", nc.Status())
		}
		return nc.FlushWithContext(ctx)
	}}
}
