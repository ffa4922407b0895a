// Package main is the entry point for the mailfanout command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shineum/mailfanout/internal/config"
	"github.com/shineum/mailfanout/internal/dispatch"
	"github.com/shineum/mailfanout/internal/ledger"
	"github.com/shineum/mailfanout/internal/ledger/redisstore"
	"github.com/shineum/mailfanout/internal/message"
	"github.com/shineum/mailfanout/internal/transport"
	"github.com/shineum/mailfanout/internal/transport/graph"
	"github.com/shineum/mailfanout/internal/transport/ses"
	"github.com/shineum/mailfanout/internal/transport/smtp"
	"github.com/shineum/mailfanout/internal/transport/stdout"
)

// drainTimeout bounds the wait for in-flight batches after the job ends.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	jobPath := flag.String("job", "", "path to YAML job file")
	metricsFile := flag.String("metrics-file", "", "write dispatch metrics to this file in Prometheus text format")
	roundtrip := flag.Bool("roundtrip", false, "check that a distribution survives JSON encoding and exit")
	from := flag.String("from", "", "sender for -roundtrip")
	to := flag.String("to", "", "TO header for -roundtrip")
	cc := flag.String("cc", "", "CC header for -roundtrip")
	bcc := flag.String("bcc", "", "BCC header for -roundtrip")
	flag.Parse()

	if *roundtrip {
		if err := runRoundTrip(os.Stdout, *from, *to, *cc, *bcc); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if *jobPath == "" {
		slog.Error("no job file given, use -job")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, *jobPath, *metricsFile); err != nil {
		slog.Error("job failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, jobPath, metricsFile string) error {
	job, err := LoadJob(jobPath)
	if err != nil {
		return err
	}

	tr, err := selectTransport(ctx, cfg)
	if err != nil {
		return err
	}

	var store *redisstore.Store
	l := ledger.New()
	if cfg.LedgerEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Ledger.RedisAddr,
			Password: cfg.Ledger.RedisPassword,
			DB:       cfg.Ledger.RedisDB,
		})
		defer client.Close()
		store = redisstore.New(client, cfg.Ledger.KeyPrefix)
		if l, err = store.Load(ctx, job.RefID); err != nil {
			return err
		}
		slog.Info("loaded send ledger", "refid", job.RefID, "already_sent", l.Len())
	}

	msg, err := job.Build(message.WithLedger(l))
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	reg := prometheus.NewRegistry()
	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, slog.Default())
	d := dispatch.New(tr, pool,
		dispatch.WithBatchSize(cfg.Dispatch.BatchSize),
		dispatch.WithLogger(slog.Default()),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
	)

	h, sendErr := d.Send(ctx, msg)
	var results []dispatch.BatchResult
	if sendErr == nil {
		results, sendErr = h.Wait(ctx)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		slog.Warn("worker pool did not drain", "error", err)
	}

	if store != nil {
		if err := store.Save(context.WithoutCancel(ctx), msg.RefID(), msg.Ledger()); err != nil {
			slog.Error("failed to save send ledger", "error", err)
		}
	}
	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			slog.Error("failed to write metrics", "error", err)
		}
	}
	if sendErr != nil {
		return sendErr
	}

	return report(msg, results)
}

// report logs the outcome and fails when any batch failed.
func report(msg message.Message, results []dispatch.BatchResult) error {
	failed := 0
	for _, r := range results {
		if r.State == dispatch.StateFailed {
			failed++
		}
	}
	if errs := msg.Ledger().Errors(); errs != "" {
		fmt.Fprint(os.Stderr, errs)
	}
	slog.Info("dispatch finished",
		"refid", msg.RefID(),
		"batches", len(results),
		"failed", failed,
		"sent", msg.Ledger().Len(),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d batches failed", failed, len(results))
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

var errTransportConfig = errors.New("transport is not configured")

// selectTransport chooses the delivery backend. An explicit transport name
// wins; otherwise SMTP, Graph and SES are tried in that order before
// falling back to stdout.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	name := cfg.Transport
	if name == "" {
		switch {
		case cfg.SMTPConfigured():
			name = "smtp"
		case cfg.GraphConfigured():
			name = "graph"
		case cfg.SESConfigured():
			name = "ses"
		default:
			name = "stdout"
		}
		slog.Info("auto-detected transport", "transport", name)
	}

	switch name {
	case "smtp":
		if !cfg.SMTPConfigured() {
			return nil, fmt.Errorf("%w: smtp requires SMTP_HOST", errTransportConfig)
		}
		slog.Info("using SMTP transport", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port, "tls", cfg.SMTP.TLS)
		t, err := smtp.New(smtp.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLS:      smtp.TLSMode(cfg.SMTP.TLS),
			HeloName: cfg.SMTP.Helo,
			Timeout:  cfg.SMTP.Timeout,
			CAFile:   cfg.SMTP.CAFile,
			CertFile: cfg.SMTP.CertFile,
			KeyFile:  cfg.SMTP.KeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP transport: %w", err)
		}
		return t, nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("%w: ses requires SES_REGION and SES_SENDER", errTransportConfig)
		}
		slog.Info("using AWS SES transport", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		t, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("%w: graph requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER", errTransportConfig)
		}
		slog.Info("using Microsoft Graph transport", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case "stdout":
		slog.Info("using stdout transport")
		return stdout.New(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}
