// Command securityd is the security-event detection and tamper-evident
// audit daemon. It loads a YAML configuration file, opens a PostgreSQL
// connection pool and a SQLite-backed job queue, starts the Rule Engine, Log
// Writer, and maintenance worker, exposes a REST API (and /metrics) over
// HTTP, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redwall/sentinel/internal/archive"
	"github.com/redwall/sentinel/internal/broadcast"
	"github.com/redwall/sentinel/internal/config"
	"github.com/redwall/sentinel/internal/engine"
	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/repository"
	"github.com/redwall/sentinel/internal/rules"
	"github.com/redwall/sentinel/internal/server/rest"
	"github.com/redwall/sentinel/internal/store"
	"github.com/redwall/sentinel/internal/writer"
)

// broadcastBufSize sizes the action-broadcast bus's per-channel buffer.
const broadcastBufSize = 256

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./securityd.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securityd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("securityd starting", slog.String("http_addr", cfg.HTTPAddr), slog.String("config", configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL log store ──────────────────────────────────────────────
	logStore, err := store.New(ctx, cfg.DSN)
	if err != nil {
		logger.Error("failed to open log store", slog.Any("error", err))
		os.Exit(1)
	}
	defer logStore.Close()
	logger.Info("PostgreSQL log store connected")

	// ── SQLite job queue ──────────────────────────────────────────────────
	jobQueue, err := queue.New(cfg.QueuePath, queue.Options{MaxRetries: cfg.MaxRetries})
	if err != nil {
		logger.Error("failed to open job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer jobQueue.Close()
	logger.Info("job queue ready", slog.String("path", cfg.QueuePath))

	// ── Action broadcast bus, Rule Engine, Log Writer ────────────────────
	//
	// engine.New requires a non-nil engine.Writer at construction, and
	// writer.New requires a non-nil writer.Engine at construction — each
	// depends on the other's narrow interface. writerHandle breaks the
	// cycle: the engine is built against a forwarding handle whose target
	// is filled in once the real writer exists.
	bus := broadcast.New(logger, broadcastBufSize)

	wh := &writerHandle{}
	ruleEngine := engine.New(bus, wh, logger, engine.WithDeadline(time.Duration(cfg.RuleEvalDeadlineMs)*time.Millisecond))

	logWriter := writer.New(logStore, jobQueue, ruleEngine, logger)
	wh.set(logWriter)

	// ── Rule Repository (cache + hot reload) ─────────────────────────────
	repo, err := repository.New(logStore, ruleEngine, logger,
		repository.WithHotReloadInterval(time.Duration(cfg.HotReloadIntervalMs)*time.Millisecond))
	if err != nil {
		logger.Error("failed to construct rule repository", slog.Any("error", err))
		os.Exit(1)
	}

	if err := seedRules(ctx, logStore, cfg.Rules); err != nil {
		logger.Error("failed to seed rules", slog.Any("error", err))
		os.Exit(1)
	}

	if err := repo.Load(ctx); err != nil {
		logger.Error("failed to load rules into engine", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.HotReloadIntervalMs > 0 {
		repo.StartHotReload(ctx)
	}
	defer repo.Stop()

	// ── Maintenance worker (CLEANUP / VERIFY_INTEGRITY) ──────────────────
	maintenance := archive.NewWorker(logStore, jobQueue, cfg.ArchiveDir, logger)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	// ── Log Writer (LOG_EVENT / BATCH_LOG) ───────────────────────────────
	logWriter.Start(ctx)
	defer logWriter.Stop()

	go runCleanupScheduler(ctx, jobQueue, cfg, logger)
	go reportQueueDepth(ctx, jobQueue, logger)

	// ── REST API ──────────────────────────────────────────────────────────
	pubKeyPEM, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := parseRSAPublicKey(pubKeyPEM)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(1)
	}

	restSrv := rest.NewServer(logStore, logStore, repo, jobQueue)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("securityd exited cleanly")
}

// writerHandle implements engine.Writer by forwarding to a *writer.Writer
// set after construction, breaking the engine/writer construction cycle:
// each package depends only on the other's narrow interface, not its
// concrete type, so neither constructor can run first without this.
type writerHandle struct {
	w *writer.Writer
}

func (h *writerHandle) set(w *writer.Writer) { h.w = w }

func (h *writerHandle) LogSuspiciousActivity(ctx context.Context, source model.Event, result model.RuleEvaluationResult) error {
	if h.w == nil {
		return errors.New("writerHandle: writer not yet constructed")
	}
	return h.w.LogSuspiciousActivity(ctx, source, result)
}

// seedRules inserts every configured rule that isn't already present in the
// store. Existing rows are left untouched — once a rule exists, the admin
// API and hot reload own its lifecycle, not the config file.
func seedRules(ctx context.Context, st *store.Store, seeds []config.RuleConfig) error {
	now := time.Now().UTC()
	for _, s := range seeds {
		existing, err := st.GetRule(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("seed rule %q: %w", s.ID, err)
		}
		if existing != nil {
			continue
		}

		rawConfig, err := json.Marshal(s.Config)
		if err != nil {
			return fmt.Errorf("seed rule %q: marshal config: %w", s.ID, err)
		}

		row := model.Rule{
			ID:            s.ID,
			Name:          s.Name,
			Description:   s.Description,
			Version:       "1.0.0",
			Status:        model.RuleStatus(s.Status),
			Severity:      model.Severity(s.Severity),
			ConditionType: model.ConditionType(s.ConditionType),
			Config:        rawConfig,
			Tags:          s.Tags,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		// Validate the rule constructs before persisting it — a malformed
		// seed config should fail startup loudly, not surface later as a
		// silent hot-reload skip.
		if _, err := rules.New(row); err != nil {
			return fmt.Errorf("seed rule %q: %w", s.ID, err)
		}

		if err := st.InsertRule(ctx, row); err != nil {
			return fmt.Errorf("seed rule %q: %w", s.ID, err)
		}
	}
	return nil
}

// runCleanupScheduler enqueues a CLEANUP job once a day at cfg.CleanupHourUTC,
// re-arming itself after each run.
func runCleanupScheduler(ctx context.Context, q *queue.Queue, cfg *config.Config, logger *slog.Logger) {
	for {
		delay := cfg.NextCleanupRun(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if _, err := q.ScheduleCleanup(ctx, cfg.RetentionDays, 0); err != nil {
				logger.Error("failed to schedule cleanup job", slog.Any("error", err))
			}
		}
	}
}

// reportQueueDepth keeps the queue_depth gauge live by polling the queue's
// per-kind backlog on a fixed interval.
func reportQueueDepth(ctx context.Context, q *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ReportDepthMetrics(ctx); err != nil {
				logger.Warn("failed to report queue depth", slog.Any("error", err))
			}
		}
	}
}

// parseRSAPublicKey decodes a PEM-encoded PKIX RSA public key, as produced
// by `openssl rsa -pubout`.
func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("parseRSAPublicKey: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parseRSAPublicKey: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parseRSAPublicKey: key is %T, not *rsa.PublicKey", pub)
	}
	return rsaPub, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
