package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"songetl/internal/config"
	"songetl/internal/loader"
	"songetl/internal/logger"
	"songetl/internal/metrics"
	"songetl/internal/metrics/datadog"
	"songetl/internal/metrics/prompush"
	"songetl/internal/pipeline"
	"songetl/internal/skiplog"
	"songetl/internal/storage"
)

// logOutputs overrides the logger sinks; tests point it at a temp file.
var logOutputs []string

// runETL wires config → logger → metrics → store → loader → pipeline and
// performs one run.
func runETL(cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, logOutputs...)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID), zap.String("job", cfg.Job))
	log.Info("run starting",
		zap.String("song_dir", cfg.SongDir),
		zap.String("log_dir", cfg.LogDir),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("dsn", cfg.Redacted()),
		zap.Int("commit_every", cfg.CommitEvery),
	)

	closeMetrics := setupMetrics(cfg, log)
	defer closeMetrics()

	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{Kind: cfg.DBDriver, DSN: cfg.DatabaseDSN()})
	if err != nil {
		log.Error("open warehouse", zap.Error(err))
		return err
	}
	if cfg.AutoCreate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			log.Error("create schema", zap.Error(err))
			return err
		}
	}

	auditPath := skipLogPath(cfg.SkippedDir, runID)
	skips, err := skiplog.New(auditPath)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := skips.Close(); err != nil {
			log.Warn("close skip log", zap.Error(err))
		}
		if auditPath != "" {
			log.Info("skip log written", zap.String("path", auditPath), zap.Int("records", skips.Total()))
		}
	}()

	l := loader.New(store, log.Named("loader"), loader.Options{LookupCache: cfg.LookupCache})
	defer func() {
		if err := l.Close(ctx); err != nil {
			log.Warn("close loader", zap.Error(err))
		}
	}()

	p := pipeline.New(l, skips, log.Named("pipeline"), pipeline.Options{
		RunID:       runID,
		Job:         cfg.Job,
		SongDir:     cfg.SongDir,
		LogDir:      cfg.LogDir,
		Ext:         cfg.FileExt,
		CommitEvery: cfg.CommitEvery,
		PlayPage:    cfg.PlayPage,
	})
	sum, err := p.Run(ctx)
	if err != nil {
		log.Error("run failed", append(sum.Fields(), zap.Error(err))...)
		return err
	}
	log.Info("run complete", sum.Fields()...)
	return nil
}

// setupMetrics installs the configured backend and returns a func that
// flushes and releases it. A backend that cannot be built leaves metrics
// disabled; the run itself does not depend on them.
func setupMetrics(cfg *config.Config, log *zap.Logger) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch cfg.MetricsBackend {
	case "pushgateway":
		b, err = prompush.NewBackend(cfg.Job, cfg.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       cfg.DatadogAddr,
			GlobalTags: []string{"job:" + cfg.Job},
		})
	case "", "none":
		log.Debug("metrics disabled")
		return func() {}
	default:
		err = fmt.Errorf("unknown backend %q", cfg.MetricsBackend)
	}
	if err != nil {
		log.Warn("metrics disabled", zap.String("backend", cfg.MetricsBackend), zap.Error(err))
		return func() {}
	}

	log.Info("metrics enabled", zap.String("backend", cfg.MetricsBackend))
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush", zap.Error(err))
		}
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
		metrics.SetBackend(metrics.Discard)
	}
}

// skipLogPath names the audit CSV after the run; an empty dir disables it.
func skipLogPath(dir, runID string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "skipped_"+runID+".csv")
}
