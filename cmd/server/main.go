package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/audit"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/config"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/database"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/handlers"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/ingestion"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/logging"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/metrics"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/scheduler"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/schema"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mode, err := writer.ParseMode(cfg.WriteMode)
	if err != nil {
		logger.Fatal("invalid write mode", zap.Error(err))
	}

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("failed to open connection store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	logger.Info("connection store ready", zap.String("driver", cfg.StoreDriver))

	store := connections.NewStore(db)
	dialer := connections.NewPQDialer(cfg.ConnectTimeout)
	m := metrics.New()

	sink := buildAuditSink(cfg, logger, m)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close audit sink", zap.Error(err))
		}
	}()

	provisioner := schema.NewProvisioner(logger)
	engine := writer.NewEngine(mode, provisioner, logger)
	svc := ingestion.NewService(store, dialer, provisioner, engine, cfg.OperationTimeout, logger,
		ingestion.WithAudit(sink),
		ingestion.WithMetrics(m),
	)

	var prober *scheduler.Prober
	if cfg.ProbeSchedule != "" {
		prober = scheduler.NewProber(cfg.ProbeSchedule, store, dialer, m, cfg.ConnectTimeout, logger)
		if err := prober.Start(); err != nil {
			logger.Fatal("failed to start connection prober", zap.Error(err))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(logger))
	h := handlers.New(store, dialer, svc, m, handlers.Config{
		MaxConcurrentIngestions: cfg.MaxConcurrentIngestions,
		ConnectTimeout:          cfg.ConnectTimeout,
	}, logger)
	h.RegisterRoutes(router, m.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", srv.Addr), zap.String("write_mode", string(mode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if prober != nil {
		prober.Stop()
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("stopped")
}

// buildAuditSink combines the file log and, when NATS_URL is set, the
// JetStream mirror behind one asynchronous sink. A sink that cannot be opened
// is logged and skipped.
func buildAuditSink(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) audit.Sink {
	var sinks []audit.Sink
	if cfg.AuditLogPath != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			logger.Warn("audit file disabled", zap.String("path", cfg.AuditLogPath), zap.Error(err))
		} else {
			sinks = append(sinks, fileSink)
		}
	}
	if cfg.NATSURL != "" {
		natsSink, err := audit.ConnectNATS(cfg.NATSURL, cfg.NATSAuditStream, cfg.NATSAuditSubject, logger)
		if err != nil {
			logger.Warn("NATS audit mirror disabled", zap.Error(err))
		} else {
			sinks = append(sinks, natsSink)
		}
	}
	if len(sinks) == 0 {
		return audit.Nop{}
	}
	return audit.NewAsync(audit.NewMulti(sinks...), logger, audit.WithOnError(func(err error) {
		m.AuditErrors.Inc()
		logger.Warn("audit sink write failed", zap.Error(err))
	}))
}
