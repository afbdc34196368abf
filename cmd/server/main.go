package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/rideboard/internal/archive"
	"github.com/example/rideboard/internal/auth"
	"github.com/example/rideboard/internal/config"
	"github.com/example/rideboard/internal/events"
	"github.com/example/rideboard/internal/history"
	httpapi "github.com/example/rideboard/internal/http"
	"github.com/example/rideboard/internal/kvstore"
	"github.com/example/rideboard/internal/logging"
	"github.com/example/rideboard/internal/notify"
	"github.com/example/rideboard/internal/rides"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	var store kvstore.Store
	var ready func(ctx context.Context) error
	if cfg.RedisAddr != "" {
		rs := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		store = rs
		ready = rs.Ping
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	} else {
		store = kvstore.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, using in-memory store; data will not survive restarts")
	}

	repo := &rides.Repository{Store: store, Logger: logger}

	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		if pg, err := archive.NewPostgresArchive(cfg.PGDSN); err == nil {
			defer pg.Close()
			repo.Archive = pg
			logger.Info("ledger archive enabled")
		} else {
			logger.Warn("ledger archive unavailable", "error", err)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		repo.Events = producer
		logger.Info("event stream enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	wsReg := notify.NewRegistry(logger)
	repo.Notify = wsReg

	authSvc := auth.NewService(store, cfg.JWTSecret, cfg.TokenTTL)
	hist := &history.Aggregator{Rides: repo}
	srv := httpapi.NewServer(repo, hist, authSvc, wsReg, ready, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("rideboard listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_transactions.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_transactions.sql")
}
