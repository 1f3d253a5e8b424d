// Command custodyd runs the deposit custody service: the chain scanner, the
// deposit settlement poller, and the REST API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/method-app/custody/internal/app"
	"github.com/method-app/custody/internal/app/httpapi"
	"github.com/method-app/custody/internal/app/storage/postgres"
	"github.com/method-app/custody/internal/config"
	"github.com/method-app/custody/internal/ton"
	"github.com/method-app/custody/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Name:   "custodyd",
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("service exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	stores, cleanup, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := ton.NewClient(ton.Config{
		NodeAPIURL:  cfg.Ledger.NodeAPIURL,
		IndexAPIURL: cfg.Ledger.IndexAPIURL,
		APIKey:      cfg.Ledger.APIKey,
		Timeout:     cfg.Ledger.Timeout.Std(),
		RateLimit:   cfg.Ledger.RateLimit,
		RateBurst:   cfg.Ledger.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	application, err := app.New(stores, client, client, cfg, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpapi.NewHandler(application.Custody, cfg.Auth.JWTSecret),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown incomplete")
	}

	log.Info("shutdown complete")
	return nil
}

// openStores opens the configured database, falling back to in-memory stores
// when no DSN is set. Nil stores make app.New wire the memory implementation.
func openStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; using in-memory stores")
		return app.Stores{}, func() {}, nil
	}

	driver := cfg.Database.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	return app.Stores{
		Users:   store,
		Custody: store,
		Cursor:  store,
	}, func() { db.Close() }, nil
}
