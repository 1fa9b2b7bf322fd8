/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan conversion ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger
  3. Open the store (memory, SQLite or Postgres); it is also the stock ledger
  4. Connect the Redis loan lock if REDIS_ADDR is set
  5. Load the role table if ROLES_FILE is set
  6. Start the integrity auditor
  7. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor
  4. Close the lock client and the database
  5. Exit

USAGE:
  # SQLite file database
  ./server -db="./data/loans.db"

  # In-memory, for a demo
  ./server -store=memory

  # Postgres with a shared lock across instances
  STORE=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: all settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbs/loanledger/api"
	"github.com/nbs/loanledger/config"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/loan/store"
	"github.com/nbs/loanledger/locking"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/nbs/loanledger/store/postgres"
	"github.com/nbs/loanledger/store/sqlite"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()

	// Initialize store
	st, ledger, closer, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("store", cfg.Store).Fatal("failed to initialize store")
	}
	defer closer.Close()

	opts := []service.Option{service.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		lock, err := locking.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect loan lock")
		}
		defer lock.Close()
		opts = append(opts, service.WithLocker(lock))
		logger.WithField("redis", cfg.RedisAddr).Info("redis loan lock enabled")
	}
	if cfg.RolesFile != "" {
		roles, err := service.LoadRoleTable(cfg.RolesFile)
		if err != nil {
			logger.WithError(err).Fatal("failed to load role table")
		}
		opts = append(opts, service.WithAuthorizer(roles))
	}
	svc := service.New(st, ledger, opts...)

	auditor := service.NewAuditor(svc, cfg.AuditInterval)
	auditor.Start()

	// Create router and server
	router := api.NewRouter(api.NewHandler(svc, logger), cfg.AllowedOrigins)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "store": cfg.Store}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	auditor.Stop()

	logger.Info("server stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore returns the configured store, which also serves as the stock
// ledger.
func openStore(ctx context.Context, cfg *config.Config) (loan.TxStore, stock.Ledger, io.Closer, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewTxMemory(), stock.NewMemory(), nopCloser{}, nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil
	}
}
