package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/ingestor/internal/adapter/errreport"
	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/repository"
	"github.com/xiaot623/gogo/ingestor/internal/service"
	handler "github.com/xiaot623/gogo/ingestor/internal/transport/http"
	"github.com/xiaot623/gogo/ingestor/internal/transport/rpc"
	"github.com/xiaot623/gogo/ingestor/policy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	ctx = clog.WithLogger(ctx, clog.New(logger.Handler()))

	clog.InfoContextf(ctx, "Starting ingestor...")
	clog.InfoContextf(ctx, "External HTTP Port: %d", cfg.HTTPPort)
	clog.InfoContextf(ctx, "Internal HTTP Port: %d", cfg.InternalPort)
	clog.InfoContextf(ctx, "Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		clog.FatalContextf(ctx, "Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize service
	svc := service.New(db, policy.NewEvaluator(), errreport.NewLogReporter(), nil, cfg)

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			clog.FatalContextf(ctx, "Failed to load seed file: %v", err)
		}
		if err := svc.ApplySeed(ctx, seed); err != nil {
			clog.FatalContextf(ctx, "Failed to apply seed: %v", err)
		}
	}

	externalServer := handler.NewExternalServer(svc, cfg)
	internalServer := handler.NewInternalServer(svc)

	var rpcServer *rpc.Server
	if cfg.RPCAddr != "" {
		rpcServer, err = rpc.NewServer(ctx, svc)
		if err != nil {
			clog.FatalContextf(ctx, "Failed to initialize rpc server: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start external server
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})

	// Start internal server
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal server: %w", err)
		}
		return nil
	})

	if rpcServer != nil {
		g.Go(func() error {
			if err := rpcServer.Start(cfg.RPCAddr); err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		})
		clog.InfoContextf(ctx, "RPC server started on %s", cfg.RPCAddr)
	}

	// Wait for a signal or a server failure, then shut everything down.
	g.Go(func() error {
		<-gctx.Done()
		clog.InfoContextf(ctx, "Shutting down ingestor...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()

		if err := externalServer.Shutdown(shutdownCtx); err != nil {
			clog.WarnContextf(ctx, "Failed to shutdown external server gracefully: %v", err)
		}
		if err := internalServer.Shutdown(shutdownCtx); err != nil {
			clog.WarnContextf(ctx, "Failed to shutdown internal server gracefully: %v", err)
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				clog.WarnContextf(ctx, "Failed to shutdown rpc server gracefully: %v", err)
			}
		}
		if err := svc.Drain(shutdownCtx); err != nil {
			clog.WarnContextf(ctx, "Background OTLP batches did not finish: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		clog.ErrorContextf(ctx, "Ingestor stopped with error: %v", err)
		return
	}
	clog.InfoContextf(ctx, "Ingestor stopped")
}
