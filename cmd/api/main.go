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
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/substrate/cmd/api/api"
	"github.com/substratehq/substrate/cmd/api/config"
	"github.com/substratehq/substrate/lib/instances"
	"github.com/substratehq/substrate/lib/logger"
	"github.com/substratehq/substrate/lib/runtime"
	"github.com/substratehq/substrate/lib/vmconfig"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	var maxDescriptorSize datasize.ByteSize
	if err := maxDescriptorSize.UnmarshalText([]byte(cfg.MaxDescriptorSize)); err != nil {
		return fmt.Errorf("invalid MAX_DESCRIPTOR_SIZE %q: %w", cfg.MaxDescriptorSize, err)
	}

	registry, err := instances.NewRegistry(cfg.DataDir, runtime.NewLocal(), vmconfig.ConservativePolicy())
	if err != nil {
		return fmt.Errorf("open vm registry: %w", err)
	}
	log.Info("vm registry ready", "data_dir", cfg.DataDir)

	if metrics, err := instances.NewMetrics(otel.Meter("github.com/substratehq/substrate")); err != nil {
		log.Warn("metrics disabled", "error", err)
	} else {
		registry.SetMetrics(metrics)
	}

	svc := api.New(registry, log)
	svc.MaxDescriptorBytes = int64(maxDescriptorSize.Bytes())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logger.AddToContext(req.Context(), log)))
		})
	})
	svc.Routes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
