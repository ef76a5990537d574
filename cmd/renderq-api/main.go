// Command renderq-api runs the HTTP front of the video generation
// orchestrator: it accepts image submissions, enqueues jobs on the
// shared broker, and serves status, results, health, and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/api"
	"github.com/reelworks/renderq/artifact"
	artifactfs "github.com/reelworks/renderq/artifact/fs"
	artifacts3 "github.com/reelworks/renderq/artifact/s3"
	"github.com/reelworks/renderq/ext"
	"github.com/reelworks/renderq/metrics"
	"github.com/reelworks/renderq/service"
	redisstore "github.com/reelworks/renderq/store/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "renderq-api:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := renderq.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	store := redisstore.New(client, redisstore.WithLogger(logger))
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("broker store unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	artifacts, err := newArtifactStore(ctx, cfg.Artifact)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()

	extensions := ext.NewRegistry(logger)
	extensions.Register(ext.NewMetricsExtension(registry))
	extensions.Register(ext.NewLoggingExtension(logger))

	svc := service.New(store, artifacts, extensions, logger,
		service.WithQueue(cfg.Queue),
		service.WithMaxUploadBytes(cfg.Upload.MaxBytes),
		service.WithMaxRetries(cfg.Generation.MaxRetries),
	)

	apiOpts := []api.Option{api.WithMaxUploadBytes(cfg.Upload.MaxBytes)}
	if cfg.HTTP.SubmitRatePerSec > 0 {
		apiOpts = append(apiOpts,
			api.WithSubmitRateLimit(rate.Limit(cfg.HTTP.SubmitRatePerSec), cfg.HTTP.SubmitBurst))
	}
	server := api.NewServer(svc, store, registry, logger, apiOpts...)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		extensions.EmitShutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newArtifactStore(ctx context.Context, cfg renderq.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "fs", "":
		return artifactfs.New(cfg.Dir)
	case "s3":
		return artifacts3.New(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}
