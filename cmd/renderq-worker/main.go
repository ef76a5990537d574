// Command renderq-worker runs the queue consumer: it block-waits on the
// shared broker, executes the generation pipeline for each dequeued job,
// and stores the produced video as the job's result artifact.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/artifact"
	artifactfs "github.com/reelworks/renderq/artifact/fs"
	artifacts3 "github.com/reelworks/renderq/artifact/s3"
	"github.com/reelworks/renderq/ext"
	"github.com/reelworks/renderq/gen"
	"github.com/reelworks/renderq/metrics"
	redisstore "github.com/reelworks/renderq/store/redis"
	"github.com/reelworks/renderq/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "renderq-worker:", err)
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
	if cfg.Generation.Command == "" {
		return fmt.Errorf("generation command not configured, set generation.command or RENDERQ_GEN_COMMAND")
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

	// The pipeline binary is resolved once at startup so a misconfigured
	// worker fails before it claims any job.
	generator, err := gen.NewCommand(cfg.Generation.Command, cfg.Generation.Args,
		gen.WithCommandLogger(logger))
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()

	extensions := ext.NewRegistry(logger)
	extensions.Register(ext.NewMetricsExtension(registry))
	extensions.Register(ext.NewLoggingExtension(logger))

	runner := worker.NewRunner(store, artifacts, generator, extensions, logger,
		worker.WithParams(gen.Params{
			Width:           cfg.Generation.Width,
			Height:          cfg.Generation.Height,
			Frames:          cfg.Generation.Frames,
			FPS:             cfg.Generation.FPS,
			DecodeChunkSize: cfg.Generation.DecodeChunkSize,
		}),
		worker.WithGenTimeout(cfg.Generation.Timeout),
	)

	pool := worker.NewPool(store, runner, logger,
		worker.WithPoolConcurrency(cfg.Worker.Concurrency),
		worker.WithPoolQueue(cfg.Queue),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithStaleAfter(cfg.Worker.StaleAfter),
	)

	if err := pool.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	extensions.EmitShutdown(shutdownCtx)
	return pool.Stop(shutdownCtx)
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
