package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fluxgate-ai/fluxgate/pkg/blob"
	"github.com/fluxgate-ai/fluxgate/pkg/config"
	"github.com/fluxgate-ai/fluxgate/pkg/history"
	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/memory"
	"github.com/fluxgate-ai/fluxgate/pkg/orchestrator"
	"github.com/fluxgate-ai/fluxgate/pkg/server"
	"github.com/fluxgate-ai/fluxgate/pkg/stream"
	"github.com/fluxgate-ai/fluxgate/pkg/telemetry"
	"github.com/fluxgate-ai/fluxgate/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.G(ctx)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "fluxgate",
		ServiceVersion: version.Version,
		SamplerType:    cfg.Tracing.SamplerType,
		SamplerRatio:   cfg.Tracing.SamplerRatio,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath, err = history.DefaultDBPath()
		if err != nil {
			return err
		}
	}
	db, err := history.Open(ctx, dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open history database")
	}
	store := history.NewStore(db)
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to connect to redis")
	}
	defer redisClient.Close()
	broker := stream.NewRedisBroker(redisClient)

	memoryClient := memory.NewClient(cfg.Memory.BaseURL, cfg.Memory.APIKey,
		memory.WithSearchTimeout(cfg.Memory.TimeoutSeconds),
		memory.WithMaxResults(cfg.Memory.MaxResults),
	)
	if !cfg.Memory.Enabled {
		memoryClient = memory.NewClient("", "")
	}

	blobs, err := blob.NewStore(cfg.Blob.Dir, cfg.Blob.EncryptionEnabled, cfg.Blob.EncryptionKey)
	if err != nil {
		return errors.Wrap(err, "failed to open blob store")
	}

	pipeline := orchestrator.New(cfg, store, broker, memoryClient)
	srv := server.New(store, broker, pipeline, server.Options{
		CacheInterval: cfg.Stream.CacheUpdateInterval,
		FlushInterval: cfg.Stream.FlushInterval,
		Blobs:         blobs,
		Memory:        memoryClient,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("fluxgate listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	}
}
