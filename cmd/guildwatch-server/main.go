package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	server "github.com/guildwatch/guildwatch/internal"
	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/agent"
	"github.com/guildwatch/guildwatch/internal/command"
	"github.com/guildwatch/guildwatch/internal/config"
	"github.com/guildwatch/guildwatch/internal/eventbus"
	"github.com/guildwatch/guildwatch/internal/hub"
	taskrepo "github.com/guildwatch/guildwatch/internal/task/repositoryimpl"
	"github.com/guildwatch/guildwatch/internal/watcher"
	"github.com/guildwatch/guildwatch/pkg/clog"
	"github.com/guildwatch/guildwatch/pkg/panicerr"
	"github.com/guildwatch/guildwatch/pkg/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	registry, err := agent.LoadRegistry(env.MonitorEnv.AgentsConfig)
	if err != nil {
		slog.Error("failed to load agent registry", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	aggregator := activity.New(env.MonitorEnv.RingCapacity)
	scheduler := watcher.NewScheduler(env.MonitorEnv.PollInterval)
	collection := watcher.NewCollection(bus, aggregator, scheduler, watcher.Options{
		Quiescence:   env.MonitorEnv.Quiescence,
		CommitWindow: env.MonitorEnv.CommitWindow,
	})
	broadcastHub := hub.New(aggregator, hub.WithSnapshotInterval(env.MonitorEnv.SnapshotInterval))
	router := command.NewRouter(taskrepo.NewJSONRepository(store), registry, aggregator)

	srv := server.NewServer(env, registry, collection, aggregator, router, broadcastHub)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var wg conc.WaitGroup
	runAggregator := panicerr.SafeContext(func(ctx context.Context) error {
		return aggregator.Run(ctx, bus)
	})
	runHub := panicerr.SafeContext(func(ctx context.Context) error {
		return broadcastHub.Run(ctx, bus)
	})
	runRegistry := panicerr.SafeContext(func(ctx context.Context) error {
		return registry.Run(ctx, bus)
	})
	wg.Go(func() {
		if err := runAggregator(ctx); err != nil {
			slog.Error("aggregator stopped", "error", err)
		}
	})
	wg.Go(func() {
		if err := runHub(ctx); err != nil {
			slog.Error("hub stopped", "error", err)
		}
	})
	wg.Go(func() {
		if err := runRegistry(ctx); err != nil {
			slog.Error("registry stopped", "error", err)
		}
	})

	// Profiles that declare a worktree start watched from boot; the rest
	// join later through the API.
	for _, profile := range registry.List() {
		if profile.Worktree == "" {
			continue
		}
		if err := collection.Register(ctx, profile.ID, profile.Name, profile.Worktree); err != nil {
			slog.Warn("failed to register configured worktree",
				"agent_id", profile.ID,
				"path", profile.Worktree,
				"error", err)
			continue
		}
		registry.SetActive(profile.ID, true)
	}

	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	for _, profile := range registry.List() {
		if profile.Active {
			if err := collection.Deregister(profile.ID); err != nil {
				slog.Warn("failed to deregister worktree", "agent_id", profile.ID, "error", err)
			}
		}
	}

	wg.Wait()
}
