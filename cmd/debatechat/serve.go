package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/debatechat/internal/cache"
	"github.com/szaher/debatechat/internal/config"
	"github.com/szaher/debatechat/internal/convo"
	"github.com/szaher/debatechat/internal/llm"
	"github.com/szaher/debatechat/internal/server"
	"github.com/szaher/debatechat/internal/store"
	"github.com/szaher/debatechat/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "debatechat.yaml", "Path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.SlogLevel())
	logger := telemetry.NewLogger(os.Stdout, levelVar)
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable log.
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL,
		store.WithOpTimeout(cfg.StoreTimeout.Std()))
	if err != nil {
		return err
	}
	defer pg.Close()
	if cfg.Development() {
		if err := pg.Bootstrap(ctx); err != nil {
			return err
		}
		logger.Info("schema bootstrapped", "environment", cfg.Environment)
	}

	// Fast window store.
	rdb, err := cache.NewGoRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		// Start anyway: every read degrades to the durable log until the
		// cache comes back.
		logger.Warn("redis unreachable at startup, serving degraded", "error", err)
	}
	windows := cache.NewStore(rdb,
		cache.WithWindowTTL(cfg.Window.HistoryTTL.Std()),
		cache.WithMetaTTL(cfg.Window.MetaTTL.Std()),
		cache.WithReplyTTL(cfg.Window.ReplyTTL.Std()),
	)

	manager := convo.NewManager(pg, windows,
		convo.WithWindowSize(cfg.Window.Size),
		convo.WithLogger(logger),
		convo.WithMetrics(metrics),
	)

	generator := llm.NewAnthropicClient(cfg.Anthropic.APIKey,
		llm.WithModel(cfg.Anthropic.Model),
		llm.WithTimeout(cfg.Anthropic.Timeout.Std()),
	)

	srv := server.NewServer(manager, generator,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)

	// Periodic eviction of idle per-conversation locks.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 10m", func() {
		if evicted := manager.SweepLocks(); evicted > 0 {
			logger.Debug("lock registry swept", "evicted", evicted)
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, logger, func(next *config.Config) {
				levelVar.Set(next.SlogLevel())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	logger.Info("debatechat ready",
		"addr", cfg.ListenAddr,
		"window_size", cfg.Window.Size,
		"environment", cfg.Environment,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
