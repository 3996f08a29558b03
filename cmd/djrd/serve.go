package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/channel"
	chmem "github.com/ankurrokad/distributed-job-runner/channel/memory"
	chredis "github.com/ankurrokad/distributed-job-runner/channel/redis"
	"github.com/ankurrokad/distributed-job-runner/engine"
	stmem "github.com/ankurrokad/distributed-job-runner/store/memory"
	stpg "github.com/ankurrokad/distributed-job-runner/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers and the timer scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		ch, err := openChannel(cfg)
		if err != nil {
			store.Close()
			return err
		}

		r, err := djr.New(
			djr.WithStore(store),
			djr.WithChannel(ch),
			djr.WithLogger(logger),
			djr.WithConcurrency(cfg.Worker.Concurrency),
			djr.WithPollInterval(cfg.Worker.PollInterval),
			djr.WithSweepInterval(cfg.Worker.SweepInterval),
			djr.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		)
		if err != nil {
			return err
		}

		eng, err := engine.Build(r)
		if err != nil {
			return err
		}

		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		logger.Info("djrd started",
			slog.String("store", cfg.Store.Driver),
			slog.String("channel", cfg.Channel.Driver),
			slog.Int("concurrency", cfg.Worker.Concurrency),
		)

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop engine: %w", err)
		}
		logger.Info("djrd stopped")
		return nil
	},
}

// openStore builds the persistence backend named by the config.
func openStore(ctx context.Context, cfg *daemonConfig, logger *slog.Logger) (djr.Storer, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return stpg.New(ctx, cfg.Store.DSN, stpg.WithLogger(logger))
	case "memory":
		return stmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openChannel builds the delivery channel named by the config.
func openChannel(cfg *daemonConfig) (channel.Channel, error) {
	switch cfg.Channel.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Channel.Addr})
		return chredis.New(client, cfg.Channel.Name, chredis.WithPrefix(cfg.Channel.Prefix)), nil
	case "memory":
		return chmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Channel.Driver)
	}
}
