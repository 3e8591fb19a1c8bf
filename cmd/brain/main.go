// Command brain is the Skylapse Brain: the scheduler, worker pool, and
// read-only HTTP surface described in spec.md, wired together per cobra
// subcommand (run, worker, validate-config, close-stale-sessions).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/alerts"
	"github.com/skylapse/brain/internal/api"
	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/internal/clock"
	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/scheduler"
	"github.com/skylapse/brain/internal/solar"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/internal/worker"
	"github.com/skylapse/brain/pkg/cache"
	"github.com/skylapse/brain/pkg/events"
)

// version is set at release time; "dev" for local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "brain",
		Short: "Skylapse Brain: timelapse scheduling control plane",
	}

	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newValidateConfigCmd(),
		newCloseStaleSessionsCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the brain version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newLogger(env config.Env) *zap.Logger {
	var cfg zap.Config
	switch env.LogLevel {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return log
}

func dbPath(env config.Env) string {
	return env.DataDir + "/sessions.db"
}

const defaultMeterTTL = 15 * time.Second

// meterTTL reads scheduler.meter_ttl_seconds from the config document,
// falling back to defaultMeterTTL when the operator hasn't set it.
func meterTTL(configStore *config.Store) time.Duration {
	cfg, _ := configStore.Snapshot()
	if cfg.Scheduler.MeterTTLSeconds <= 0 {
		return defaultMeterTTL
	}
	return time.Duration(cfg.Scheduler.MeterTTLSeconds) * time.Second
}

// newRunCmd starts the scheduler, the worker pool, and the read-only HTTP
// surface inside one process, matching spec §6's "run" subcommand.
func newRunCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the Brain: scheduler, worker pool, and read-only HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.LoadEnv()
			if workers <= 0 {
				workers = env.WorkerCount
			}
			log := newLogger(env)
			defer log.Sync()

			log.Info("starting skylapse brain", zap.String("version", version))

			configStore, err := config.NewStore(env.ConfigPath, log)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			sessions, err := store.Open(dbPath(env), log)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer sessions.Close()

			redisCache, err := cache.NewCache(env.Redis)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer redisCache.Close()

			bus := events.NewBus(log)

			jobs := queue.New(redisCache.Client, bus, env.VisibilityTimeout, env.MaxJobAttempts, log)

			if env.AlertWebhookURL != "" {
				notifier := alerts.NewWebhookNotifier(env.AlertWebhookURL, "", log)
				sub := alerts.NewSubscriber(notifier, log)
				sub.Register(bus)
				log.Info("alert webhook registered")
			} else {
				log.Info("no alert webhook configured; dead-letter and node-failure alerts disabled")
			}

			solarCalc := solar.NewCalculator()
			nodes := scheduler.NewNodePool(log)
			meter := scheduler.NewMeterCache(redisCache, meterTTL(configStore))
			clk := clock.Real()

			sched := scheduler.New(configStore, sessions, jobs, solarCalc, nodes, meter, clk, bus, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := sched.Recover(ctx); err != nil {
				log.Error("crash recovery pass failed", zap.Error(err))
			}

			jobs.StartReaper(ctx, 5*time.Second)

			driver := assembly.New(env.FFmpegPath, log)
			pool := worker.New(jobs, sessions, configStore, driver, clk, log, worker.Options{
				StagingRoot: env.DataDir + "/staging",
				VideoRoot:   env.DataDir + "/videos",
				LogRoot:     env.DataDir + "/logs",
				Concurrency: workers,
			})

			apiServer := api.New(sessions, jobs, configStore, log)
			httpServer := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", env.ServerHost, env.ServerPort),
				Handler:      apiServer,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				log.Info("starting read-only http surface", zap.String("address", httpServer.Addr))
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server failed", zap.Error(err))
				}
			}()

			go func() {
				if err := sched.Run(ctx); err != nil {
					log.Error("scheduler loop exited with error", zap.Error(err))
				}
			}()

			go func() {
				if err := pool.Run(ctx); err != nil {
					log.Error("worker pool exited with error", zap.Error(err))
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info("shutdown signal received, finishing in-flight work")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error("http server forced shutdown", zap.Error(err))
			}

			log.Info("brain exited")
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "override BRAIN_WORKER_COUNT")
	return cmd
}

// newWorkerCmd starts a standalone worker process, matching spec §6's
// "worker" subcommand — useful for scaling worker capacity independent of
// the scheduler.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "start one worker process draining the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.LoadEnv()
			log := newLogger(env)
			defer log.Sync()

			log.Info("starting skylapse brain worker", zap.String("version", version))

			configStore, err := config.NewStore(env.ConfigPath, log)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			sessions, err := store.Open(dbPath(env), log)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer sessions.Close()

			redisCache, err := cache.NewCache(env.Redis)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer redisCache.Close()

			bus := events.NewBus(log)
			jobs := queue.New(redisCache.Client, bus, env.VisibilityTimeout, env.MaxJobAttempts, log)

			driver := assembly.New(env.FFmpegPath, log)
			pool := worker.New(jobs, sessions, configStore, driver, clock.Real(), log, worker.Options{
				StagingRoot: env.DataDir + "/staging",
				VideoRoot:   env.DataDir + "/videos",
				LogRoot:     env.DataDir + "/logs",
				Concurrency: env.WorkerCount,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			jobs.StartReaper(ctx, 5*time.Second)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-quit
				log.Info("shutdown signal received, finishing in-flight jobs")
				cancel()
			}()

			if err := pool.Run(ctx); err != nil {
				return fmt.Errorf("worker pool: %w", err)
			}
			log.Info("worker exited")
			return nil
		},
	}
}

// newValidateConfigCmd loads and validates the config file without starting
// anything, matching spec §6's exit-code contract: 0 on success, 2 on
// validation error, 1 on I/O error.
func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "load and validate the config file, printing any violation",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.LoadEnv()
			log := zap.NewNop()

			_, err := config.NewStore(env.ConfigPath, log)
			if err == nil {
				fmt.Printf("config at %s is valid\n", env.ConfigPath)
				return nil
			}

			if cfgErr, ok := err.(*config.ConfigError); ok {
				fmt.Fprintf(os.Stderr, "invalid config: %s\n", cfgErr.Error())
				os.Exit(2)
			}

			fmt.Fprintf(os.Stderr, "could not read config: %v\n", err)
			os.Exit(1)
			return nil
		},
	}
}

// newCloseStaleSessionsCmd is the operator escape hatch from spec §6: close
// any active session whose window ended before now, without waiting for the
// scheduler's own tick to notice.
func newCloseStaleSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close-stale-sessions",
		Short: "close any active session whose window has already ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.LoadEnv()
			log := newLogger(env)
			defer log.Sync()

			configStore, err := config.NewStore(env.ConfigPath, log)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			sessions, err := store.Open(dbPath(env), log)
			if err != nil {
				return fmt.Errorf("opening session store: %w", err)
			}
			defer sessions.Close()

			redisCache, err := cache.NewCache(env.Redis)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer redisCache.Close()

			bus := events.NewBus(log)
			jobs := queue.New(redisCache.Client, bus, env.VisibilityTimeout, env.MaxJobAttempts, log)

			solarCalc := solar.NewCalculator()
			nodes := scheduler.NewNodePool(log)
			meter := scheduler.NewMeterCache(redisCache, meterTTL(configStore))
			clk := clock.Real()

			sched := scheduler.New(configStore, sessions, jobs, solarCalc, nodes, meter, clk, bus, log)

			ctx := context.Background()
			if err := sched.Recover(ctx); err != nil {
				return fmt.Errorf("closing stale sessions: %w", err)
			}

			fmt.Println("stale sessions closed")
			return nil
		},
	}
}
