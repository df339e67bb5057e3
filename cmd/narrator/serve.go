package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memoirhq/narrator/internal/director"
	"github.com/memoirhq/narrator/internal/interviewer"
	"github.com/memoirhq/narrator/internal/llm"
	"github.com/memoirhq/narrator/internal/narration"
	"github.com/memoirhq/narrator/internal/objstore"
	"github.com/memoirhq/narrator/internal/scheduler"
	"github.com/memoirhq/narrator/internal/server"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/speech"
	"github.com/memoirhq/narrator/internal/stenographer"
	"github.com/memoirhq/narrator/internal/store"
	"github.com/memoirhq/narrator/internal/tracing"
)

// serveCmd starts the dialogue server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dialogue server",
		Long: `Start the narrator server: the WebSocket dialogue channel plus the
background stenographer and director agents.

Required configuration:
  - PostgreSQL database (NARRATOR_POSTGRES_URL)
  - LLM endpoint (NARRATOR_LLM_URL)

Optional:
  - TTS endpoint (NARRATOR_TTS_URL)
  - Object store for reply audio (NARRATOR_OBJSTORE_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	slog.Info("starting narrator server",
		"addr", cfg.Addr(), "llm", cfg.LLM.BaseURL, "tts", cfg.TTS.URL)

	shutdownTracer, err := tracing.Init("narrator-api")
	if err != nil {
		slog.Warn("tracing init failed", "error", err)
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	pool, err := initDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("database connection established")

	st := store.New(pool)
	set := settings.New(st, cfg.Database.SettingsTTL)
	if err := set.Refresh(ctx); err != nil {
		slog.Warn("settings warm-up failed, serving built-in defaults", "error", err)
	}

	gateway := llm.NewGateway(llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout), set, st)
	nm := narration.NewManager(st, set)

	intv := interviewer.New(st, nm, set, gateway)
	stn := stenographer.New(st, nm, set, gateway)
	dir := director.New(st, nm, set, gateway)

	sched := scheduler.New(ctx, cfg.Worker.QueueSize)
	defer sched.Stop()

	// Background flow: a full cache pool queues an extraction, a finished
	// extraction queues a hint. Per-user ordering comes from the scheduler.
	intv.OnThreshold = func(userID string) {
		submit(sched, userID, "extract", stn.Run)
	}
	stn.OnExtracted = func(userID string) {
		submit(sched, userID, "hint", dir.Run)
	}

	var audio *objstore.Client
	if cfg.ObjStoreConfigured() {
		audio = objstore.New(cfg.ObjStore.BaseURL, cfg.ObjStore.PublicURL, cfg.ObjStore.APIKey)
		slog.Info("reply audio persistence enabled", "url", cfg.ObjStore.BaseURL)
	}

	chat := server.NewChatHandler(st, set, intv, speech.NewClient(cfg.TTS), audio)
	srv := server.New(cfg, st, chat)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelFn()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func submit(sched *scheduler.Scheduler, userID, name string, run func(context.Context, string) error) {
	err := sched.Submit(scheduler.Task{
		UserID: userID,
		Name:   name,
		Run: func(ctx context.Context) error {
			return run(ctx, userID)
		},
	})
	if err != nil {
		slog.Warn("task submission failed", "task", name, "user_id", userID, "error", err)
	}
}

// initDB opens the connection pool and verifies it.
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	// Force UTC so TIMESTAMP columns do not drift with server locale.
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}
