package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/api"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/chart"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/config"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/database"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/llm"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/queue"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/repository"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/service"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/worker"
)

var withWorker bool

var rootCmd = &cobra.Command{
	Use:           "oracle",
	Short:         "ZiWei analysis API and worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a task worker",
	RunE:  runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorker, "with-worker", false,
		"run a task worker in the same process")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

// app holds the components shared by serve and worker
type app struct {
	cfg      *config.Config
	db       *sql.DB
	queue    queue.Queue
	tasks    *repository.TaskRepository
	results  *repository.ResultRepository
	registry *llm.Registry
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogger(cfg)

	db, err := database.Open(database.Config{Path: cfg.DatabasePath})
	if err != nil {
		return nil, err
	}

	q, err := openQueue(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		db:       db,
		queue:    q,
		tasks:    repository.NewTaskRepository(db),
		results:  repository.NewResultRepository(db),
		registry: llm.NewRegistry(cfg.Vendors),
	}, nil
}

func (a *app) Close() {
	if err := a.queue.Close(); err != nil {
		slog.Warn("failed to close queue", "error", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueBackend == "redis" {
		q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.AnalysisQueue)
		if err != nil {
			return nil, err
		}
		slog.Info("using redis queue", "queue", cfg.AnalysisQueue)
		return q, nil
	}
	slog.Info("using in-process queue")
	return queue.NewMemoryQueue(1024), nil
}

func (a *app) newWorker() *worker.Worker {
	var renderer chart.Renderer = chart.StaticRenderer{}
	if a.cfg.ChartServiceURL != "" {
		renderer = chart.NewHTTPClient(a.cfg.ChartServiceURL, a.cfg.ChartTimeout())
	} else {
		slog.Warn("CHART_SERVICE_URL not set, using the offline chart renderer")
	}

	client := llm.NewClient(llm.ClientOptions{
		Timeout:        a.cfg.RequestTimeout(),
		MaxRetries:     a.cfg.LLMMaxRetries,
		InitialBackoff: a.cfg.LLMBackoffInitial(),
	})
	orch := service.NewOrchestrator(a.tasks, a.results, renderer, a.registry, client, a.cfg.CancelPollInterval())

	opts := worker.Options{
		Concurrency:     a.cfg.WorkerConcurrency,
		ShutdownTimeout: a.cfg.ShutdownTimeout(),
		StaleAfter:      a.cfg.StaleAfter(),
		RequeueAfter:    a.cfg.RequeueAfter(),
	}
	// the in-process queue starts empty, so every queued row is orphaned
	opts.RequeueOnStart = a.cfg.QueueBackend == "memory"

	return worker.New(a.queue, orch, a.tasks, opts)
}

// recoverQueue returns ids left in the redis processing list to pending.
// Other workers may be alive; ids they are still running are redelivered and
// dropped by the queued->running claim.
func (a *app) recoverQueue(ctx context.Context) {
	rq, ok := a.queue.(*queue.RedisQueue)
	if !ok {
		return
	}
	if _, err := rq.Recover(ctx); err != nil {
		slog.Error("failed to recover orphaned deliveries", "error", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.QueueBackend == "memory" && !withWorker {
		slog.Warn("in-process queue without --with-worker: tasks will stay queued")
	}

	svc := service.NewAnalysisService(a.tasks, a.results, a.queue, a.registry, service.Defaults{
		Provider:      a.cfg.LLMProvider,
		Model:         a.cfg.LLMModel,
		PromptVersion: a.cfg.PromptVersion,
		MaxTaskRetry:  a.cfg.MaxTaskRetry,
	})

	if strings.EqualFold(a.cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              a.cfg.Port,
		Handler:           api.SetupRouter(a.cfg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", a.cfg.Port, "provider", a.cfg.LLMProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorker {
		g.Go(func() error {
			a.recoverQueue(gctx)
			return a.newWorker().Run(gctx)
		})
	}

	return g.Wait()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.recoverQueue(ctx)
	return a.newWorker().Run(ctx)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)

	db, err := database.Open(database.Config{Path: cfg.DatabasePath})
	if err != nil {
		return err
	}
	slog.Info("migrations applied", "path", cfg.DatabasePath)
	return db.Close()
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
