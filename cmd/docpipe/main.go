// Command docpipe runs the document ingestion job queue.
//
// Subcommands:
//
//	serve    — management HTTP server + embedded worker pool (default for production)
//	worker   — worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
//	enqueue  — insert a job from the command line (operator convenience)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/docpipe/docpipe/internal/api"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/supervisor"
	"github.com/docpipe/docpipe/internal/worker"
	"github.com/docpipe/docpipe/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "docpipe",
		Short: "docpipe — document ingestion job queue and worker pool",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the management HTTP server and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	mgr, sup, err := buildSystem(cfg, st)
	if err != nil {
		return err
	}

	// The supervisor owns worker startup, crash recovery, and shutdown
	// drain. It exits when ctx is cancelled.
	supErr := make(chan error, 1)
	go func() {
		supErr <- sup.Run(ctx)
	}()

	go logEvents(ctx, mgr.Events())

	handler := api.NewServer(st, mgr, sup).Handler()

	// Explicit timeouts to prevent slow-client connection pileup.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	supDone := false
	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case err := <-supErr:
		supDone = true
		if err != nil {
			return fmt.Errorf("supervisor error: %w", err)
		}
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	// Wait for the supervisor's drain to finish before the pool closes.
	if !supDone {
		if err := <-supErr; err != nil {
			return fmt.Errorf("supervisor error: %w", err)
		}
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	mgr, sup, err := buildSystem(cfg, st)
	if err != nil {
		return err
	}
	go logEvents(ctx, mgr.Events())

	slog.Info("worker started")
	return sup.Run(ctx) // blocks until ctx cancelled, then drains
}

// buildSystem wires registry, pipeline handlers, manager, and supervisor
// from configuration. Shared by serve and worker.
func buildSystem(cfg *config.Config, st *store.Store) (*worker.Manager, *supervisor.Supervisor, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create temp dir: %w", err)
	}

	mgr := worker.NewManager(st, worker.ManagerConfig{
		HealthInterval:     time.Duration(cfg.HealthIntervalSeconds) * time.Second,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		DrainGrace:         cfg.DrainGrace(),
	}, slog.Default())

	reg := worker.NewRegistry(st, mgr.EventSink(), slog.Default())
	pipeline.New(pipeline.Config{
		TempDir:          cfg.TempDir,
		ParserServiceURL: cfg.ParserServiceURL,
		EmbedServiceURL:  cfg.EmbedServiceURL,
		EmbedBatchSize:   cfg.EmbedBatchSize,
		CleanupTTL:       time.Duration(cfg.CleanupTTLHours) * time.Hour,
	}, nil).Register(reg)

	defs, err := cfg.Workers()
	if err != nil {
		return nil, nil, err
	}
	for _, w := range reg.Build(defs) {
		if err := mgr.Register(w); err != nil {
			return nil, nil, err
		}
	}

	sup := supervisor.New(st, mgr, supervisor.Config{
		StaleAfter:         cfg.StaleAfter(),
		SweepInterval:      time.Duration(cfg.MaintenanceIntervalMinutes) * time.Minute,
		CompletedRetention: time.Duration(cfg.CompletedRetentionHours) * time.Hour,
		FailedRetention:    time.Duration(cfg.FailedRetentionHours) * time.Hour,
	}, slog.Default())

	return mgr, sup, nil
}

// logEvents drains the lifecycle event stream into the structured log for
// external alerting pipelines that tail it.
func logEvents(ctx context.Context, events <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			slog.Debug("lifecycle event",
				"type", e.Type, "worker", e.Worker, "queue", e.Queue,
				"job_id", e.JobID, "error", e.Error)
		}
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		jobType     string
		queueName   string
		documentID  string
		userID      string
		priority    int
		maxAttempts int
		inputJSON   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job into the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			if inputJSON != "" && !json.Valid([]byte(inputJSON)) {
				return fmt.Errorf("--input is not valid JSON")
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			id, err := store.New(db).Enqueue(cmd.Context(), store.EnqueueParams{
				DocumentID:  documentID,
				UserID:      userID,
				JobType:     jobType,
				Priority:    priority,
				QueueName:   queueName,
				MaxAttempts: maxAttempts,
				InputParams: json.RawMessage(inputJSON),
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type (required)")
	cmd.Flags().StringVar(&queueName, "queue", "", "queue name (defaults to the job type)")
	cmd.Flags().StringVar(&documentID, "document-id", "", "correlation document id")
	cmd.Flags().StringVar(&userID, "user-id", "", "correlation user id")
	cmd.Flags().IntVar(&priority, "priority", 100, "priority, lower is served first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "max attempts (0 = default)")
	cmd.Flags().StringVar(&inputJSON, "input", "{}", "input parameters JSON")
	_ = cmd.MarkFlagRequired("type") //nolint:errcheck
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries up to 10 times with
// linear backoff to handle container-orchestration startup races where
// Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema does not
	// match what this binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `docpipe migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary
// requires. Update when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
