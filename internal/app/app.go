// -----------------------------------------------------------------------
// Last Modified: Monday, 27th July 2026 9:12:00 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

// Package app wires config, storage, and the domain packages into a single
// running instance: jobstore -> resources -> scheduler -> auth -> handlers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/auth"
	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/handlers"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/leafexecutor"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
	"github.com/ternarybob/recursion-orchestrator/internal/scheduler"
)

// App holds every component the HTTP server depends on.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB              *jobstore.DB
	JobStore        *jobstore.JobStore
	AllocStore      *jobstore.AllocationStore
	IdemStore       *jobstore.IdempotencyStore
	AuthStore       *jobstore.AuthStore
	WorkerStore     *jobstore.WorkerStore
	TransitionStore *jobstore.TransitionStore
	LogStore        *jobstore.JobLogStorage

	Resources *resources.Manager
	Scheduler *scheduler.Scheduler
	Auth      *auth.Service
	Sweep     *cron.Cron

	JobsHandler      *handlers.JobsHandler
	ResourcesHandler *handlers.ResourcesHandler
	RecursionHandler *handlers.RecursionHandler
	AuthHandler      *handlers.AuthHandler
}

// New initializes the application with all dependencies.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.reconcileRestart(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to reconcile jobs left running by a prior process: %w", err)
	}

	app.initResources()
	app.initScheduler()
	app.initAuth()

	if err := app.seedBootstrapToken(); err != nil {
		return nil, fmt.Errorf("failed to seed bootstrap token: %w", err)
	}

	app.initHandlers()

	if err := app.initSweep(); err != nil {
		return nil, fmt.Errorf("failed to start timeout sweep: %w", err)
	}

	logger.Info().
		Int("max_depth", cfg.Recursion.MaxDepth).
		Str("dsn", redactDSN(cfg.Database.DSN)).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the connection pool, applies pending migrations, and
// constructs every per-entity store atop it.
func (a *App) initDatabase() error {
	maxLifetime := 30 * time.Minute
	if a.Config.Database.ConnMaxLifetime != "" {
		parsed, err := time.ParseDuration(a.Config.Database.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("invalid database.conn_max_lifetime %q: %w", a.Config.Database.ConnMaxLifetime, err)
		}
		maxLifetime = parsed
	}

	db, err := jobstore.Open(jobstore.Config{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: maxLifetime,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db

	migrationsPath := a.Config.Database.MigrationsPath
	if migrationsPath == "" {
		migrationsPath = "./migrations"
	}
	if err := jobstore.Migrate(db, migrationsPath); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	a.JobStore = jobstore.NewJobStore(db, a.Logger)
	a.AllocStore = jobstore.NewAllocationStore(db, a.Logger)
	a.IdemStore = jobstore.NewIdempotencyStore(db, a.Logger)
	a.AuthStore = jobstore.NewAuthStore(db, a.Logger)
	a.WorkerStore = jobstore.NewWorkerStore(db, a.Logger)
	a.TransitionStore = jobstore.NewTransitionStore(db, a.Logger)
	a.LogStore = jobstore.NewJobLogStorage(db, a.Logger)

	a.Logger.Info().Str("migrations_path", migrationsPath).Msg("Database ready")
	return nil
}

// reconcileRestart marks every job a prior process left running as failed
// with reason "restart" (spec §1): the scheduler's in-memory task table
// starts empty on every boot, so a row still RUNNING from before the restart
// has no watchdog left to ever resolve it. Only running rows are failed; rows
// left submitted or pending are not touched. Runs once, synchronously,
// before the scheduler or its quota table exist.
func (a *App) reconcileRestart(ctx context.Context) error {
	running, err := a.JobStore.ListRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	reason := "restart"
	now := time.Now().UTC()
	for _, job := range running {
		if _, err := a.JobStore.UpdateJobStatusAndLogTransition(ctx, job.ID, models.JobFailed, &reason, now); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to fail job orphaned by restart")
			continue
		}
		if _, err := a.AllocStore.DeleteAllocationsByJob(ctx, job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to release persisted allocation for restart-failed job")
		}
		a.Logger.Warn().Str("job_id", job.ID).Msg("Failed job left running by a prior process")
	}
	if len(running) > 0 {
		a.Logger.Info().Int("count", len(running)).Msg("Restart reconciliation complete")
	}
	return nil
}

// initResources builds the depth-scoped quota table from config.
func (a *App) initResources() {
	a.Resources = resources.NewManager(a.Config.Recursion.WorkersByDepth)
}

// initScheduler wires the job graph runner atop the stores, quotas, and a
// default in-process LeafExecutor. A real deployment supplies its own
// Executor implementation at this seam (spec §4.8's port contract).
func (a *App) initScheduler() {
	executor := leafexecutor.NewEchoExecutor()
	a.Scheduler = scheduler.New(
		a.JobStore,
		a.AllocStore,
		a.WorkerStore,
		a.LogStore,
		a.Resources,
		executor,
		a.Config.Recursion.MaxDepth,
		a.Config.Recursion.WorkersByDepth,
		a.Logger,
	)
}

// initAuth builds the bearer-token service from config.
func (a *App) initAuth() {
	ttl := time.Duration(a.Config.Auth.TokenTTLHours) * time.Hour
	a.Auth = auth.NewService(a.AuthStore, a.Config.Auth.BcryptCost, ttl)
}

// seedBootstrapToken mints the configured first-run token exactly once: a
// restart that finds the token already stored leaves it untouched.
func (a *App) seedBootstrapToken() error {
	if a.Config.Auth.BootstrapToken == "" {
		return nil
	}

	ctx := context.Background()
	if _, err := a.AuthStore.GetToken(ctx, a.Config.Auth.BootstrapToken); err == nil {
		return nil
	}

	now := time.Now().UTC()
	token := &models.Token{
		ID:        a.Config.Auth.BootstrapToken,
		UserID:    "bootstrap",
		Scopes:    a.Config.Auth.BootstrapScopes,
		ExpiresAt: now.AddDate(100, 0, 0),
		CreatedAt: now,
	}
	if err := a.AuthStore.CreateToken(ctx, token); err != nil {
		return err
	}
	a.Logger.Info().Msg("Bootstrap token seeded")
	return nil
}

// initSweep starts the periodic orphaned-job recovery sweep (spec §5's
// timeout budget, enforced even across a process restart). A job's own
// watchdog lives only in the scheduler's in-memory task table, so a row
// left RUNNING by a crashed or redeployed process would otherwise never
// fail; SweepTimeouts reconciles the database against that table on the
// schedule configured by recursion.timeout_sweep_schedule.
func (a *App) initSweep() error {
	schedule := a.Config.Recursion.TimeoutSweepSchedule
	if schedule == "" {
		return nil
	}

	a.Sweep = cron.New(cron.WithSeconds())
	_, err := a.Sweep.AddFunc(schedule, func() {
		swept, err := a.Scheduler.SweepTimeouts(context.Background())
		if err != nil {
			a.Logger.Error().Err(err).Msg("Timeout sweep failed")
			return
		}
		if swept > 0 {
			a.Logger.Warn().Int("swept", swept).Msg("Recovered orphaned running jobs past their timeout budget")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid timeout_sweep_schedule %q: %w", schedule, err)
	}
	a.Sweep.Start()
	a.Logger.Info().Str("schedule", schedule).Msg("Timeout sweep scheduled")
	return nil
}

// initHandlers constructs the HTTP handler-per-resource structs.
func (a *App) initHandlers() {
	a.JobsHandler = handlers.NewJobsHandler(a.Scheduler, a.JobStore, a.IdemStore, a.TransitionStore, a.LogStore, a.Logger)
	a.ResourcesHandler = handlers.NewResourcesHandler(a.Resources, a.AllocStore, a.Logger)
	a.RecursionHandler = handlers.NewRecursionHandler(a.Scheduler, a.Resources, a.Config.Recursion.MaxDepth, a.Config.Recursion.WorkersByDepth, a.Logger)
	a.AuthHandler = handlers.NewAuthHandler(a.Auth, a.Logger)
}

// Close releases the scheduler and database in the reverse order New
// acquired them.
func (a *App) Close() error {
	if a.Sweep != nil {
		ctx := a.Sweep.Stop()
		<-ctx.Done()
		a.Logger.Info().Msg("Timeout sweep stopped")
	}

	if a.Scheduler != nil {
		a.Scheduler.Close()
		a.Logger.Info().Msg("Scheduler stopped")
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		a.Logger.Info().Msg("Database closed")
	}
	return nil
}

// redactDSN strips credentials from a DSN before it reaches a log line.
func redactDSN(dsn string) string {
	at := -1
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '@' {
			at = i
		}
	}
	if at == -1 {
		return dsn
	}
	scheme := -1
	for i := 0; i < at; i++ {
		if dsn[i] == '/' && i+1 < at && dsn[i+1] == '/' {
			scheme = i + 2
			break
		}
	}
	if scheme == -1 {
		return dsn
	}
	return dsn[:scheme] + "***@" + dsn[at+1:]
}
