package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/db"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/session"
	"github.com/anstrom/scanqueue/internal/store"
)

// app is the wired session engine shared by the serve, scan and resume
// commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	database *db.DB
	store    store.Store
	tool     *scanning.Runner
	events   *events.Broadcaster
	manager  *session.Manager
	resumer  *session.Resumer
}

// newApp connects the configured result store and builds the engine around
// the nmap process runner.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.Default()
	tool := scanning.NewRunner(scanning.RunnerConfig{
		BinaryPath:    cfg.Scanning.BinaryPath,
		CancelGrace:   cfg.Scanning.CancelGrace,
		BlockedFlags:  cfg.Scanning.BlockedFlags,
		MaxConcurrent: cfg.Scanning.MaxConcurrentScans,
	}, logger)

	var (
		database *db.DB
		st       store.Store
	)
	if cfg.UsePostgres() {
		var err error
		database, err = db.ConnectAndMigrate(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("error connecting to database: %w", err)
		}
		st = db.NewStore(database)
	} else {
		logger.Warn("No database configured, results are kept in memory only")
		st = store.NewMemory()
	}

	a := buildApp(cfg, tool, st, metrics.New(), logger)
	a.tool = tool
	a.database = database
	return a, nil
}

// buildApp assembles the engine over an existing store and runner.
func buildApp(cfg *config.Config, runner session.Runner, st store.Store, m *metrics.Metrics, logger *logging.Logger) *app {
	bc := events.NewBroadcaster(events.Config{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		RetainFinished:   cfg.Events.RetainFinished,
	}, m, logger)

	manager := session.NewManager(session.Config{
		TargetTimeout:  cfg.Scanning.TargetTimeout,
		MaxTargets:     cfg.Scanning.MaxTargetsPerSession,
		BlockedFlags:   cfg.Scanning.BlockedFlags,
		WorkDir:        cfg.Scanning.WorkDir,
		RetainFinished: cfg.Events.RetainFinished,
	}, runner, st, bc, m, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   st,
		events:  bc,
		manager: manager,
		resumer: session.NewResumer(st, manager),
	}
}

// close stops running sessions and releases the database.
func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("Session shutdown incomplete", "error", err)
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", err)
		}
	}
}

// withDatabase executes the given operation with a database connection.
// It fails when no database is configured.
func withDatabase(operation func(*db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.UsePostgres() {
		return fmt.Errorf("no database configured: set database.database or %s_DATABASE_DATABASE", envPrefix)
	}

	database, err := db.Connect(context.Background(), &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(database)
}
