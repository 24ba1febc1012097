package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanqueue/internal/api"
	"github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/session"
)

// Timeout constants.
const (
	startupTimeout        = 30 * time.Second
	sessionDrainTimeout   = 30 * time.Second
	verifyTimeout         = 10 * time.Second
	metricsUpdateInterval = 30 * time.Second
)

// serveCmd runs the API server with the session engine.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan session API server",
	Long: `Run the HTTP API: start, cancel and resume scan sessions, read project
aggregates and stream session events over WebSocket.

Sessions left pending or running by a previous process are marked failed
at startup so they can be resumed.`,
	Example: `  scanqueue serve
  scanqueue serve --host 0.0.0.0 --port 9090
  SCANQUEUE_DATABASE_DATABASE=scans scanqueue serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Override API listen host")
	serveCmd.Flags().Int("port", 0, "Override API listen port")

	for _, name := range []string{"host", "port"} {
		if err := viper.BindPFlag("api."+name, serveCmd.Flags().Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	a, err := newApp(startCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), sessionDrainTimeout)
		defer drainCancel()
		a.close(drainCtx)
	}()

	if cfg.Scanning.VerifyOnStart {
		verifyCtx, verifyCancel := context.WithTimeout(ctx, verifyTimeout)
		version, err := a.tool.Verify(verifyCtx)
		verifyCancel()
		if err != nil {
			return err
		}
		a.logger.Info("Scanner verified", "binary", a.tool.Binary(), "version", version)
	}

	if _, err := session.ReconcileOrphans(startCtx, a.store, a.logger); err != nil {
		return fmt.Errorf("failed to reconcile orphaned sessions: %w", err)
	}

	if cfg.Maintenance.StaleSessionSchedule != "" {
		sweeper, err := session.NewSweeper(a.manager, cfg.Maintenance.StaleSessionSchedule,
			cfg.Maintenance.MaxSessionAge, a.logger)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	go a.metrics.StartPeriodicUpdates(ctx, metricsUpdateInterval)

	deps := api.Dependencies{
		Manager: a.manager,
		Resumer: a.resumer,
		Store:   a.store,
		Events:  a.events,
		Tool:    a.tool,
		Metrics: a.metrics,
		Logger:  a.logger,
	}
	// Leave Database nil rather than a typed nil so health reports
	// "not configured" for the in-memory store.
	if a.database != nil {
		deps.Database = a.database
	}

	server, err := api.New(cfg.API, deps)
	if err != nil {
		return err
	}

	fmt.Printf("scanqueue %s listening on %s\n", handlers.Version, cfg.GetAPIAddress())
	fmt.Printf("Health check: http://%s/api/v1/health\n", cfg.GetAPIAddress())

	if err := server.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Server stopped")
	return nil
}
