package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/db"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/session"
)

var (
	projectOutput string

	previewOptionFlags optionFlags
	previewBinary      string
)

// aggregateCmd prints the merged results of every session of a project.
var aggregateCmd = &cobra.Command{
	Use:   "aggregate <project>",
	Short: "Show the merged results of a project",
	Long: `Merge the results of every session of a project, latest result per IP
wins, sorted by address. The project is complete only when its latest
session completed.`,
	Example: `  scanqueue aggregate lab
  scanqueue aggregate lab --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectStore(func(ctx context.Context, st *db.Store) error {
			agg, err := st.Aggregate(ctx, args[0])
			if err != nil {
				return err
			}
			return renderAggregate(os.Stdout, agg, projectOutput)
		})
	},
}

// progressCmd prints where the latest session of a project stopped.
var progressCmd = &cobra.Command{
	Use:     "progress <project>",
	Short:   "Show where the latest session of a project stopped",
	Example: `  scanqueue progress lab`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectStore(func(ctx context.Context, st *db.Store) error {
			p, err := st.LastProgress(ctx, args[0])
			if err != nil {
				return err
			}
			return renderProgress(os.Stdout, p, projectOutput)
		})
	},
}

// sessionsCmd lists the sessions of a project.
var sessionsCmd = &cobra.Command{
	Use:     "sessions <project>",
	Short:   "List the sessions of a project",
	Example: `  scanqueue sessions lab`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectStore(func(ctx context.Context, st *db.Store) error {
			list, err := st.ListSessions(ctx, args[0])
			if err != nil {
				return err
			}
			return renderSessions(os.Stdout, list, projectOutput)
		})
	},
}

// previewCmd prints the scanner command line without running it.
var previewCmd = &cobra.Command{
	Use:   "preview <target>",
	Short: "Print the nmap command a target would be scanned with",
	Example: `  scanqueue preview 10.0.0.1 --preset top1000 --timing T4
  scanqueue preview 10.0.0.1:22,443 --version-detection`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

// reconcileCmd ends sessions whose process died without finishing them.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "End sessions left running by a process that died",
	Long: `Mark every session still stored as pending, running or cancelling as
finished. Sessions that recorded all their targets become completed, the
rest failed, and can be continued with 'resume'. 'serve' does this on
start. Do not run it while another scanqueue process is scanning against
the same database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(database *db.DB) error {
			ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
			defer cancel()
			n, err := session.ReconcileOrphans(ctx, db.NewStore(database), logging.Default())
			if err != nil {
				return err
			}
			fmt.Printf("Reconciled %d sessions\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	for _, cmd := range []*cobra.Command{aggregateCmd, progressCmd, sessionsCmd} {
		cmd.Flags().StringVarP(&projectOutput, "output", "o", outputTable, "Output format: table or json")
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().StringVar(&previewBinary, "binary", "", "Scanner executable (default from config)")
	previewOptionFlags.register(previewCmd.Flags())
}

// withProjectStore runs fn against the PostgreSQL result store.
func withProjectStore(fn func(ctx context.Context, st *db.Store) error) error {
	if err := checkOutputFormat(projectOutput); err != nil {
		return err
	}
	return withDatabase(func(database *db.DB) error {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()
		return fn(ctx, db.NewStore(database))
	})
}

func runPreview(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	line, err := previewCommand(cfg, previewBinary, args[0], previewOptionFlags.options())
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

// previewCommand validates a target and options exactly as a session would
// and renders the resulting command line.
func previewCommand(cfg *config.Config, binary, rawTarget string, opts scanning.ScanOptions) (string, error) {
	target, err := parseTarget(rawTarget)
	if err != nil {
		return "", err
	}
	if err := scanning.ValidateTargets([]scanning.Target{target}, 0); err != nil {
		return "", err
	}
	opts = opts.Normalize()
	if err := opts.Validate(cfg.Scanning.BlockedFlags); err != nil {
		return "", err
	}
	if binary == "" {
		binary = cfg.Scanning.BinaryPath
	}
	return scanning.Preview(binary, target, opts), nil
}
