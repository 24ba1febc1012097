package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/store"
)

var (
	scanProject     string
	scanTargetFlags []string
	scanTargetFile  string
	scanOutput      string
	scanOptionFlags optionFlags

	resumeProject string
	resumeOutput  string
)

// scanCmd runs one session in-process and prints the project aggregate.
var scanCmd = &cobra.Command{
	Use:   "scan [targets...]",
	Short: "Scan targets one at a time as a new session",
	Long: `Run a scan session over the given targets in order. Each target is
scanned by its own nmap process and its result is stored before the next
target starts. Press Ctrl-C to cancel: the current target is stopped and
recorded as cancelled, and the rest can be scanned later with 'resume'.
The stopped target counts as scanned: resume starts after it, and the
aggregate lists it under "Interrupted".

Targets are IP addresses, optionally with ports: 10.0.0.5:22,80 or
[2001:db8::1]:443.`,
	Example: `  scanqueue scan --project lab 10.0.0.1 10.0.0.2
  scanqueue scan --project lab --target 10.0.0.5:22,443 --preset top1000 --timing T4
  scanqueue scan --project lab --target-file hosts.txt --version-detection --output json`,
	RunE: runScan,
}

// resumeCmd continues the latest session of a project.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue the latest session of a project",
	Long: `Start a new session over the targets the latest session of the project
did not reach, with the same scan options. Requires a database: an
in-memory store does not survive the previous process.

A target stopped by the cancel is not scanned again; scan it with 'scan'
if needed. If the latest session is still marked running because its
process died, run 'scanqueue reconcile' first.`,
	Example: `  scanqueue resume --project lab`,
	RunE:    runResume,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(resumeCmd)

	scanCmd.Flags().StringVarP(&scanProject, "project", "p", "", "Project the session belongs to")
	scanCmd.Flags().StringArrayVarP(&scanTargetFlags, "target", "t", nil, "Target to scan (repeatable)")
	scanCmd.Flags().StringVar(&scanTargetFile, "target-file", "", "File with one target per line")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", outputTable, "Output format: table or json")
	scanOptionFlags.register(scanCmd.Flags())
	_ = scanCmd.MarkFlagRequired("project")

	resumeCmd.Flags().StringVarP(&resumeProject, "project", "p", "", "Project to resume")
	resumeCmd.Flags().StringVarP(&resumeOutput, "output", "o", outputTable, "Output format: table or json")
	_ = resumeCmd.MarkFlagRequired("project")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(scanOutput); err != nil {
		return err
	}
	targets, err := collectTargets(args, scanTargetFlags, scanTargetFile)
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		opts := scanOptionFlags.options()
		return runSession(ctx, a, os.Stdout, scanProject, scanOutput, func(ctx context.Context) (string, error) {
			return a.manager.StartSession(ctx, scanProject, targets, opts)
		})
	})
}

func runResume(cmd *cobra.Command, _ []string) error {
	if err := checkOutputFormat(resumeOutput); err != nil {
		return err
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		return runSession(ctx, a, os.Stdout, resumeProject, resumeOutput, func(ctx context.Context) (string, error) {
			return a.resumer.Resume(ctx, resumeProject)
		})
	})
}

// withApp builds the engine for one command run and tears it down after.
// The context is cancelled on SIGINT or SIGTERM. Orphaned sessions are not
// reconciled here: a serve process may own them.
func withApp(parent context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a)
}

// runSession starts a session, prints its events until it ends and then
// prints the project aggregate. Cancelling ctx cancels the session; the
// stream still runs to the terminal event.
func runSession(ctx context.Context, a *app, out io.Writer, projectID, format string, start func(context.Context) (string, error)) error {
	id, err := start(context.Background())
	if err != nil {
		return err
	}
	sub, err := a.events.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()

	quiet := format == outputJSON
	if !quiet {
		fmt.Fprintf(out, "Session %s (project %s)\n", id, projectID)
	}

	interrupted := ctx.Done()
	for stream := sub.Events(); stream != nil; {
		select {
		case ev, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			if line := describeEvent(ev); line != "" && !quiet {
				fmt.Fprintln(out, line)
			}
		case <-interrupted:
			interrupted = nil
			if a.manager.Cancel(id) && !quiet {
				fmt.Fprintln(out, "Cancelling, waiting for the current target to stop...")
			}
		}
	}

	// A dropped subscription closes early; wait for the session itself.
	snap, err := a.manager.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		a.manager.Cancel(id)
		snap, err = a.manager.Wait(context.Background(), id)
	}
	if err != nil {
		return err
	}

	agg, err := a.store.Aggregate(context.Background(), projectID)
	if err != nil {
		return err
	}
	if err := renderAggregate(out, agg, format); err != nil {
		return err
	}

	switch snap.Status {
	case store.StatusFailed:
		return fmt.Errorf("session %s failed: %s", id, snap.Error)
	case store.StatusCancelled:
		if !quiet {
			fmt.Fprintf(out, "Session cancelled at %d/%d targets. Run 'scanqueue resume --project %s' to continue.\n",
				snap.Cursor, snap.Total, projectID)
		}
	}
	return nil
}
