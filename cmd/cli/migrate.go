package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/db"
)

var migrateForce bool

// migrateCmd manages the database schema.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply, inspect or reset the embedded SQL migrations of the result
store. 'serve', 'scan' and 'resume' apply pending migrations on their own.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(database *db.DB) error {
			applied, err := db.NewMigrator(database.DB).Up(context.Background())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Printf("Applied %s\n", name)
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(database *db.DB) error {
			statuses, err := db.NewMigrator(database.DB).Status(context.Background())
			if err != nil {
				return err
			}
			return renderMigrations(statuses)
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every scanqueue table and reapply the migrations",
	Long: `Drop the session and result tables and apply every migration again.
All stored sessions and results are lost.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateForce {
			return fmt.Errorf("reset deletes all sessions and results: rerun with --force")
		}
		return withDatabase(func(database *db.DB) error {
			applied, err := db.NewMigrator(database.DB).Reset(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Schema reset, %d migrations applied\n", len(applied))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)
	migrateResetCmd.Flags().BoolVar(&migrateForce, "force", false, "Confirm that all data may be deleted")
}

func renderMigrations(statuses []db.MigrationStatus) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Migration", "Applied", "Applied At", "Modified")
	for _, st := range statuses {
		appliedAt := ""
		if st.Applied {
			appliedAt = st.AppliedAt.Format("2006-01-02 15:04:05")
		}
		_ = table.Append([]string{
			st.Name,
			fmt.Sprintf("%t", st.Applied),
			appliedAt,
			fmt.Sprintf("%t", st.Modified),
		})
	}
	return table.Render()
}
