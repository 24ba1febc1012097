// Package helpers provides database helpers for scanqueue integration tests.
package helpers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/anstrom/scanqueue/internal/db"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 5 * time.Second
)

// GetTestDatabaseConfigs returns the configurations to try, test database
// first and the development database as fallback.
func GetTestDatabaseConfigs() []db.Config {
	base := db.DefaultConfig()
	base.MaxOpenConns = 5
	base.MaxIdleConns = 2

	test := base
	test.Host = getEnvOrDefault("TEST_DB_HOST", "localhost")
	test.Port = getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort)
	test.Database = getEnvOrDefault("TEST_DB_NAME", "scanqueue_test")
	test.Username = getEnvOrDefault("TEST_DB_USER", "test_user")
	test.Password = getEnvOrDefault("TEST_DB_PASSWORD", "test_password")

	dev := base
	dev.Host = getEnvOrDefault("DEV_DB_HOST", "localhost")
	dev.Port = getEnvIntOrDefault("DEV_DB_PORT", defaultPostgreSQLPort)
	dev.Database = getEnvOrDefault("DEV_DB_NAME", "scanqueue_dev")
	dev.Username = getEnvOrDefault("DEV_DB_USER", "scanqueue_dev")
	dev.Password = getEnvOrDefault("DEV_DB_PASSWORD", "dev_password")

	return []db.Config{test, dev}
}

// ConnectToTestDatabase connects to the first reachable test database and
// applies the migrations.
func ConnectToTestDatabase(ctx context.Context) (*db.DB, error) {
	var lastErr error
	for _, cfg := range GetTestDatabaseConfigs() {
		cfg := cfg
		connectCtx, cancel := context.WithTimeout(ctx, dbConnectionTimeout)
		database, err := db.ConnectAndMigrate(connectCtx, &cfg)
		cancel()
		if err == nil {
			return database, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect to any test database: %w", lastErr)
}

// RequireDatabase returns a migrated test database or skips the test.
// The database is closed when the test ends.
func RequireDatabase(t *testing.T) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	database, err := ConnectToTestDatabase(context.Background())
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// CleanupProject removes every session and result of a project.
func CleanupProject(ctx context.Context, database *db.DB, projectID string) error {
	for _, query := range []string{
		"DELETE FROM scan_results WHERE project_id = $1",
		"DELETE FROM scan_sessions WHERE project_id = $1",
	} {
		if _, err := database.ExecContext(ctx, query, projectID); err != nil {
			return err
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
