package scanning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
)

// fakeScanner writes an executable shell script standing in for the scanner.
func fakeScanner(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-nmap")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) //nolint:gosec // test helper
	return path
}

func newTestRunner(binary string) *Runner {
	return NewRunner(RunnerConfig{
		BinaryPath:   binary,
		CancelGrace:  200 * time.Millisecond,
		BlockedFlags: testBlocked,
	}, logging.NewDiscard())
}

func TestRunner_ToolNotFound(t *testing.T) {
	r := newTestRunner(filepath.Join(t.TempDir(), "definitely-not-nmap"))

	_, err := r.Run(context.Background(), Job{Target: Target{IP: "10.0.0.1"}, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
	assert.True(t, errors.IsFatal(err))

	_, err = r.Verify(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
}

func TestRunner_Success(t *testing.T) {
	fixture, err := filepath.Abs(filepath.Join("testdata", "full.xml"))
	require.NoError(t, err)
	r := newTestRunner(fakeScanner(t, "cat "+fixture))

	reportPath := ReportPath(t.TempDir(), "acme corp", "s-1", "10.0.0.1")
	result, err := r.Run(context.Background(), Job{
		Target:     Target{IP: "10.0.0.1"},
		Options:    ScanOptions{Preset: "fast"},
		Timeout:    5 * time.Second,
		ReportPath: reportPath,
	})
	require.NoError(t, err)
	assert.Equal(t, HostUp, result.HostStatus)
	assert.Equal(t, 2, result.OpenPorts)
	assert.False(t, result.Failed())

	saved, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "<nmaprun")
}

func TestRunner_TimeoutIsRecoveredLocally(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "exec sleep 10"))

	start := time.Now()
	result, err := r.Run(context.Background(), Job{Target: Target{IP: "10.0.0.2"}, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, TimeoutResult("10.0.0.2"), result)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_Crash(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "echo 'Failed to resolve target' >&2; exit 3"))

	result, err := r.Run(context.Background(), Job{Target: Target{IP: "10.0.0.3"}, Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeToolCrashed))
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, "10.0.0.3", result.TargetIP)
	assert.Equal(t, HostDown, result.HostStatus)
	assert.Contains(t, result.Error, "status 3")
	assert.Contains(t, result.Error, "Failed to resolve target")
}

func TestRunner_UnreadableReport(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "echo 'not xml at all'"))

	result, err := r.Run(context.Background(), Job{Target: Target{IP: "10.0.0.4"}, Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeParse))
	assert.True(t, result.Failed())
}

func TestRunner_CancelledInFlight(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "exec sleep 10"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := r.Run(ctx, Job{Target: Target{IP: "10.0.0.5"}, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, ErrorCancelled, result.Error)
	assert.Equal(t, "10.0.0.5", result.TargetIP)
}

func TestRunner_RejectsBlockedFlags(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "exit 0"))

	result, err := r.Run(context.Background(), Job{
		Target:  Target{IP: "10.0.0.6"},
		Options: ScanOptions{CustomFlags: "--iflist"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.True(t, result.Failed())
}

func TestRunner_Verify(t *testing.T) {
	r := newTestRunner(fakeScanner(t, "echo 'Nmap version 7.94 ( https://nmap.org )'; echo 'Platform: x86_64'"))

	version, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Nmap version 7.94 ( https://nmap.org )", version)
}

func TestReportPath(t *testing.T) {
	assert.Empty(t, ReportPath("", "p", "s", "10.0.0.1"))
	assert.Equal(t,
		filepath.Join("/work", "acme_corp", "s-1", "scan_fe80_1.xml"),
		ReportPath("/work", "acme corp", "s-1", "fe80::1"))
	assert.Equal(t,
		filepath.Join("/work", "_", "s", "scan_10_0_0_1.xml"),
		ReportPath("/work", "../..", "s", "10.0.0.1"))
}
