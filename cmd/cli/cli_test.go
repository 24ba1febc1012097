package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/session/mocks"
	"github.com/anstrom/scanqueue/internal/store"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    scanning.Target
		wantErr bool
	}{
		{name: "ipv4", input: "10.0.0.1", want: scanning.Target{IP: "10.0.0.1"}},
		{name: "ipv4 with ports", input: "10.0.0.1:22,443", want: scanning.Target{IP: "10.0.0.1", Ports: []int{22, 443}}},
		{name: "ipv6", input: "2001:db8::1", want: scanning.Target{IP: "2001:db8::1"}},
		{name: "bracketed ipv6 with port", input: "[2001:db8::1]:443", want: scanning.Target{IP: "2001:db8::1", Ports: []int{443}}},
		{name: "surrounding space", input: "  192.168.1.1  ", want: scanning.Target{IP: "192.168.1.1"}},
		{name: "empty", input: " ", wantErr: true},
		{name: "hostname", input: "example.com", wantErr: true},
		{name: "flag", input: "-iL", wantErr: true},
		{name: "bad port", input: "10.0.0.1:http", wantErr: true},
		{name: "port out of range", input: "10.0.0.1:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTarget(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectTargets(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(file, []byte("# lab hosts\n10.0.0.3\n\n10.0.0.4:80\n"), 0o600))

	targets, err := collectTargets([]string{"10.0.0.1"}, []string{"10.0.0.2"}, file)
	require.NoError(t, err)

	ips := make([]string, len(targets))
	for i, tgt := range targets {
		ips[i] = tgt.IP
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}, ips)
	assert.Equal(t, []int{80}, targets[3].Ports)

	_, err = collectTargets(nil, nil, "")
	assert.EqualError(t, err, "no targets specified")

	_, err = collectTargets(nil, nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("SCANQUEUE_DATABASE_DATABASE", "scans")
	t.Setenv("SCANQUEUE_DATABASE_PORT", "6543")
	t.Setenv("SCANQUEUE_API_PORT", "9191")
	t.Setenv("SCANQUEUE_SCANNING_TARGET_TIMEOUT", "90s")
	t.Setenv("SCANQUEUE_API_ALLOWED_ORIGINS", "http://a.example http://b.example")

	v := viper.New()
	configureViper(v, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := config.Default()
	applyOverrides(cfg, v)

	assert.Equal(t, "scans", cfg.Database.Database)
	assert.True(t, cfg.UsePostgres())
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 9191, cfg.API.Port)
	assert.Equal(t, 90*time.Second, cfg.Scanning.TargetTimeout)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.API.AllowedOrigins)
	// Unset keys keep their file or default values.
	assert.Equal(t, "nmap", cfg.Scanning.BinaryPath)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
}

func TestPreviewCommand(t *testing.T) {
	cfg := config.Default()

	line, err := previewCommand(cfg, "", "10.0.0.1:22,80", scanning.ScanOptions{Timing: "-T4", VersionDetection: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "nmap "))
	assert.Contains(t, line, "-sV")
	assert.Contains(t, line, "-T4")
	assert.Contains(t, line, "-p 22,80")
	assert.True(t, strings.HasSuffix(line, "-oX - 10.0.0.1"), line)

	line, err = previewCommand(cfg, "/opt/nmap/bin/nmap", "10.0.0.1", scanning.ScanOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "/opt/nmap/bin/nmap -F -T3"), line)

	_, err = previewCommand(cfg, "", "10.0.0.1", scanning.ScanOptions{CustomFlags: "-oN out.txt"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	_, err = previewCommand(cfg, "", "10.0.0.1", scanning.ScanOptions{Preset: "turbo"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestCheckOutputFormat(t *testing.T) {
	assert.NoError(t, checkOutputFormat(outputTable))
	assert.NoError(t, checkOutputFormat(outputJSON))
	assert.Error(t, checkOutputFormat("xml"))
}

func TestRenderAggregate(t *testing.T) {
	agg := store.Merge("lab", nil, 1, []store.ResultRecord{
		{Index: 0, Result: scanning.ScanResult{
			TargetIP: "10.0.0.1", HostStatus: scanning.HostUp, OpenPorts: 1,
			Services: []scanning.ServiceRecord{{Port: 22, Protocol: "tcp", State: "open", Service: "ssh"}},
		}},
		{Index: 1, Result: scanning.TimeoutResult("10.0.0.2")},
		{Index: 2, Result: scanning.ErrorResult("10.0.0.3", scanning.ErrorCancelled)},
	})

	var buf bytes.Buffer
	require.NoError(t, renderAggregate(&buf, agg, outputTable))
	out := buf.String()
	assert.Contains(t, out, "Project lab")
	assert.Contains(t, out, "10.0.0.1")
	assert.Contains(t, out, "22/tcp ssh")
	assert.Contains(t, out, "10.0.0.2")
	assert.Contains(t, out, "timeout")
	assert.Contains(t, out, "Interrupted (not rescanned by resume): 10.0.0.3")

	buf.Reset()
	require.NoError(t, renderAggregate(&buf, agg, outputJSON))
	assert.Contains(t, buf.String(), `"project_id": "lab"`)
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		data any
		want string
	}{
		{events.Started{TotalTargets: 3}, "Session started: 3 targets"},
		{events.Progress{CurrentTarget: "10.0.0.1", Completed: 0, Total: 3, Elapsed: "0:00"}, "[1/3] scanning 10.0.0.1 (elapsed 0:00, eta calculating)"},
		{events.HostResult{TargetIP: "10.0.0.1", Result: scanning.ScanResult{HostStatus: "up", OpenPorts: 2}}, "  10.0.0.1: up, 2 open ports"},
		{events.HostResult{TargetIP: "10.0.0.1", Result: scanning.TimeoutResult("10.0.0.1")}, ""},
		{events.HostError{TargetIP: "10.0.0.1", Message: "timeout"}, "  10.0.0.1: error: timeout"},
		{events.Completed{TotalCompleted: 3, Total: 3}, "Session completed: 3/3 targets"},
		{events.Cancelled{TotalCompleted: 1}, "Session cancelled after 1 targets"},
		{events.Failed{Error: "scan tool missing"}, "Session failed: scan tool missing"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeEvent(events.Event{Data: tt.data}))
	}
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "scan", "resume", "preview", "aggregate", "progress", "sessions", "migrate", "reconcile"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

// engine builds an in-memory app around a mocked runner.
func engine(t *testing.T) (*app, *mocks.MockRunner) {
	t.Helper()
	runner := mocks.NewMockRunner(gomock.NewController(t))
	a := buildApp(config.Default(), runner, store.NewMemory(), metrics.New(), logging.NewDiscard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(ctx)
	})
	return a, runner
}

func echo(_ context.Context, job scanning.Job) (scanning.ScanResult, error) {
	return scanning.ScanResult{TargetIP: job.Target.IP, HostStatus: scanning.HostUp, Hostnames: []string{}, Services: []scanning.ServiceRecord{}}, nil
}

func startWith(a *app, project string, ips ...string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		targets := make([]scanning.Target, len(ips))
		for i, ip := range ips {
			targets[i] = scanning.Target{IP: ip}
		}
		return a.manager.StartSession(ctx, project, targets, scanning.ScanOptions{})
	}
}

func TestRunSession_Completes(t *testing.T) {
	a, runner := engine(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(echo).Times(2)

	var out bytes.Buffer
	err := runSession(context.Background(), a, &out, "lab", outputTable, startWith(a, "lab", "10.0.0.2", "10.0.0.1"))
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Session started: 2 targets")
	assert.Contains(t, text, "Session completed: 2/2 targets")
	assert.Contains(t, text, "Project lab: complete")
	assert.Less(t, strings.Index(text, "[1/2] scanning 10.0.0.2"), strings.Index(text, "[2/2] scanning 10.0.0.1"))
}

func TestRunSession_InterruptCancels(t *testing.T) {
	a, runner := engine(t)
	started := make(chan struct{})
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, job scanning.Job) (scanning.ScanResult, error) {
			if job.Target.IP != "10.0.0.2" {
				return echo(ctx, job)
			}
			close(started)
			<-ctx.Done()
			return scanning.ErrorResult(job.Target.IP, scanning.ErrorCancelled), nil
		}).Times(2)

	ctx, interrupt := context.WithCancel(context.Background())
	go func() {
		<-started
		interrupt()
	}()

	var out bytes.Buffer
	err := runSession(ctx, a, &out, "lab", outputTable, startWith(a, "lab", "10.0.0.1", "10.0.0.2", "10.0.0.3"))
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Session cancelled at 2/3 targets")
	assert.Contains(t, text, "scanqueue resume --project lab")

	prog, err := a.store.LastProgress(context.Background(), "lab")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, prog.Status)
	assert.Equal(t, []scanning.Target{{IP: "10.0.0.3"}}, prog.Remaining())
}

func TestRunSession_Failure(t *testing.T) {
	a, runner := engine(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(scanning.ScanResult{}, errors.ErrToolNotFound("nmap", assert.AnError))

	var out bytes.Buffer
	err := runSession(context.Background(), a, &out, "lab", outputJSON, startWith(a, "lab", "10.0.0.1", "10.0.0.2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	// JSON mode prints only the aggregate.
	assert.True(t, strings.HasPrefix(out.String(), "{"), out.String())
}

func TestRunSession_StartError(t *testing.T) {
	a, _ := engine(t)
	var out bytes.Buffer
	err := runSession(context.Background(), a, &out, "lab", outputTable, startWith(a, "lab"))
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Empty(t, out.String())
}
