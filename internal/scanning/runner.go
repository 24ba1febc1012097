package scanning

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
)

const (
	verifyTimeout = 5 * time.Second
	maxStderrLine = 200

	reportDirPerm  = 0750
	reportFilePerm = 0600
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Job is one target scan.
type Job struct {
	SessionID string
	Target    Target
	Options   ScanOptions
	// Timeout bounds the whole scan. Zero means no limit.
	Timeout time.Duration
	// ReportPath receives the raw XML report when set.
	ReportPath string
}

// RunnerConfig holds process runner settings.
type RunnerConfig struct {
	BinaryPath   string
	CancelGrace  time.Duration
	BlockedFlags []string
	// MaxConcurrent caps scanner processes across sessions. Zero means no cap.
	MaxConcurrent int
}

// Runner executes the external scanner once per target.
type Runner struct {
	cfg    RunnerConfig
	slots  *ProcessSlots
	logger *logging.Logger
}

// NewRunner creates a runner. A nil logger uses the default logger.
func NewRunner(cfg RunnerConfig, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Runner{cfg: cfg, logger: logger.WithComponent("runner")}
	if cfg.MaxConcurrent > 0 {
		r.slots = NewProcessSlots(cfg.MaxConcurrent)
	}
	return r
}

// Binary returns the configured scanner executable.
func (r *Runner) Binary() string {
	return r.cfg.BinaryPath
}

// Run scans one target. Target-level failures come back as a recordable
// ScanResult with Error set. A timeout is not an error: it yields the
// synthesized timeout result. Only a missing or uninvocable scanner returns
// a fatal error (CodeToolNotFound) with an empty result.
func (r *Runner) Run(ctx context.Context, job Job) (ScanResult, error) {
	ip := job.Target.IP
	log := r.logger.WithTarget(ip)

	if err := job.Options.Validate(r.cfg.BlockedFlags); err != nil {
		return ErrorResult(ip, err.Error()), err
	}

	path, err := exec.LookPath(r.cfg.BinaryPath)
	if err != nil {
		return ScanResult{}, errors.ErrToolNotFound(r.cfg.BinaryPath, err)
	}

	if r.slots != nil {
		key := job.SessionID + "/" + ip
		if err := r.slots.Acquire(ctx, key); err != nil {
			log.Debug("Gave up waiting for a scanner slot", "error", err)
			return ErrorResult(ip, ErrorCancelled), nil
		}
		defer r.slots.Release(key)
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	args := BuildArgs(job.Target, job.Options)
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.cfg.CancelGrace > 0 {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = r.cfg.CancelGrace
	}

	log.Debug("Starting target scan", "args", strings.Join(args, " "))
	runErr := cmd.Run()
	raw := stdout.Bytes()
	r.saveReport(job.ReportPath, raw)

	if runErr != nil {
		switch {
		case stderrors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			r.logger.WarnTarget("Target scan timed out", ip, errors.ErrScanTimeout(ip), "timeout", job.Timeout)
			return TimeoutResult(ip), nil
		case ctx.Err() != nil:
			result, _ := ParseReport(raw, ip)
			result.Error = ErrorCancelled
			return result, nil
		}

		var exitErr *exec.ExitError
		if !stderrors.As(runErr, &exitErr) {
			return ScanResult{}, errors.ErrToolNotFound(r.cfg.BinaryPath, runErr)
		}

		result, _ := ParseReport(raw, ip)
		msg := fmt.Sprintf("scanner exited with status %d", exitErr.ExitCode())
		if line := firstLine(stderr.Bytes()); line != "" {
			msg += ": " + line
		}
		result.Error = msg
		return result, errors.WrapScanErrorWithTarget(errors.CodeToolCrashed, "scanner crashed", ip, runErr)
	}

	result, warning := ParseReport(raw, ip)
	if warning != nil {
		result.Error = warning.Error()
		return result, errors.WrapScanErrorWithTarget(errors.CodeParse, "unreadable scan report", ip, warning)
	}
	return result, nil
}

// Verify checks that the scanner can be invoked and returns its version line.
func (r *Runner) Verify(ctx context.Context) (string, error) {
	path, err := exec.LookPath(r.cfg.BinaryPath)
	if err != nil {
		return "", errors.ErrToolNotFound(r.cfg.BinaryPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", errors.ErrToolNotFound(r.cfg.BinaryPath, err)
	}

	version := firstLine(out)
	r.logger.Info("Scanner detected", "binary", path, "version", version)
	return version, nil
}

func (r *Runner) saveReport(path string, raw []byte) {
	if path == "" || len(raw) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), reportDirPerm); err != nil {
		r.logger.Warn("Failed to create report directory", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, raw, reportFilePerm); err != nil {
		r.logger.Warn("Failed to save raw report", "path", path, "error", err)
	}
}

// ReportPath returns where the raw report of ip is kept for a session, or ""
// when workDir is empty.
func ReportPath(workDir, projectID, sessionID, ip string) string {
	if workDir == "" {
		return ""
	}
	return filepath.Join(workDir,
		safeName(projectID),
		safeName(sessionID),
		"scan_"+safeName(ip)+".xml")
}

func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

func firstLine(b []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) > maxStderrLine {
			line = line[:maxStderrLine]
		}
		return line
	}
	return ""
}
