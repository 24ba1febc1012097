// Package session drives scan sessions: one worker per session walks the
// target queue in order, records every result durably before moving on and
// publishes progress to the event broadcaster.
package session

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks . Runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/store"
)

// Runner executes one target scan. *scanning.Runner implements it.
type Runner interface {
	Run(ctx context.Context, job scanning.Job) (scanning.ScanResult, error)
}

// Config holds manager settings.
type Config struct {
	// Fixed per-target timeout.
	TargetTimeout time.Duration
	// Upper bound on targets per session. Zero means unlimited.
	MaxTargets   int
	BlockedFlags []string
	// Raw reports are written below WorkDir when set.
	WorkDir string
	// Completed targets used for the ETA moving average.
	ETAWindow int
	// How long a finished session stays in the registry. Status falls back
	// to the store afterwards. Zero keeps finished sessions until shutdown.
	RetainFinished time.Duration
}

// Manager is the session registry and state machine.
type Manager struct {
	cfg     Config
	runner  Runner
	store   store.Store
	events  *events.Broadcaster
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	reserved map[string]struct{}
	closed   bool
}

// NewManager creates a manager. m may be nil.
func NewManager(cfg Config, runner Runner, st store.Store, bc *events.Broadcaster, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		store:    st,
		events:   bc,
		metrics:  m,
		logger:   logger.WithComponent("session"),
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		stop:     stop,
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// Create validates and persists a new pending session and opens its event
// stream. resumedFrom names the session being continued, if any.
func (m *Manager) Create(ctx context.Context, projectID string, targets []scanning.Target, opts scanning.ScanOptions, resumedFrom string) (*Session, error) {
	if projectID == "" {
		return nil, errors.NewScanError(errors.CodeValidation, "project id is required")
	}
	if m.isClosed() {
		return nil, errors.NewScanError(errors.CodeCanceled, "session manager is shut down")
	}
	if err := scanning.ValidateTargets(targets, m.cfg.MaxTargets); err != nil {
		return nil, err
	}
	opts, err := m.CheckOptions(opts)
	if err != nil {
		return nil, err
	}

	queued := make([]scanning.Target, len(targets))
	for i, t := range targets {
		queued[i] = scanning.Target{IP: t.IP, Ports: append([]int(nil), t.Ports...)}
	}

	s := &Session{
		id:          m.newID(),
		projectID:   projectID,
		targets:     queued,
		options:     opts,
		resumedFrom: resumedFrom,
		createdAt:   m.now().UTC(),
		status:      store.StatusPending,
		done:        make(chan struct{}),
	}

	err = m.store.CreateSession(ctx, store.SessionRecord{
		ID:          s.id,
		ProjectID:   projectID,
		Targets:     queued,
		Options:     opts,
		Status:      store.StatusPending,
		ResumedFrom: resumedFrom,
		StartedAt:   s.createdAt,
	})
	if err != nil {
		m.metrics.StoreError("create_session")
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.events.Open(s.id)

	m.logger.InfoSession("Session created", s.id, "project_id", projectID, "targets", len(queued),
		"resumed_from", resumedFrom)
	return s, nil
}

// CheckOptions normalizes opts and validates them against the configured
// blocked flags.
func (m *Manager) CheckOptions(opts scanning.ScanOptions) (scanning.ScanOptions, error) {
	opts = opts.Normalize()
	if err := opts.Validate(m.cfg.BlockedFlags); err != nil {
		return scanning.ScanOptions{}, err
	}
	return opts, nil
}

// Start begins asynchronous execution and returns immediately.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	if !m.addWorker() {
		return errors.NewScanError(errors.CodeCanceled, "session manager is shut down")
	}
	s := m.lookup(sessionID)
	if s == nil {
		m.wg.Done()
		return errors.ErrSessionNotFound(sessionID)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		m.wg.Done()
		return errors.ErrAlreadyRunning(sessionID)
	}
	runCtx, cancel := context.WithCancel(m.ctx)
	s.started = true
	s.status = store.StatusRunning
	s.startedAt = m.now().UTC()
	s.cancel = cancel
	s.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusRunning, ""); err != nil {
		m.metrics.StoreError("update_status")
		m.finalize(context.WithoutCancel(ctx), s, store.StatusFailed, err.Error())
		cancel()
		close(s.done)
		m.wg.Done()
		return err
	}

	m.publish(s, events.TypeStarted, events.Started{ProjectID: s.projectID, TotalTargets: len(s.targets)})
	m.updateActive()
	m.logger.InfoSession("Session started", sessionID, "project_id", s.projectID, "targets", len(s.targets))

	go m.run(runCtx, s)
	return nil
}

// addWorker registers a worker with the shutdown WaitGroup unless Shutdown
// has begun.
func (m *Manager) addWorker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// StartSession creates and starts a session in one step.
func (m *Manager) StartSession(ctx context.Context, projectID string, targets []scanning.Target, opts scanning.ScanOptions) (string, error) {
	s, err := m.Create(ctx, projectID, targets, opts, "")
	if err != nil {
		return "", err
	}
	if err := m.Start(ctx, s.id); err != nil {
		return "", err
	}
	return s.id, nil
}

// Cancel asks a running session to stop. The in-flight scan is signalled and
// its result is still recorded. Returns false when the session is unknown,
// not yet started, already cancelling or finished.
func (m *Manager) Cancel(sessionID string) bool {
	s := m.lookup(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.status != store.StatusRunning {
		s.mu.Unlock()
		return false
	}
	s.status = store.StatusCancelling
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	m.logger.InfoSession("Session cancel requested", sessionID)
	return true
}

// Status returns a snapshot of a session. Sessions no longer in the registry
// are read from the store.
func (m *Manager) Status(ctx context.Context, sessionID string) (Snapshot, error) {
	if s := m.lookup(sessionID); s != nil {
		return s.Snapshot(), nil
	}
	rec, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromRecord(rec), nil
}

// Active lists running and cancelling sessions, oldest first.
func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.active() {
			out = append(out, s.Snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of running and cancelling sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.active() {
			n++
		}
	}
	return n
}

// ActiveForProject returns the id of a running session of the project.
func (m *Manager) ActiveForProject(projectID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.sessions {
		if s.projectID == projectID && s.active() {
			return id, true
		}
	}
	return "", false
}

// reserve claims a project for one resume until release is called. It fails
// while the project has an active session or is reserved by another caller.
func (m *Manager) reserve(projectID string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.projectID == projectID && s.active() {
			return nil, errors.ErrAlreadyRunning(id)
		}
	}
	if _, busy := m.reserved[projectID]; busy {
		return nil, errors.NewScanError(errors.CodeAlreadyRunning,
			fmt.Sprintf("project %s is already being resumed", projectID))
	}
	m.reserved[projectID] = struct{}{}

	return func() {
		m.mu.Lock()
		delete(m.reserved, projectID)
		m.mu.Unlock()
	}, nil
}

// Wait blocks until the session's worker exits or ctx is done.
func (m *Manager) Wait(ctx context.Context, sessionID string) (Snapshot, error) {
	s := m.lookup(sessionID)
	if s == nil {
		return m.Status(ctx, sessionID)
	}
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Shutdown cancels every running session and waits for the workers. The
// sessions end as cancelled and stay resumable.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	log := m.logger.WithSessionID(s.id).WithProject(s.projectID)
	storeCtx := context.WithoutCancel(ctx)
	total := len(s.targets)
	eta := newETAEstimator(m.cfg.ETAWindow)
	startedAt := s.Snapshot().StartedAt

	cursor := 0
	for ; cursor < total; cursor++ {
		if s.cancelRequested() || ctx.Err() != nil {
			break
		}
		target := s.targets[cursor]
		s.setCurrent(target.IP)
		m.publish(s, events.TypeProgress, events.Progress{
			CurrentTarget: target.IP,
			Completed:     cursor,
			Total:         total,
			ETA:           eta.estimate(total - cursor),
			Elapsed:       formatClock(m.now().Sub(startedAt)),
		})

		began := m.now()
		result, err := m.runner.Run(ctx, m.job(s, target))
		took := m.now().Sub(began)
		if err != nil && errors.IsFatal(err) {
			log.Error("Scanner unavailable, failing session", "error", err)
			m.finalize(storeCtx, s, store.StatusFailed, err.Error())
			return
		}
		if err != nil {
			log.WarnTarget("Target scan failed", target.IP, err)
		}
		result = normalizeResult(target.IP, result, err)

		appendStart := m.now()
		if err := m.store.Append(storeCtx, s.projectID, s.id, cursor, result); err != nil {
			m.metrics.StoreError("append")
			log.Error("Failed to record result, failing session", "target", target.IP, "error", err)
			m.finalize(storeCtx, s, store.StatusFailed, err.Error())
			return
		}
		m.metrics.RecordAppend(m.now().Sub(appendStart))
		s.advance(cursor + 1)
		eta.observe(took)
		m.metrics.TargetScanned(outcome(result), took)

		if result.Failed() {
			m.publish(s, events.TypeHostError, events.HostError{TargetIP: target.IP, Message: result.Error})
		}
		m.publish(s, events.TypeHostResult, events.HostResult{TargetIP: target.IP, Result: result, Completed: cursor + 1})
	}

	if cursor == total {
		m.finalize(storeCtx, s, store.StatusCompleted, "")
		return
	}
	m.finalize(storeCtx, s, store.StatusCancelled, "")
}

func (m *Manager) job(s *Session, target scanning.Target) scanning.Job {
	job := scanning.Job{
		SessionID: s.id,
		Target:    target,
		Options:   s.options,
		Timeout:   m.cfg.TargetTimeout,
	}
	if m.cfg.WorkDir != "" {
		job.ReportPath = scanning.ReportPath(m.cfg.WorkDir, s.projectID, s.id, target.IP)
	}
	return job
}

// finalize persists the terminal status, then publishes the terminal event.
func (m *Manager) finalize(ctx context.Context, s *Session, status store.Status, errMsg string) {
	if err := m.store.UpdateStatus(ctx, s.id, status, errMsg); err != nil {
		m.metrics.StoreError("update_status")
		m.logger.ErrorSession("Failed to persist session status", s.id, err, "status", status)
	}
	s.finish(status, errMsg, m.now().UTC())
	snap := s.Snapshot()

	switch status {
	case store.StatusCompleted:
		m.publish(s, events.TypeCompleted, events.Completed{TotalCompleted: snap.Cursor, Total: snap.Total})
	case store.StatusCancelled:
		m.publish(s, events.TypeCancelled, events.Cancelled{TotalCompleted: snap.Cursor})
	default:
		m.publish(s, events.TypeFailed, events.Failed{TotalCompleted: snap.Cursor, Error: errMsg})
	}

	m.metrics.SessionFinished(string(status))
	m.updateActive()
	m.logger.InfoSession("Session finished", s.id, "status", status, "completed", snap.Cursor,
		"total", snap.Total, "duration", snap.Duration)

	if m.cfg.RetainFinished > 0 {
		id := s.id
		time.AfterFunc(m.cfg.RetainFinished, func() { m.forget(id) })
	}
}

func (m *Manager) publish(s *Session, typ events.Type, data any) {
	if _, err := m.events.Publish(s.id, typ, data); err != nil {
		m.logger.Debug("Event not published", "session_id", s.id, "type", typ, "error", err)
	}
}

func (m *Manager) updateActive() {
	m.metrics.SetActiveSessions(m.ActiveCount())
}

// normalizeResult makes sure a recordable result exists for the target and
// carries the error of a non-fatal runner failure.
func normalizeResult(ip string, result scanning.ScanResult, err error) scanning.ScanResult {
	if result.TargetIP == "" {
		if err != nil {
			return scanning.ErrorResult(ip, err.Error())
		}
		result.TargetIP = ip
	}
	if result.HostStatus == "" {
		result.HostStatus = scanning.HostDown
	}
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}
	return result
}

func outcome(r scanning.ScanResult) string {
	switch {
	case r.Error == scanning.ErrorTimeout:
		return metrics.OutcomeTimeout
	case r.Failed():
		return metrics.OutcomeError
	default:
		return metrics.OutcomeOK
	}
}
