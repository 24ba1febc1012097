package session

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/store"
)

const orphanedReason = "abandoned: no process owns this session"

// Sweeper periodically cancels sessions that have been running longer than
// the configured maximum age.
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
	maxAge  time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewSweeper schedules Sweep on a cron spec such as "@every 10m".
func NewSweeper(manager *Manager, schedule string, maxAge time.Duration, logger *logging.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sweeper{
		cron:    cron.New(),
		manager: manager,
		maxAge:  maxAge,
		logger:  logger.WithComponent("sweeper"),
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "invalid stale session schedule", err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep cancels active sessions older than the maximum age and returns how
// many were cancelled.
func (s *Sweeper) Sweep() int {
	if s.maxAge <= 0 {
		return 0
	}
	now := s.now()
	cutoff := now.Add(-s.maxAge)

	cancelled := 0
	for _, snap := range s.manager.Active() {
		if !snap.StartedAt.Before(cutoff) {
			continue
		}
		if s.manager.Cancel(snap.SessionID) {
			cancelled++
			s.logger.Warn("Cancelled session exceeding max age", "session_id", snap.SessionID,
				"project_id", snap.ProjectID, "age", now.Sub(snap.StartedAt))
		}
	}
	return cancelled
}

// ReconcileOrphans ends every session persisted as pending, running or
// cancelling. Sessions that recorded all their targets become completed, the
// rest failed and resumable from their cursor. Only call it when no other
// process can be running sessions against the same store.
func ReconcileOrphans(ctx context.Context, st store.Store, logger *logging.Logger) (int, error) {
	n, err := st.FailStale(ctx, time.Time{}, orphanedReason)
	if err != nil {
		return 0, err
	}
	if n > 0 && logger != nil {
		logger.Warn("Reconciled orphaned sessions", "count", n)
	}
	return n, nil
}
