package session

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/store"
)

// Session is one run of the scan queue over an ordered target list. Only the
// worker goroutine advances the cursor; everything else reads snapshots.
type Session struct {
	id          string
	projectID   string
	targets     []scanning.Target
	options     scanning.ScanOptions
	resumedFrom string
	createdAt   time.Time

	mu         sync.RWMutex
	status     store.Status
	cursor     int
	current    string
	errMsg     string
	started    bool
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc

	done chan struct{}
}

// Snapshot is a consistent read-only view of a session.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	ProjectID     string        `json:"project_id"`
	Status        store.Status  `json:"status"`
	Cursor        int           `json:"cursor"`
	Total         int           `json:"total"`
	CurrentTarget string        `json:"current_target,omitempty"`
	Error         string        `json:"error,omitempty"`
	ResumedFrom   string        `json:"resumed_from,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ProjectID returns the owning project.
func (s *Session) ProjectID() string { return s.projectID }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(time.Now())
}

func (s *Session) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:     s.id,
		ProjectID:     s.projectID,
		Status:        s.status,
		Cursor:        s.cursor,
		Total:         len(s.targets),
		CurrentTarget: s.current,
		Error:         s.errMsg,
		ResumedFrom:   s.resumedFrom,
		StartedAt:     s.startedAt,
	}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = s.createdAt
	}
	switch {
	case !s.finishedAt.IsZero():
		finished := s.finishedAt
		snap.FinishedAt = &finished
		snap.Duration = finished.Sub(snap.StartedAt)
	case s.started:
		snap.Duration = now.Sub(snap.StartedAt)
	}
	return snap
}

func (s *Session) active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == store.StatusRunning || s.status == store.StatusCancelling
}

func (s *Session) cancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == store.StatusCancelling
}

func (s *Session) setCurrent(ip string) {
	s.mu.Lock()
	s.current = ip
	s.mu.Unlock()
}

func (s *Session) advance(cursor int) {
	s.mu.Lock()
	s.cursor = cursor
	s.current = ""
	s.mu.Unlock()
}

func (s *Session) finish(status store.Status, errMsg string, at time.Time) {
	s.mu.Lock()
	s.status = status
	s.errMsg = errMsg
	s.current = ""
	s.finishedAt = at
	s.mu.Unlock()
}

func snapshotFromRecord(rec store.SessionRecord) Snapshot {
	snap := Snapshot{
		SessionID:   rec.ID,
		ProjectID:   rec.ProjectID,
		Status:      rec.Status,
		Cursor:      rec.Cursor,
		Total:       len(rec.Targets),
		Error:       rec.Error,
		ResumedFrom: rec.ResumedFrom,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if rec.FinishedAt != nil {
		snap.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	}
	return snap
}
