package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/scanning"
)

// Memory is a process-local Store. Each project has its own lock, so
// appends to one project never wait on another.
type Memory struct {
	now func() time.Time

	mu       sync.RWMutex
	projects map[string]*projectLog
	sessions map[string]string // session ID -> project ID
}

type projectLog struct {
	mu       sync.Mutex
	sessions []*SessionRecord
	results  []ResultRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		projects: make(map[string]*projectLog),
		sessions: make(map[string]string),
	}
}

func (m *Memory) project(projectID string, create bool) *projectLog {
	m.mu.RLock()
	p, ok := m.projects[projectID]
	m.mu.RUnlock()
	if ok || !create {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.projects[projectID]; !ok {
		p = &projectLog{}
		m.projects[projectID] = p
	}
	return p
}

func (m *Memory) sessionProject(sessionID string) (*projectLog, bool) {
	m.mu.RLock()
	projectID, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.project(projectID, false), true
}

func (p *projectLog) find(sessionID string) *SessionRecord {
	for _, s := range p.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

// CreateSession implements Store.
func (m *Memory) CreateSession(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" || rec.ProjectID == "" {
		return errors.NewScanError(errors.CodeValidation, "session and project id are required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[rec.ID]; exists {
		m.mu.Unlock()
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("session %s already exists", rec.ID))
	}
	m.sessions[rec.ID] = rec.ProjectID
	m.mu.Unlock()

	p := m.project(rec.ProjectID, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := cloneSession(rec)
	stored.Cursor = 0
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = m.now().UTC()
	}
	p.sessions = append(p.sessions, &stored)
	return nil
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, projectID, sessionID string, index int, result scanning.ScanResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := m.project(projectID, false)
	if p == nil {
		return errors.ErrSessionNotFound(sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.find(sessionID)
	if s == nil {
		return errors.ErrSessionNotFound(sessionID)
	}
	if index != s.Cursor || index >= len(s.Targets) {
		return errors.NewScanError(errors.CodeConflict,
			fmt.Sprintf("append index %d does not match cursor %d of %d", index, s.Cursor, len(s.Targets)))
	}

	p.results = append(p.results, ResultRecord{
		ProjectID: projectID,
		SessionID: sessionID,
		Index:     index,
		Result:    result,
		CreatedAt: m.now().UTC(),
	})
	s.Cursor = index + 1
	return nil
}

// UpdateStatus implements Store.
func (m *Memory) UpdateStatus(ctx context.Context, sessionID string, status Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := m.sessionProject(sessionID)
	if !ok || p == nil {
		return errors.ErrSessionNotFound(sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(sessionID)
	if s == nil {
		return errors.ErrSessionNotFound(sessionID)
	}
	applyStatus(s, status, errMsg, m.now().UTC())
	return nil
}

func applyStatus(s *SessionRecord, status Status, errMsg string, now time.Time) {
	s.Status = status
	switch {
	case status == StatusCompleted:
		s.Error = ""
	case errMsg != "":
		s.Error = errMsg
	}
	if status.Terminal() {
		s.FinishedAt = &now
	}
}

// Session implements Store.
func (m *Memory) Session(ctx context.Context, sessionID string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	p, ok := m.sessionProject(sessionID)
	if !ok || p == nil {
		return SessionRecord{}, errors.ErrSessionNotFound(sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(sessionID)
	if s == nil {
		return SessionRecord{}, errors.ErrSessionNotFound(sessionID)
	}
	return cloneSession(*s), nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(ctx context.Context, projectID string) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []SessionRecord{}
	p := m.project(projectID, false)
	if p == nil {
		return out, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		out = append(out, cloneSession(*s))
	}
	return out, nil
}

// Aggregate implements Store.
func (m *Memory) Aggregate(ctx context.Context, projectID string) (ProjectAggregate, error) {
	if err := ctx.Err(); err != nil {
		return ProjectAggregate{}, err
	}
	p := m.project(projectID, false)
	if p == nil {
		return Merge(projectID, nil, 0, nil), nil
	}

	p.mu.Lock()
	results := append([]ResultRecord(nil), p.results...)
	var latest *SessionRecord
	if n := len(p.sessions); n > 0 {
		last := cloneSession(*p.sessions[n-1])
		latest = &last
	}
	count := len(p.sessions)
	p.mu.Unlock()

	return Merge(projectID, latest, count, results), nil
}

// LastProgress implements Store.
func (m *Memory) LastProgress(ctx context.Context, projectID string) (Progress, error) {
	if err := ctx.Err(); err != nil {
		return Progress{}, err
	}
	p := m.project(projectID, false)
	if p == nil {
		return Progress{}, errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("project %s has no sessions", projectID))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return Progress{}, errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("project %s has no sessions", projectID))
	}
	return ProgressOf(cloneSession(*p.sessions[len(p.sessions)-1])), nil
}

// ProgressOf reports where a session stopped.
func ProgressOf(s SessionRecord) Progress {
	return Progress{
		ProjectID: s.ProjectID,
		SessionID: s.ID,
		Cursor:    s.Cursor,
		Total:     len(s.Targets),
		Status:    s.Status,
		Targets:   s.Targets,
		Options:   s.Options,
	}
}

// FailStale implements Store.
func (m *Memory) FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	logs := make([]*projectLog, 0, len(m.projects))
	for _, p := range m.projects {
		logs = append(logs, p)
	}
	m.mu.RUnlock()

	now := m.now().UTC()
	changed := 0
	for _, p := range logs {
		p.mu.Lock()
		for _, s := range p.sessions {
			if !s.Status.Active() {
				continue
			}
			if !olderThan.IsZero() && !s.StartedAt.Before(olderThan) {
				continue
			}
			if s.Cursor >= len(s.Targets) {
				applyStatus(s, StatusCompleted, "", now)
			} else {
				applyStatus(s, StatusFailed, reason, now)
			}
			changed++
		}
		p.mu.Unlock()
	}
	return changed, nil
}

func cloneSession(s SessionRecord) SessionRecord {
	out := s
	out.Targets = make([]scanning.Target, len(s.Targets))
	for i, t := range s.Targets {
		out.Targets[i] = scanning.Target{IP: t.IP, Ports: append([]int(nil), t.Ports...)}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
