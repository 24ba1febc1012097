// Package store defines the durable result log behind scan sessions and the
// project aggregation built on top of it.
package store

import (
	"context"
	"time"

	"github.com/anstrom/scanqueue/internal/scanning"
)

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Active reports whether a worker may still own the session.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusCancelling
}

// AggregateStatus tells whether every target of the latest session was scanned.
type AggregateStatus string

const (
	AggregateComplete   AggregateStatus = "complete"
	AggregateIncomplete AggregateStatus = "incomplete"
)

// SessionRecord is the persisted header of one scan session.
type SessionRecord struct {
	ID          string               `json:"session_id" db:"id"`
	ProjectID   string               `json:"project_id" db:"project_id"`
	Targets     []scanning.Target    `json:"targets"`
	Options     scanning.ScanOptions `json:"options"`
	Cursor      int                  `json:"cursor" db:"cursor"`
	Status      Status               `json:"status" db:"status"`
	Error       string               `json:"error,omitempty" db:"error"`
	ResumedFrom string               `json:"resumed_from,omitempty" db:"resumed_from"`
	StartedAt   time.Time            `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty" db:"finished_at"`
}

// ResultRecord is one appended result.
type ResultRecord struct {
	ProjectID string              `json:"project_id"`
	SessionID string              `json:"session_id"`
	Index     int                 `json:"index"`
	Result    scanning.ScanResult `json:"result"`
	CreatedAt time.Time           `json:"created_at"`
}

// Progress is where the latest session of a project stopped.
type Progress struct {
	ProjectID string               `json:"project_id"`
	SessionID string               `json:"session_id"`
	Cursor    int                  `json:"cursor"`
	Total     int                  `json:"total"`
	Status    Status               `json:"status"`
	Targets   []scanning.Target    `json:"targets"`
	Options   scanning.ScanOptions `json:"options"`
}

// Remaining returns the targets after the cursor.
func (p Progress) Remaining() []scanning.Target {
	if p.Cursor >= len(p.Targets) {
		return []scanning.Target{}
	}
	return append([]scanning.Target(nil), p.Targets[p.Cursor:]...)
}

// ProjectAggregate is the merged view of every session of a project.
type ProjectAggregate struct {
	ProjectID  string                `json:"project_id"`
	ScanStatus AggregateStatus       `json:"scan_status"`
	Sessions   int                   `json:"sessions"`
	Results    []scanning.ScanResult `json:"results"`
	Statistics Statistics            `json:"statistics"`
}

// Statistics summarises an aggregate.
type Statistics struct {
	TotalHostsScanned int           `json:"total_hosts_scanned"`
	HostsUp           int           `json:"hosts_up"`
	HostsDown         int           `json:"hosts_down"`
	TotalOpenPorts    int           `json:"total_open_ports"`
	UniqueServices    []string      `json:"unique_services"`
	OSDetected        []OSDetection `json:"os_detected"`

	// Hosts whose latest scan was stopped by a cancel. Resume does not
	// rescan them.
	Interrupted []string `json:"interrupted"`
}

// OSDetection pairs a host with its best OS match.
type OSDetection struct {
	IP string `json:"ip"`
	OS string `json:"os"`
}

// Store is the append-only result log. Append must be durable before it
// returns and must serialize appends per project without blocking others.
type Store interface {
	// CreateSession persists a new session header with cursor 0.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// Append records the result for targets[index] and advances the cursor
	// to index+1 in one step. index must equal the current cursor.
	Append(ctx context.Context, projectID, sessionID string, index int, result scanning.ScanResult) error

	// UpdateStatus sets the session status. Terminal statuses also set
	// FinishedAt. errMsg is kept for failed sessions; completed clears it.
	UpdateStatus(ctx context.Context, sessionID string, status Status, errMsg string) error

	// Session returns one session header.
	Session(ctx context.Context, sessionID string) (SessionRecord, error)

	// ListSessions returns a project's sessions, oldest first.
	ListSessions(ctx context.Context, projectID string) ([]SessionRecord, error)

	// Aggregate merges every session of the project.
	Aggregate(ctx context.Context, projectID string) (ProjectAggregate, error)

	// LastProgress reports the cursor of the project's latest session.
	LastProgress(ctx context.Context, projectID string) (Progress, error)

	// FailStale ends sessions older than olderThan that are still active
	// and returns how many were changed. Sessions whose cursor reached the
	// end are marked completed, the rest failed with reason. A zero
	// olderThan matches every active session.
	FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error)
}
