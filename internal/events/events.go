// Package events defines scan session events and the broadcaster that fans
// them out to live subscribers with replay for late joiners.
package events

import (
	"time"

	"github.com/anstrom/scanqueue/internal/scanning"
)

// Type identifies an event kind.
type Type string

const (
	TypeStarted    Type = "started"
	TypeProgress   Type = "progress"
	TypeHostResult Type = "host_result"
	TypeHostError  Type = "host_error"
	TypeCompleted  Type = "completed"
	TypeCancelled  Type = "cancelled"
	TypeFailed     Type = "failed"
)

// Terminal reports whether t ends a session stream.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeCancelled || t == TypeFailed
}

// Event is one entry of a session's ordered log. Seq starts at 1 and has no
// gaps within a session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Started is the payload of TypeStarted.
type Started struct {
	ProjectID    string `json:"project_id"`
	TotalTargets int    `json:"total_targets"`
}

// Progress is the payload of TypeProgress, published before each target.
type Progress struct {
	CurrentTarget string `json:"current_target"`
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	ETA           string `json:"eta"`
	Elapsed       string `json:"elapsed"`
}

// HostResult is the payload of TypeHostResult.
type HostResult struct {
	TargetIP  string              `json:"target_ip"`
	Result    scanning.ScanResult `json:"result"`
	Completed int                 `json:"completed"`
}

// HostError is the payload of TypeHostError, published before the
// host_result of a target whose scan failed.
type HostError struct {
	TargetIP string `json:"target_ip"`
	Message  string `json:"message"`
}

// Completed is the payload of TypeCompleted.
type Completed struct {
	TotalCompleted int `json:"total_completed"`
	Total          int `json:"total"`
}

// Cancelled is the payload of TypeCancelled.
type Cancelled struct {
	TotalCompleted int `json:"total_completed"`
}

// Failed is the payload of TypeFailed.
type Failed struct {
	TotalCompleted int    `json:"total_completed"`
	Error          string `json:"error"`
}
