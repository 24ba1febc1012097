package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/store"
)

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

func toJSONB(v any) (JSONB, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(b), nil
}

// sessionRow maps the scan_sessions table.
type sessionRow struct {
	ID          string     `db:"id"`
	ProjectID   string     `db:"project_id"`
	Targets     JSONB      `db:"targets"`
	Options     JSONB      `db:"options"`
	TargetCount int        `db:"target_count"`
	NextIndex   int        `db:"next_index"`
	Status      string     `db:"status"`
	Error       string     `db:"error"`
	ResumedFrom string     `db:"resumed_from"`
	StartedAt   time.Time  `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

const sessionColumns = `id, project_id, targets, options, target_count, next_index,
	status, error, resumed_from, started_at, finished_at`

func (r sessionRow) toRecord() (store.SessionRecord, error) {
	rec := store.SessionRecord{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Cursor:      r.NextIndex,
		Status:      store.Status(r.Status),
		Error:       r.Error,
		ResumedFrom: r.ResumedFrom,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Targets:     []scanning.Target{},
	}
	if len(r.Targets) > 0 {
		if err := json.Unmarshal(r.Targets, &rec.Targets); err != nil {
			return store.SessionRecord{}, fmt.Errorf("decode targets of session %s: %w", r.ID, err)
		}
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &rec.Options); err != nil {
			return store.SessionRecord{}, fmt.Errorf("decode options of session %s: %w", r.ID, err)
		}
	}
	return rec, nil
}

// resultRow maps the scan_results table.
type resultRow struct {
	ProjectID   string    `db:"project_id"`
	SessionID   string    `db:"session_id"`
	TargetIndex int       `db:"target_index"`
	Result      JSONB     `db:"result"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r resultRow) toRecord() (store.ResultRecord, error) {
	rec := store.ResultRecord{
		ProjectID: r.ProjectID,
		SessionID: r.SessionID,
		Index:     r.TargetIndex,
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Result, &rec.Result); err != nil {
		return store.ResultRecord{}, fmt.Errorf("decode result %s/%d: %w", r.SessionID, r.TargetIndex, err)
	}
	return rec, nil
}
