package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/store"
)

// Store is the PostgreSQL implementation of store.Store. Appends take a
// transaction-scoped advisory lock on the project, so appends within a
// project are serialized while other projects proceed.
type Store struct {
	db *DB
}

var _ store.Store = (*Store)(nil)

// NewStore creates a PostgreSQL-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

type latestRow struct {
	sessionRow
	Total int `db:"total"`
}

const (
	insertSessionQuery = `
		INSERT INTO scan_sessions (id, project_id, targets, options, target_count, next_index,
			status, error, resumed_from, started_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)`

	lockProjectQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

	cursorQuery = `
		SELECT next_index, target_count FROM scan_sessions
		WHERE id = $1 AND project_id = $2
		FOR UPDATE`

	insertResultQuery = `
		INSERT INTO scan_results (project_id, session_id, target_index, target_ip, result)
		VALUES ($1, $2, $3, $4, $5)`

	advanceCursorQuery = `UPDATE scan_sessions SET next_index = $1 WHERE id = $2`

	updateStatusQuery = `
		UPDATE scan_sessions
		SET status = $2,
		    error = CASE WHEN $2 = 'completed' THEN '' WHEN $3 = '' THEN error ELSE $3 END,
		    finished_at = CASE WHEN $4 THEN NOW() ELSE finished_at END
		WHERE id = $1`

	latestSessionQuery = `
		SELECT ` + sessionColumns + `, COUNT(*) OVER () AS total
		FROM scan_sessions
		WHERE project_id = $1
		ORDER BY seq DESC
		LIMIT 1`

	latestResultsQuery = `
		SELECT DISTINCT ON (target_ip) project_id, session_id, target_index, result, created_at
		FROM scan_results
		WHERE project_id = $1
		ORDER BY target_ip, seq DESC`

	failStaleQuery = `
		UPDATE scan_sessions
		SET status = CASE WHEN next_index >= target_count THEN 'completed' ELSE 'failed' END,
		    error = CASE WHEN next_index >= target_count THEN '' ELSE $1 END,
		    finished_at = NOW()
		WHERE status IN ('pending', 'running', 'cancelling')
		  AND ($2::timestamptz IS NULL OR started_at < $2)`
)

// CreateSession implements store.Store.
func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	if rec.ID == "" || rec.ProjectID == "" {
		return errors.NewScanError(errors.CodeValidation, "session and project id are required")
	}
	targets, err := toJSONB(rec.Targets)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation, "encode targets", err)
	}
	options, err := toJSONB(rec.Options)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation, "encode options", err)
	}
	status := rec.Status
	if status == "" {
		status = store.StatusPending
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, insertSessionQuery,
		rec.ID, rec.ProjectID, targets, options, len(rec.Targets),
		string(status), rec.Error, rec.ResumedFrom, startedAt)
	return sanitizeDBError("create session", err)
}

// Append implements store.Store.
func (s *Store) Append(ctx context.Context, projectID, sessionID string, index int, result scanning.ScanResult) error {
	payload, err := toJSONB(result)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation, "encode result", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockProjectQuery, projectID); err != nil {
		return sanitizeDBError("lock project", err)
	}

	var cur struct {
		NextIndex   int `db:"next_index"`
		TargetCount int `db:"target_count"`
	}
	if err := tx.GetContext(ctx, &cur, cursorQuery, sessionID, projectID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.ErrSessionNotFound(sessionID)
		}
		return sanitizeDBError("read cursor", err)
	}
	if index != cur.NextIndex || index >= cur.TargetCount {
		return errors.NewScanError(errors.CodeConflict,
			fmt.Sprintf("append index %d does not match cursor %d of %d", index, cur.NextIndex, cur.TargetCount))
	}

	if _, err := tx.ExecContext(ctx, insertResultQuery, projectID, sessionID, index, result.TargetIP, payload); err != nil {
		return sanitizeDBError("insert result", err)
	}
	if _, err := tx.ExecContext(ctx, advanceCursorQuery, index+1, sessionID); err != nil {
		return sanitizeDBError("advance cursor", err)
	}
	return sanitizeDBError("commit append", tx.Commit())
}

// UpdateStatus implements store.Store.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status store.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, updateStatusQuery, sessionID, string(status), errMsg, status.Terminal())
	if err != nil {
		return sanitizeDBError("update session status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sanitizeDBError("update session status", err)
	}
	if n == 0 {
		return errors.ErrSessionNotFound(sessionID)
	}
	return nil
}

// Session implements store.Store.
func (s *Store) Session(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	var row sessionRow
	query := `SELECT ` + sessionColumns + ` FROM scan_sessions WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, sessionID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return store.SessionRecord{}, errors.ErrSessionNotFound(sessionID)
		}
		return store.SessionRecord{}, sanitizeDBError("get session", err)
	}
	return row.toRecord()
}

// ListSessions implements store.Store.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]store.SessionRecord, error) {
	var rows []sessionRow
	query := `SELECT ` + sessionColumns + ` FROM scan_sessions WHERE project_id = $1 ORDER BY seq`
	if err := s.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, sanitizeDBError("list sessions", err)
	}

	out := make([]store.SessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) latest(ctx context.Context, projectID string) (*latestRow, error) {
	var row latestRow
	if err := s.db.GetContext(ctx, &row, latestSessionQuery, projectID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, sanitizeDBError("get latest session", err)
	}
	return &row, nil
}

// Aggregate implements store.Store. Last-write-wins is resolved in SQL; Merge
// then orders the results and computes statistics.
func (s *Store) Aggregate(ctx context.Context, projectID string) (store.ProjectAggregate, error) {
	row, err := s.latest(ctx, projectID)
	if err != nil {
		return store.ProjectAggregate{}, err
	}
	if row == nil {
		return store.Merge(projectID, nil, 0, nil), nil
	}
	latest, err := row.toRecord()
	if err != nil {
		return store.ProjectAggregate{}, err
	}

	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, latestResultsQuery, projectID); err != nil {
		return store.ProjectAggregate{}, sanitizeDBError("aggregate results", err)
	}
	results := make([]store.ResultRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return store.ProjectAggregate{}, err
		}
		results = append(results, rec)
	}

	return store.Merge(projectID, &latest, row.Total, results), nil
}

// LastProgress implements store.Store.
func (s *Store) LastProgress(ctx context.Context, projectID string) (store.Progress, error) {
	row, err := s.latest(ctx, projectID)
	if err != nil {
		return store.Progress{}, err
	}
	if row == nil {
		return store.Progress{}, errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("project %s has no sessions", projectID))
	}
	rec, err := row.toRecord()
	if err != nil {
		return store.Progress{}, err
	}
	return store.ProgressOf(rec), nil
}

// FailStale implements store.Store.
func (s *Store) FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	cutoff := sql.NullTime{Time: olderThan, Valid: !olderThan.IsZero()}
	res, err := s.db.ExecContext(ctx, failStaleQuery, reason, cutoff)
	if err != nil {
		return 0, sanitizeDBError("fail stale sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("fail stale sessions", err)
	}
	return int(n), nil
}
