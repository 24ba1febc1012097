package session

import (
	"context"
	"fmt"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/store"
)

// Resumer continues a project from the cursor of its latest session. The
// store's cursor is the only source of the resume point.
type Resumer struct {
	store   store.Store
	manager *Manager
}

// NewResumer creates a resume controller.
func NewResumer(st store.Store, manager *Manager) *Resumer {
	return &Resumer{store: st, manager: manager}
}

// Resume starts a new session over the targets the latest session of the
// project did not reach, with the same options, and returns its id. The
// project stays reserved until the new session has started, so concurrent
// resumes of one project start at most one session.
func (r *Resumer) Resume(ctx context.Context, projectID string) (string, error) {
	release, err := r.manager.reserve(projectID)
	if err != nil {
		return "", err
	}
	defer release()

	prog, err := r.store.LastProgress(ctx, projectID)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			return "", errors.NewScanError(errors.CodeNothingToResume,
				fmt.Sprintf("project %s has no sessions", projectID))
		}
		return "", err
	}

	// Still active in the store but not in this process: another process
	// owns it, or died without reconciling.
	if prog.Status.Active() {
		return "", errors.NewScanError(errors.CodeAlreadyRunning,
			fmt.Sprintf("session %s of project %s is %s in another process", prog.SessionID, projectID, prog.Status))
	}

	remaining := prog.Remaining()
	if prog.Status == store.StatusCompleted || len(remaining) == 0 {
		return "", errors.NewScanError(errors.CodeNothingToResume,
			fmt.Sprintf("project %s has no unscanned targets", projectID))
	}

	s, err := r.manager.Create(ctx, projectID, remaining, prog.Options, prog.SessionID)
	if err != nil {
		return "", err
	}
	if err := r.manager.Start(ctx, s.ID()); err != nil {
		return "", err
	}

	r.manager.logger.InfoSession("Session resumed", s.ID(), "project_id", projectID,
		"resumed_from", prog.SessionID, "skipped", prog.Cursor, "remaining", len(remaining))
	return s.ID(), nil
}
