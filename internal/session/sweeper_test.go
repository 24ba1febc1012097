package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/store"
)

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := NewSweeper(h.manager, "every now and then", time.Hour, logging.NewDiscard())
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration), "got %v", err)
}

func TestSweeper_CancelsOnlyOldSessions(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan string, 1)
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(blockUntilCancelled(started))

	id, _ := h.start(t, "proj", "10.0.0.1")
	receive(t, started)

	sw, err := NewSweeper(h.manager, "@every 1h", time.Hour, logging.NewDiscard())
	require.NoError(t, err)

	assert.Equal(t, 0, sw.Sweep())
	assert.Len(t, h.manager.Active(), 1)

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, sw.Sweep())
	assert.Equal(t, store.StatusCancelled, h.wait(t, id).Status)
	assert.Equal(t, 0, sw.Sweep())
}

func TestSweeper_DisabledWithoutMaxAge(t *testing.T) {
	h := newHarness(t, Config{})
	sw, err := NewSweeper(h.manager, "@every 1h", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sw.Sweep())
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t, Config{})
	sw, err := NewSweeper(h.manager, "@every 1s", time.Hour, logging.NewDiscard())
	require.NoError(t, err)

	sw.Start()
	done := make(chan struct{})
	go func() {
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("sweeper did not stop")
	}
}

func TestReconcileOrphans(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for id, status := range map[string]store.Status{
		"pending":    store.StatusPending,
		"running":    store.StatusRunning,
		"cancelling": store.StatusCancelling,
		"done":       store.StatusCompleted,
		"stopped":    store.StatusCancelled,
	} {
		require.NoError(t, mem.CreateSession(ctx, store.SessionRecord{
			ID:        id,
			ProjectID: "proj-" + id,
			Targets:   targetsOf("10.0.0.1"),
			Status:    status,
			StartedAt: time.Now().Add(-time.Minute),
		}))
	}

	n, err := ReconcileOrphans(ctx, mem, logging.NewDiscard())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"pending", "running", "cancelling"} {
		rec, err := mem.Session(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, rec.Status, id)
		assert.Equal(t, orphanedReason, rec.Error, id)
	}
	rec, err := mem.Session(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)

	prog, err := mem.LastProgress(ctx, "proj-running")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, []string{prog.Remaining()[0].IP}, "orphaned sessions stay resumable")

	n, err = ReconcileOrphans(ctx, mem, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
