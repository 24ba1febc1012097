package scanning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSlots_Exhaustion(t *testing.T) {
	s := NewProcessSlots(2)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "a"))
	require.NoError(t, s.Acquire(ctx, "b"))
	assert.Equal(t, 0, s.Available())

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(waitCtx, "c"), context.DeadlineExceeded)

	s.Release("a")
	assert.Equal(t, 1, s.InUse())
	require.NoError(t, s.Acquire(ctx, "c"))
}

func TestProcessSlots_ReleaseUnknownIsNoop(t *testing.T) {
	s := NewProcessSlots(1)
	require.NoError(t, s.Acquire(context.Background(), "a"))

	s.Release("zzz")
	s.Release("a")
	s.Release("a")

	assert.Equal(t, 1, s.Available())
}

func TestProcessSlots_WaiterUnblocks(t *testing.T) {
	s := NewProcessSlots(1)
	require.NoError(t, s.Acquire(context.Background(), "first"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Acquire(context.Background(), "second"))
	}()

	time.Sleep(20 * time.Millisecond)
	s.Release("first")
	wg.Wait()
	assert.Equal(t, 1, s.InUse())
}

func TestProcessSlots_Closed(t *testing.T) {
	s := NewProcessSlots(0)
	s.Close()
	assert.Error(t, s.Acquire(context.Background(), "a"))
}
