package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
)

// ProcessSlots caps how many scanner processes run at once across all
// sessions. Each holder is identified by a key, usually the session id.
type ProcessSlots struct {
	capacity  int
	semaphore chan struct{}
	holders   map[string]time.Time
	mutex     sync.RWMutex
	closed    bool
}

// NewProcessSlots creates a limiter with the given capacity (minimum 1).
func NewProcessSlots(capacity int) *ProcessSlots {
	if capacity <= 0 {
		capacity = 1
	}
	return &ProcessSlots{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		holders:   make(map[string]time.Time),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *ProcessSlots) Acquire(ctx context.Context, key string) error {
	s.mutex.RLock()
	closed := s.closed
	s.mutex.RUnlock()
	if closed {
		return errors.NewScanError(errors.CodeCanceled, "process slots closed")
	}

	select {
	case s.semaphore <- struct{}{}:
		s.mutex.Lock()
		s.holders[key] = time.Now()
		s.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot held by key. Releasing an unknown key is a no-op.
func (s *ProcessSlots) Release(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.holders[key]; !ok {
		return
	}
	delete(s.holders, key)
	select {
	case <-s.semaphore:
	default:
	}
}

// InUse returns the number of held slots.
func (s *ProcessSlots) InUse() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.holders)
}

// Available returns the number of free slots.
func (s *ProcessSlots) Available() int {
	return s.capacity - s.InUse()
}

// Close rejects further acquisitions.
func (s *ProcessSlots) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
}
