package events

import (
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
)

const defaultSubscriberBuffer = 256

// Config holds broadcaster settings.
type Config struct {
	// Live events a subscriber may fall behind before it is dropped.
	SubscriberBuffer int
	// How long a finished session's log stays available for replay.
	// Zero keeps it until Forget is called.
	RetainFinished time.Duration
}

// Broadcaster keeps an ordered event log per session and fans every new
// event out to the session's subscribers. Publish never blocks on a
// subscriber: one whose buffer is full is dropped and its channel closed.
type Broadcaster struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.RWMutex
	streams map[string]*stream
	nextID  uint64
}

type stream struct {
	mu       sync.Mutex
	log      []Event
	subs     map[uint64]*Subscription
	finished bool
}

// Subscription is one subscriber's view of a session stream. The channel is
// closed after the terminal event, on Close, or when the subscriber is
// dropped for falling behind.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan Event
	stream    *stream
	dropped   bool
}

// NewBroadcaster creates a broadcaster. m may be nil.
func NewBroadcaster(cfg Config, m *metrics.Metrics, logger *logging.Logger) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Broadcaster{
		cfg:     cfg,
		metrics: m,
		logger:  logger.WithComponent("events"),
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// Open registers a session stream. Opening an existing stream is a no-op.
func (b *Broadcaster) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sessionID]; !ok {
		b.streams[sessionID] = &stream{subs: make(map[uint64]*Subscription)}
	}
}

// Publish appends an event to the session log and delivers it to current
// subscribers. Publishing after the terminal event is rejected so a stream
// carries exactly one terminal event.
func (b *Broadcaster) Publish(sessionID string, typ Type, data any) (Event, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return Event{}, errors.ErrSessionNotFound(sessionID)
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return Event{}, errors.NewScanError(errors.CodeConflict, "session stream already finished")
	}

	ev := Event{
		Type:      typ,
		SessionID: sessionID,
		Seq:       uint64(len(s.log)) + 1,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	s.log = append(s.log, ev)

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			delete(s.subs, id)
			close(sub.ch)
			b.metrics.SubscriberDropped()
			b.logger.Warn("Dropped slow subscriber", "session_id", sessionID, "seq", ev.Seq)
		}
	}

	if typ.Terminal() {
		s.finished = true
		for id, sub := range s.subs {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	s.mu.Unlock()

	b.metrics.EventPublished(string(typ))
	if typ.Terminal() && b.cfg.RetainFinished > 0 {
		time.AfterFunc(b.cfg.RetainFinished, func() { b.Forget(sessionID) })
	}
	return ev, nil
}

// Subscribe returns a subscription that first yields every event already
// published for the session, then live events.
func (b *Broadcaster) Subscribe(sessionID string) (*Subscription, error) {
	s := b.lookup(sessionID)
	if s == nil {
		return nil, errors.ErrSessionNotFound(sessionID)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{
		id:        id,
		sessionID: sessionID,
		ch:        make(chan Event, len(s.log)+b.cfg.SubscriberBuffer),
		stream:    s,
	}
	for _, ev := range s.log {
		sub.ch <- ev
	}
	if s.finished {
		close(sub.ch)
		return sub, nil
	}
	s.subs[id] = sub
	return sub, nil
}

// Log returns a copy of the session's events so far.
func (b *Broadcaster) Log(sessionID string) []Event {
	s := b.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.log...)
}

// Forget drops a session log and closes any remaining subscriptions.
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	s, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Sessions returns the number of retained session logs.
func (b *Broadcaster) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

func (b *Broadcaster) lookup(sessionID string) *stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[sessionID]
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped reports whether the subscription was closed for falling behind.
// A dropped subscriber may subscribe again and skip events by Seq.
func (s *Subscription) Dropped() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once and concurrently
// with Publish.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if _, ok := s.stream.subs[s.id]; ok {
		delete(s.stream.subs, s.id)
		close(s.ch)
	}
}
