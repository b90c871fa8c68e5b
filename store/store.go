package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChangeBuffer = 64

// Change describes one action that altered the state.
type Change struct {
	Sequence int64     `json:"sequence"`
	Action   string    `json:"action"`
	At       time.Time `json:"at"`
}

// Store is the single owner of State. All writes go through Dispatch.
type Store struct {
	mu    sync.RWMutex
	state State

	subMu       sync.RWMutex
	subscribers map[int64]*subscriber
	nextSubID   int64
	sequence    int64

	bufferSize int
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Store)

// WithLogger overrides the logger used for subscriber warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBufferSize sets the per-subscriber channel buffer. Values <= 0 keep the
// default.
func WithBufferSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultChangeBuffer,
		logger:      slog.Default().WithGroup("store"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type subscriber struct {
	id  int64
	ch  chan Change
	ctx context.Context
}

// Dispatch applies actions in order and returns the changes they produced.
// Actions that leave the state untouched produce no change.
func (s *Store) Dispatch(actions ...Action) []Change {
	var changes []Change

	s.mu.Lock()
	for _, action := range actions {
		if action == nil || !action.apply(&s.state) {
			continue
		}
		changes = append(changes, Change{
			Sequence: atomic.AddInt64(&s.sequence, 1),
			Action:   action.Name(),
			At:       s.now().UTC(),
		})
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.publish(change)
	}
	return changes
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe streams changes until ctx is done, after which the channel is
// closed. Slow subscribers lose changes instead of blocking Dispatch.
func (s *Store) Subscribe(ctx context.Context) (<-chan Change, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	sub := &subscriber{
		id:  atomic.AddInt64(&s.nextSubID, 1),
		ch:  make(chan Change, s.bufferSize),
		ctx: ctx,
	}

	s.subMu.Lock()
	s.subscribers[sub.id] = sub
	s.subMu.Unlock()

	go s.awaitCancellation(sub)

	return sub.ch, nil
}

func (s *Store) awaitCancellation(sub *subscriber) {
	<-sub.ctx.Done()

	s.subMu.Lock()
	if _, ok := s.subscribers[sub.id]; ok {
		delete(s.subscribers, sub.id)
		close(sub.ch)
	}
	s.subMu.Unlock()
}

func (s *Store) publish(change Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.ch <- change:
		default:
			s.logger.Warn("dropping state change; subscriber buffer full",
				slog.Int64("subscriber", sub.id),
				slog.String("action", change.Action),
			)
		}
	}
}
