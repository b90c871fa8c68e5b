package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/store"
)

const defaultStreamBuffer = 64

// EventType names an SSE frame.
type EventType string

const (
	EventSnapshot        EventType = "snapshot"
	EventChange          EventType = "change"
	EventCancelConfirmed EventType = "cancel_confirmed"
	EventCancelFailed    EventType = "cancel_failed"
)

// Event is one frame of the state stream.
type Event struct {
	Sequence int64           `json:"sequence"`
	Type     EventType       `json:"type"`
	At       time.Time       `json:"at"`
	Change   *store.Change   `json:"change,omitempty"`
	State    *store.State    `json:"state,omitempty"`
	Order    *perpsync.Order `json:"order,omitempty"`
	TxHash   string          `json:"txHash,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StreamController fans events out to SSE subscribers. It also receives the
// outcome of cancellations.
type StreamController struct {
	mu          sync.RWMutex
	subscribers map[int64]*streamSubscriber
	nextSubID   int64
	sequence    int64
	logger      *slog.Logger
	bufferSize  int
	now         func() time.Time
}

type StreamControllerOption func(*StreamController)

func WithStreamLogger(logger *slog.Logger) StreamControllerOption {
	return func(c *StreamController) {
		if logger != nil {
			c.logger = logger.WithGroup("stream")
		}
	}
}

// WithStreamBufferSize sets the per-subscriber buffer. Values <= 0 keep the
// default.
func WithStreamBufferSize(size int) StreamControllerOption {
	return func(c *StreamController) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func NewStreamController(opts ...StreamControllerOption) *StreamController {
	c := &StreamController{
		subscribers: make(map[int64]*streamSubscriber),
		bufferSize:  defaultStreamBuffer,
		logger:      slog.Default().WithGroup("stream"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type streamSubscriber struct {
	id  int64
	ch  chan Event
	ctx context.Context
}

// Subscribe returns a channel of events that closes when ctx ends.
func (c *StreamController) Subscribe(ctx context.Context) (<-chan Event, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	sub := &streamSubscriber{
		id:  atomic.AddInt64(&c.nextSubID, 1),
		ch:  make(chan Event, c.bufferSize),
		ctx: ctx,
	}

	c.mu.Lock()
	c.subscribers[sub.id] = sub
	c.mu.Unlock()

	go c.awaitCancellation(sub)
	return sub.ch, nil
}

func (c *StreamController) awaitCancellation(sub *streamSubscriber) {
	<-sub.ctx.Done()

	c.mu.Lock()
	if _, ok := c.subscribers[sub.id]; ok {
		delete(c.subscribers, sub.id)
		close(sub.ch)
	}
	c.mu.Unlock()
}

// Publish stamps evt with the next sequence and delivers it to every
// subscriber with room in its buffer.
func (c *StreamController) Publish(evt Event) {
	evt.Sequence = atomic.AddInt64(&c.sequence, 1)
	if evt.At.IsZero() {
		evt.At = c.now().UTC()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subscribers {
		select {
		case sub.ch <- evt:
		default:
			c.logger.Warn("dropping stream event; subscriber buffer full",
				slog.Int64("subscriber", sub.id),
				slog.String("type", string(evt.Type)),
			)
		}
	}
}

// CancelConfirmed publishes a confirmed cancellation.
func (c *StreamController) CancelConfirmed(order perpsync.Order, txHash string) {
	c.Publish(Event{Type: EventCancelConfirmed, Order: &order, TxHash: txHash})
}

// CancelFailed publishes a failed cancellation.
func (c *StreamController) CancelFailed(order perpsync.Order, err error) {
	evt := Event{Type: EventCancelFailed, Order: &order}
	if err != nil {
		evt.Error = err.Error()
	}
	c.Publish(evt)
}

// ForwardChanges republishes every change of st, with the state it led to,
// until ctx ends.
func (c *StreamController) ForwardChanges(ctx context.Context, st *store.Store) error {
	changes, err := st.Subscribe(ctx)
	if err != nil {
		return err
	}
	for change := range changes {
		state := st.Snapshot()
		c.Publish(Event{Type: EventChange, At: change.At, Change: &change, State: &state})
	}
	return nil
}

// Flush closes every subscriber channel.
func (c *StreamController) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.subscribers {
		close(sub.ch)
		delete(c.subscribers, id)
	}
}
