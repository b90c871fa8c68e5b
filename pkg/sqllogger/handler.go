// Package sqllogger is a slog.Handler that hands records to a batch sink,
// typically a database table, from a background goroutine.
package sqllogger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer        = 256
	defaultBatchSize     = 32
	defaultFlushInterval = time.Second
)

var (
	ErrBufferFull = errors.New("sqllogger: buffer full")
	ErrClosed     = errors.New("sqllogger: handler closed")
)

// Entry is one persisted log line.
type Entry struct {
	Time     time.Time
	Level    slog.Level
	Scope    string
	Message  string
	Attrs    []byte
	File     string
	Line     int
	Function string
}

// Sink persists a batch of entries. It is only ever called from one
// goroutine.
type Sink func(context.Context, []Entry) error

type Option func(*config)

type config struct {
	level         slog.Leveler
	buffer        int
	batchSize     int
	flushInterval time.Duration
	onError       func(error)
}

// WithLevel sets the minimum level that reaches the sink.
func WithLevel(level slog.Leveler) Option {
	return func(c *config) {
		if level != nil {
			c.level = level
		}
	}
}

// WithBuffer sets how many entries may wait for the sink.
func WithBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithBatchSize caps the number of entries per sink call.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithErrorHandler receives sink failures. They are discarded otherwise.
func WithErrorHandler(fn func(error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// Handler is safe for concurrent use. Clones made by WithAttrs and WithGroup
// share the writer of their parent.
type Handler struct {
	w      *writer
	attrs  []slog.Attr
	groups []string
}

type writer struct {
	sink    Sink
	level   slog.Leveler
	onError func(error)

	entries       chan Entry
	batchSize     int
	flushInterval time.Duration

	closing  chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	inflight sync.WaitGroup
	dropped  atomic.Int64
}

func New(sink Sink, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("sqllogger: sink is required")
	}
	cfg := config{
		level:         slog.LevelInfo,
		buffer:        defaultBuffer,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &writer{
		sink:          sink,
		level:         cfg.level,
		onError:       cfg.onError,
		entries:       make(chan Entry, cfg.buffer),
		batchSize:     cfg.batchSize,
		flushInterval: cfg.flushInterval,
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.loop()
	return &Handler{w: w}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return h != nil && h.w != nil && level >= h.w.level.Level()
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}
	if h.w.closed.Load() {
		return ErrClosed
	}
	h.w.inflight.Add(1)
	defer h.w.inflight.Done()
	if h.w.closed.Load() {
		return ErrClosed
	}

	select {
	case h.w.entries <- h.entry(record):
		return nil
	default:
		h.w.dropped.Add(1)
		return ErrBufferFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := h.clone()
	clone.attrs = append(clone.attrs, nestAttrs(h.groups, attrs)...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

// Dropped counts records lost to a full buffer.
func (h *Handler) Dropped() int64 {
	return h.w.dropped.Load()
}

// Close stops accepting records and waits until everything buffered reached
// the sink or ctx ends.
func (h *Handler) Close(ctx context.Context) error {
	if h == nil || h.w == nil {
		return nil
	}
	if !h.w.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.w.inflight.Wait()
	close(h.w.closing)

	select {
	case <-h.w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) clone() *Handler {
	return &Handler{
		w:      h.w,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *Handler) entry(record slog.Record) Entry {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	e := Entry{
		Time:    at.UTC(),
		Level:   record.Level,
		Scope:   strings.Join(h.groups, "."),
		Message: record.Message,
	}
	if src := record.Source(); src != nil {
		e.File, e.Line, e.Function = src.File, src.Line, src.Function
	}

	attrs := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	var own []slog.Attr
	record.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	attrs = append(attrs, nestAttrs(h.groups, own)...)
	e.Attrs = encodeAttrs(attrs)
	return e
}

func (w *writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.sink(context.Background(), batch); err != nil && w.onError != nil {
			w.onError(err)
		}
		batch = make([]Entry, 0, w.batchSize)
	}

	for {
		select {
		case e := <-w.entries:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.closing:
			for {
				select {
				case e := <-w.entries:
					batch = append(batch, e)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
