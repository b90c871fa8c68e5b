// Package ws is the exchange WebSocket transport: it keeps one connection
// open, hands every text frame to a handler and sends subscriptions.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultMinReconnectDelay = 500 * time.Millisecond
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingInterval      = 30 * time.Second
	writeWait                = 10 * time.Second
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("ws: not connected")

// Handler receives every text frame.
type Handler func(ctx context.Context, raw []byte)

// Subscription is the outbound subscribe frame.
type Subscription struct {
	TraderAddr string `json:"traderAddr"`
	Symbol     string `json:"symbol"`
}

type Client struct {
	url     string
	dialer  *websocket.Dialer
	handler Handler
	logger  *slog.Logger

	onConnect    []func(context.Context)
	onDisconnect []func(error)

	minDelay     time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("ws")
		}
	}
}

// WithReconnectDelay bounds the delay between reconnect attempts. The delay
// starts at min and doubles up to max.
func WithReconnectDelay(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minDelay = min
		}
		if max >= c.minDelay {
			c.maxDelay = max
		}
	}
}

// WithPingInterval sets the keepalive ping period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// OnConnect registers fn to run after every successful dial.
func OnConnect(fn func(context.Context)) Option {
	return func(c *Client) {
		if fn != nil {
			c.onConnect = append(c.onConnect, fn)
		}
	}
}

// OnDisconnect registers fn to run whenever an open connection is lost.
func OnDisconnect(fn func(error)) Option {
	return func(c *Client) {
		if fn != nil {
			c.onDisconnect = append(c.onDisconnect, fn)
		}
	}
}

func New(url string, handler Handler, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialer:       websocket.DefaultDialer,
		handler:      handler,
		logger:       slog.Default().WithGroup("ws"),
		minDelay:     defaultMinReconnectDelay,
		maxDelay:     defaultMaxReconnectDelay,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run keeps a connection open until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	delay := c.minDelay
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("dial failed", slog.String("url", c.url), slog.Duration("retry_in", delay), slog.String("error", err.Error()))
		} else {
			delay = c.minDelay
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("connection lost", slog.Duration("retry_in", delay), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(connCtx, conn)
	}()

	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		wg.Wait()
	}()

	c.logger.Info("connected", slog.String("url", c.url))
	for _, fn := range c.onConnect {
		fn(ctx)
	}

	err := c.readLoop(ctx, conn)
	for _, fn := range c.onDisconnect {
		fn(err)
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		if c.handler != nil {
			c.handler(ctx, raw)
		}
	}
}

// keepalive pings the server and closes conn once ctx ends so the blocked
// read returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.mu.Unlock()
			conn.Close()
			return
		case <-tick:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Subscribe sends one subscription per symbol. trader may be empty for an
// anonymous market-data subscription.
func (c *Client) Subscribe(trader string, symbols []string) error {
	for _, sym := range symbols {
		if err := c.Send(Subscription{TraderAddr: trader, Symbol: sym}); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	c.logger.Debug("subscribed", slog.String("trader", trader), slog.Any("symbols", symbols))
	return nil
}
