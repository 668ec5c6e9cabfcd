// Package bus wraps a NATS connection with the circuit-breaker-aware
// lifecycle, health monitoring, and reconnect handling the runtime needs,
// extended with header-aware publish/subscribe so the Trace-context Helper
// can carry W3C trace fields on the wire. Grounded on the teacher's
// natsclient.Client almost directly; the KV-bucket and JetStream
// key-value surface is trimmed since the Config Watcher in this runtime is
// file-based rather than NATS-KV-backed (see DESIGN.md).
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	coreerrors "github.com/c360/src/internal/errors"
)

// ConnectionStatus mirrors the circuit-breaker-aware connection state
// machine.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Handler processes one inbound message body on a NATS-owned goroutine. It
// must not block: extract headers, start a span, submit to the worker
// pool, return.
type Handler func(ctx context.Context, msg *nats.Msg)

// Client wraps a *nats.Conn with circuit-breaker failure tracking and
// optional JetStream durable-stream access.
type Client struct {
	url  string
	name string

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	status atomic.Int32

	failures         atomic.Int32
	circuitThreshold int32
	maxReconnects    int
	reconnectWait    time.Duration
	pingInterval     time.Duration

	publishMu sync.Mutex

	onDisconnect func(error)
	onReconnect  func()
	onClosed     func()

	healthTicker *time.Ticker
	healthDone   chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCircuitBreakerThreshold sets the consecutive-failure count that trips
// the circuit open.
func WithCircuitBreakerThreshold(n int32) Option {
	return func(c *Client) { c.circuitThreshold = n }
}

// WithMaxReconnects configures nats.go's reconnect attempt cap.
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait configures the delay between nats.go reconnect
// attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithName sets the connection's visible client name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithDisconnectCallback registers a callback invoked on disconnect.
func WithDisconnectCallback(fn func(error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// WithReconnectCallback registers a callback invoked on reconnect.
func WithReconnectCallback(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// WithClosedCallback registers a callback invoked when the connection is
// permanently closed.
func WithClosedCallback(fn func()) Option {
	return func(c *Client) { c.onClosed = fn }
}

// New creates a Client for the given NATS URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:              url,
		circuitThreshold: 5,
		maxReconnects:    10,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(int32(StatusDisconnected))
	return c
}

// Status returns the client's current circuit-breaker-aware status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// Connect dials the NATS server and installs reconnect/disconnect/closed
// handlers. It fails fast if the circuit is currently open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return coreerrors.WrapTransient(coreerrors.ErrCircuitOpen, "bus.Client", "Connect", "circuit breaker open")
	}

	c.status.Store(int32(StatusConnecting))

	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(int32(StatusReconnecting))
			c.recordFailure()
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.status.Store(int32(StatusConnected))
			c.failures.Store(0)
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(int32(StatusDisconnected))
			if c.onClosed != nil {
				c.onClosed()
			}
		}),
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		c.status.Store(int32(StatusDisconnected))
		c.recordFailure()
		return coreerrors.WrapTransient(err, "bus.Client", "Connect", "dial nats server")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.status.Store(int32(StatusConnected))
	c.failures.Store(0)
	return nil
}

// EnableJetStream attaches a JetStream context to the connection. Callers
// that don't need a durable layer can skip calling this.
func (c *Client) EnableJetStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return coreerrors.WrapFatal(coreerrors.ErrNoConnection, "bus.Client", "EnableJetStream", "connect before enabling jetstream")
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		return coreerrors.WrapFatal(err, "bus.Client", "EnableJetStream", "create jetstream context")
	}
	c.js = js
	return nil
}

// JetStream returns the attached JetStream context, or nil if
// EnableJetStream was never called.
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

func (c *Client) recordFailure() {
	n := c.failures.Add(1)
	if n >= c.circuitThreshold {
		c.status.Store(int32(StatusCircuitOpen))
	}
}

// Publish sends a header-less message on the fast path.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return coreerrors.WrapTransient(coreerrors.ErrNoConnection, "bus.Client", "Publish", "not connected")
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return coreerrors.WrapTransient(err, "bus.Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// PublishWithHeaders sends a message carrying NATS headers, used on the
// traced publish path to propagate W3C trace context.
func (c *Client) PublishWithHeaders(_ context.Context, subject string, headers nats.Header, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return coreerrors.WrapTransient(coreerrors.ErrNoConnection, "bus.Client", "PublishWithHeaders", "not connected")
	}

	msg := &nats.Msg{Subject: subject, Header: headers, Data: data}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if err := conn.PublishMsg(msg); err != nil {
		c.recordFailure()
		return coreerrors.WrapTransient(err, "bus.Client", "PublishWithHeaders", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Subscribe registers handler on subject. The callback runs on a
// NATS-owned goroutine and must not block.
func (c *Client) Subscribe(subject string, handler Handler) (*nats.Subscription, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, coreerrors.WrapTransient(coreerrors.ErrNoConnection, "bus.Client", "Subscribe", "not connected")
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(context.Background(), msg)
	})
	if err != nil {
		return nil, coreerrors.WrapTransient(err, "bus.Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}
	return sub, nil
}

// Close idempotently drains and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			conn.Close()
			return coreerrors.WrapTransient(err, "bus.Client", "Close", "drain connection")
		}
	case <-ctx.Done():
		conn.Close()
	}

	c.status.Store(int32(StatusDisconnected))
	return nil
}

// RTT measures current round-trip time to the server, for health
// reporting.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return 0, coreerrors.WrapTransient(coreerrors.ErrNoConnection, "bus.Client", "RTT", "not connected")
	}
	return conn.RTT()
}

// StartHealthMonitoring runs a periodic RTT probe and invokes onSample with
// each measurement (or an error) until StopHealthMonitoring is called.
func (c *Client) StartHealthMonitoring(interval time.Duration, onSample func(time.Duration, error)) {
	c.healthTicker = time.NewTicker(interval)
	c.healthDone = make(chan struct{})

	go func() {
		for {
			select {
			case <-c.healthDone:
				return
			case <-c.healthTicker.C:
				rtt, err := c.RTT()
				onSample(rtt, err)
			}
		}
	}()
}

// StopHealthMonitoring halts the periodic RTT probe started by
// StartHealthMonitoring.
func (c *Client) StopHealthMonitoring() {
	if c.healthTicker != nil {
		c.healthTicker.Stop()
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
