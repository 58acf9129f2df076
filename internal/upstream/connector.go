// Package upstream maintains the single connection to the flashblocks
// source and turns its frames into a sequential stream of decoded events.
// It reconnects on its own after the first successful connect, injecting a
// discontinuity marker into the stream so downstream components know a gap
// may have occurred.
package upstream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the upstream.
	maxMessageSize = 32 * 1024 * 1024 // 32MB
)

// Config controls connection and reconnection behavior.
type Config struct {
	URL string

	// BackoffMin/BackoffMax bound the exponential reconnect delay.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxRetries is the number of consecutive failed redials tolerated
	// before Run gives up with ErrUpstreamUnavailable.
	MaxRetries int

	// DialRatePerSec caps dial attempts globally, independent of backoff.
	DialRatePerSec int

	// EventBuffer is the capacity of the decoded event channel.
	EventBuffer int

	// PingInterval is how often a ping is sent to the upstream; PongWait
	// is how long a silent connection is tolerated before it is torn down.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Connector owns the upstream connection. Connect must succeed once before
// Run; after that all reconnection is internal.
type Connector struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	events    chan flashblocks.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn

	connected  atomic.Bool
	reconnects atomic.Uint64
	malformed  atomic.Uint64

	logger *zap.Logger
}

// New creates a Connector. No network activity happens until Connect.
func New(cfg Config, logger *zap.Logger) *Connector {
	return &Connector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), cfg.DialRatePerSec),
		events:  make(chan flashblocks.Event, cfg.EventBuffer),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

// Connect performs the initial dial. It does not retry; the caller decides
// whether a failed first connect is fatal.
func (c *Connector) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	c.setConn(conn)
	c.connected.Store(true)
	c.logger.Info("connected to flashblocks upstream", zap.String("url", c.cfg.URL))
	return nil
}

// Events is the decoded event stream. The channel stays open across
// reconnects; consumers should select on it together with their own
// cancellation.
func (c *Connector) Events() <-chan flashblocks.Event {
	return c.events
}

// Run consumes frames until ctx is cancelled, Close is called, or the
// upstream stays unreachable beyond the retry ceiling. In the last case it
// returns ErrUpstreamUnavailable.
func (c *Connector) Run(ctx context.Context) error {
	conn := c.takeConn()
	if conn == nil {
		return fmt.Errorf("%w: no connection, call Connect first", ErrConnectFailed)
	}

	for {
		err := c.consume(ctx, conn)
		conn.Close()
		c.connected.Store(false)

		if ctx.Err() != nil || c.isClosed() {
			return nil
		}

		c.logger.Warn("upstream connection lost", zap.Error(err))
		c.emit(ctx, flashblocks.Event{Discontinuity: true, ReceivedAt: time.Now()})

		conn, err = c.redial(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || c.isClosed() {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		c.setConn(conn)
		c.connected.Store(true)
		c.reconnects.Add(1)
		c.logger.Info("reconnected to flashblocks upstream",
			zap.Uint64("reconnects", c.reconnects.Load()),
		)
	}
}

// Close releases the transport and stops Run. Idempotent.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// Connected reports whether a live upstream connection is held.
func (c *Connector) Connected() bool { return c.connected.Load() }

// Reconnects reports how many times the connection was re-established.
func (c *Connector) Reconnects() uint64 { return c.reconnects.Load() }

// MalformedFrames reports how many undecodable frames were dropped.
func (c *Connector) MalformedFrames() uint64 { return c.malformed.Load() }

// consume reads frames from one connection until it fails. A keepalive
// goroutine pings the peer and tears the connection down on cancellation
// so the blocking read returns.
func (c *Connector) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(ctx, conn, stop)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var fb *flashblocks.Flashblock
		switch msgType {
		case websocket.TextMessage:
			fb, err = flashblocks.Decode(data)
		case websocket.BinaryMessage:
			fb, err = flashblocks.DecodeCompressed(data)
		default:
			continue
		}
		if err != nil {
			c.malformed.Add(1)
			c.logger.Debug("dropping malformed frame",
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
			continue
		}

		delivered := c.emit(ctx, flashblocks.Event{
			BlockNumber: fb.Metadata.BlockNumber,
			Index:       fb.Index,
			Payload:     fb,
			ReceivedAt:  time.Now(),
		})
		if !delivered {
			return nil
		}
	}
}

// keepalive pings the upstream and closes the connection when the
// connector is cancelled, unblocking the reader.
func (c *Connector) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-c.closed:
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// emit hands an event to the consumer, reporting false on cancellation.
func (c *Connector) emit(ctx context.Context, ev flashblocks.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}

// redial reattempts the connection with bounded exponential backoff and
// jitter. Consecutive handshake failures beyond the ceiling escalate to
// ErrUpstreamUnavailable.
func (c *Connector) redial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		delay := c.backoff(attempt)
		c.logger.Debug("reconnect backoff",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil, nil
		case <-c.closed:
			return nil, nil
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || c.isClosed() {
			return nil, nil
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %d attempts, last error: %v", ErrUpstreamUnavailable, c.cfg.MaxRetries, lastErr)
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

// backoff doubles the minimum delay per attempt up to the maximum, with
// jitter in the upper half to avoid synchronized reconnect storms.
func (c *Connector) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffMin << attempt
	if d <= 0 || d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	half := d / 2
	return half + rand.N(half+1)
}

func (c *Connector) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connector) takeConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
