// Package websocket provides a resilient WebSocket client with exponential
// backoff reconnection and silent-disconnect detection, used as the
// transport underneath the StreamHub (spec §4.1).
package websocket

import (
	"context"
	"fmt"
	"market_maker/internal/core"
	"market_maker/pkg/telemetry"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages.
type MessageHandler func(message []byte)

// MaxReconnectAttempts is the spec §4.1/§5 ceiling: after this many
// consecutive failures the client gives up and reports fatal.
const MaxReconnectAttempts = 10

// SilentDisconnectTimeout is how long the client waits without any inbound
// message before forcing a reconnect (heartbeat monitor, spec §4.1).
const SilentDisconnectTimeout = 45 * time.Second

// Client is a resilient WebSocket client.
type Client struct {
	url     string
	handler MessageHandler

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()
	onFatal     func(error) // invoked once MaxReconnectAttempts is exhausted

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	// reconnectBackoff is overridable so tests don't wait real seconds
	// between attempts; production leaves it nil and uses backoffFor.
	reconnectBackoff func(attempt int) time.Duration

	lastMessageAt atomic.Int64 // unix nano
	silentTimeout time.Duration

	paused atomic.Bool

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new WebSocket client.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total", metric.WithDescription("Total WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total", metric.WithDescription("Total WebSocket connections initiated"))
	latencyHist, _ := meter.Float64Histogram("ws_message_processing_latency_seconds", metric.WithDescription("Latency of processing WebSocket messages"))

	return &Client{
		url:          url,
		handler:      handler,
		pingInterval:  20 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		silentTimeout: SilentDisconnectTimeout,
		ctx:          ctx,
		cancel:       cancel,
		tracer:       tracer,
		msgCounter:   msgCounter,
		connCounter:  connCounter,
		latencyHist:  latencyHist,
		logger:       logger,
	}
}

func (c *Client) SetOnConnected(cb func())  { c.mu.Lock(); defer c.mu.Unlock(); c.onConnected = cb }
func (c *Client) SetOnFatal(cb func(error)) { c.mu.Lock(); defer c.mu.Unlock(); c.onFatal = cb }

// SetPingConfig overrides the ping/pong timing, used by tests to exercise
// heartbeat and reconnect behavior without waiting real production intervals.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetSilentTimeout overrides the silent-disconnect detection window, test-only.
func (c *Client) SetSilentTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silentTimeout = d
}

// SetReconnectBackoff overrides the backoff function, test-only.
func (c *Client) SetReconnectBackoff(fn func(attempt int) time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectBackoff = fn
}

// Pause suppresses message dispatch without tearing down the connection
// (spec §4.1's pause_callbacks/resume_callbacks). The Reconciler does not
// call it.
func (c *Client) Pause()  { c.paused.Store(true) }
func (c *Client) Resume() { c.paused.Store(false) }

// Send writes a JSON message over the WebSocket.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("websocket client stop: goroutines did not exit within timeout")
		}
	}

	c.closeConn()
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1) << uint(attempt) // 1,2,4,8,... seconds
	d *= time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			if c.logger != nil {
				c.logger.Error("websocket connect failed", "url", c.url, "attempt", attempt, "error", err)
			}
			attempt++
			if attempt >= MaxReconnectAttempts {
				c.mu.Lock()
				onFatal := c.onFatal
				c.mu.Unlock()
				if onFatal != nil {
					onFatal(fmt.Errorf("websocket %s: exhausted %d reconnect attempts: %w", c.url, MaxReconnectAttempts, err))
				}
				return
			}
			c.mu.Lock()
			backoff := c.reconnectBackoff
			c.mu.Unlock()
			if backoff == nil {
				backoff = backoffFor
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff(attempt)):
			}
			continue
		}
		attempt = 0
		c.lastMessageAt.Store(time.Now().UnixNano())

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.heartbeat(heartbeatCtx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.pinger(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// heartbeat force-reconnects when no message (including pongs, since those
// also reset the read deadline) has arrived within SilentDisconnectTimeout.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	timeout := c.silentTimeout
	c.mu.Unlock()
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastMessageAt.Load())
			if time.Since(last) > timeout {
				if c.logger != nil {
					c.logger.Warn("websocket silent disconnect detected, forcing reconnect", "url", c.url)
				}
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) pinger(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect", trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.lastMessageAt.Store(time.Now().UnixNano())
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.lastMessageAt.Store(time.Now().UnixNano())

		if c.paused.Load() {
			continue
		}

		start := time.Now()
		c.msgCounter.Add(c.ctx, 1)

		if c.handler != nil {
			c.handler(message)
		}

		c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
	}
}
