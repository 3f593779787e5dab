// Package websocket provides a heartbeat-supervised WebSocket connection.
// Reconnect policy belongs to the caller; a Conn is single-use.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"algotrader/internal/core"
	"algotrader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Read and WriteJSON after Close
var ErrClosed = errors.New("websocket closed")

// Config holds heartbeat and dial settings
type Config struct {
	// PingInterval of zero disables the heartbeat
	PingInterval time.Duration
	PingWait     time.Duration
	// PongWait bounds how long a read may stall without a pong or message
	PongWait         time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// DefaultConfig returns production heartbeat settings
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		PingWait:         10 * time.Second,
		PongWait:         60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Conn is a single WebSocket connection with a ping/pong heartbeat
type Conn struct {
	url    string
	conn   *websocket.Conn
	cfg    Config
	logger core.ILogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// Dial opens a connection and starts the heartbeat
func Dial(ctx context.Context, url string, cfg Config, logger core.ILogger) (*Conn, error) {
	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	ctx, span := telemetry.GetTracer("ws-client").Start(ctx, "WS Connect")
	defer span.End()
	span.SetAttributes(attribute.String("ws.url", url))

	connCounter.Add(ctx, 1)

	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	raw, _, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		url:         url,
		conn:        raw,
		cfg:         cfg,
		logger:      logger.WithField("component", "ws_conn"),
		done:        make(chan struct{}),
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}

	if cfg.PongWait > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(cfg.PongWait))
		raw.SetPongHandler(func(string) error {
			return raw.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}

	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}
	return c, nil
}

// Read blocks until the next message. Any error means the connection is dead.
func (c *Conn) Read() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	if c.cfg.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
	c.msgCounter.Add(context.Background(), 1)
	return message, nil
}

// WriteJSON sends v as a text frame
func (c *Conn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteJSON(v)
}

// Close stops the heartbeat and closes the socket. Safe to call twice.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Conn) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.PingWait)); err != nil {
				c.logger.Warn("WebSocket ping failed, closing", "url", c.url, "error", err)
				// Closing the socket unblocks the reader
				_ = c.conn.Close()
				return
			}
		}
	}
}
