// Package wsfeed streams quotes over a JSON websocket protocol addressed by
// "destination": ping, marketData.subscribe and quote messages.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"algotrader/internal/core"
	"algotrader/internal/feed"
	"algotrader/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	destPing      = "ping"
	destSubscribe = "marketData.subscribe"
	destQuote     = "quote"
)

// Config for the websocket transport
type Config struct {
	URL    string
	APIKey string
	// SessionToken is sent in messages and the security header when set
	SessionToken string
	// KeepAlive is the application-level ping period; zero disables it
	KeepAlive    time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

type envelope struct {
	Destination   string          `json:"destination"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        string          `json:"status,omitempty"`
	SecurityToken string          `json:"securityToken,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type quote struct {
	Epic      string          `json:"epic"`
	Bid       decimal.Decimal `json:"bid"`
	Ofr       decimal.Decimal `json:"ofr"`
	BidQty    decimal.Decimal `json:"bidQty"`
	OfrQty    decimal.Decimal `json:"ofrQty"`
	Timestamp int64           `json:"timestamp"`
}

type subscribeResult struct {
	ErrorCode     string            `json:"errorCode"`
	Subscriptions map[string]string `json:"subscriptions"`
}

// Transport dials the quote websocket
type Transport struct {
	cfg    Config
	logger core.ILogger
}

// New creates a websocket quote transport
func New(cfg Config, logger core.ILogger) *Transport {
	return &Transport{cfg: cfg, logger: logger.WithField("component", "wsfeed")}
}

func (t *Transport) Name() string { return "ws" }

// Connect dials and sends the opening ping
func (t *Transport) Connect(ctx context.Context) (feed.Stream, error) {
	wsCfg := websocket.DefaultConfig()
	if t.cfg.PingInterval > 0 {
		wsCfg.PingInterval = t.cfg.PingInterval
	}
	if t.cfg.PongWait > 0 {
		wsCfg.PongWait = t.cfg.PongWait
	}
	wsCfg.Header = http.Header{}
	if t.cfg.APIKey != "" {
		wsCfg.Header.Set("X-CAP-API-KEY", t.cfg.APIKey)
	}
	if t.cfg.SessionToken != "" {
		wsCfg.Header.Set("X-SECURITY-TOKEN", t.cfg.SessionToken)
	}

	conn, err := websocket.Dial(ctx, t.cfg.URL, wsCfg, t.logger)
	if err != nil {
		return nil, err
	}
	s := &stream{
		conn:   conn,
		token:  t.cfg.SessionToken,
		logger: t.logger,
		done:   make(chan struct{}),
	}
	if err := s.send(destPing, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening ping: %w", err)
	}
	if t.cfg.KeepAlive > 0 {
		s.wg.Add(1)
		go s.keepAlive(t.cfg.KeepAlive)
	}
	return s, nil
}

type stream struct {
	conn   *websocket.Conn
	token  string
	logger core.ILogger

	// quotes received while waiting for the subscribe ack
	pending [][]core.Tick

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func correlationID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (s *stream) send(dest string, payload interface{}) error {
	env := envelope{Destination: dest, CorrelationID: correlationID(), SecurityToken: s.token}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	return s.conn.WriteJSON(env)
}

func (s *stream) keepAlive(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(destPing, nil); err != nil {
				s.logger.Warn("Keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Subscribe requests quotes and waits for the venue's acknowledgement
func (s *stream) Subscribe(ctx context.Context, instruments []string) error {
	if err := s.send(destSubscribe, map[string]interface{}{"epics": instruments}); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := s.next()
		if err != nil {
			return err
		}
		switch env.Destination {
		case destSubscribe:
			var res subscribeResult
			_ = json.Unmarshal(env.Payload, &res)
			if env.Status != "OK" {
				return fmt.Errorf("subscription refused: %s", res.ErrorCode)
			}
			s.logger.Info("Quote subscription confirmed", "subscriptions", res.Subscriptions)
			return nil
		case destQuote:
			if ticks, err := decodeQuote(env.Payload); err == nil {
				s.pending = append(s.pending, ticks)
			}
		}
	}
}

// Recv returns the bid and ask ticks of the next quote
func (s *stream) Recv(ctx context.Context) ([]core.Tick, error) {
	if len(s.pending) > 0 {
		ticks := s.pending[0]
		s.pending = s.pending[1:]
		return ticks, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env, err := s.next()
		if err != nil {
			return nil, err
		}
		switch env.Destination {
		case destQuote:
			ticks, err := decodeQuote(env.Payload)
			if err != nil {
				s.logger.Warn("Malformed quote dropped", "error", err)
				continue
			}
			return ticks, nil
		case destPing:
		case destSubscribe:
			if env.Status != "OK" {
				var res subscribeResult
				_ = json.Unmarshal(env.Payload, &res)
				return nil, fmt.Errorf("subscription lost: %s", res.ErrorCode)
			}
		default:
			s.logger.Debug("Ignoring message", "destination", env.Destination)
		}
	}
}

func (s *stream) next() (envelope, error) {
	raw, err := s.conn.Read()
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{Destination: "invalid"}, nil
	}
	return env, nil
}

func decodeQuote(raw json.RawMessage) ([]core.Tick, error) {
	var q quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	if q.Epic == "" {
		return nil, errors.New("quote without epic")
	}
	ts := time.UnixMilli(q.Timestamp).UTC()
	if q.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	var ticks []core.Tick
	if q.Bid.IsPositive() {
		ticks = append(ticks, core.Tick{Instrument: q.Epic, Timestamp: ts, Price: q.Bid, Size: q.BidQty, Side: core.TickSideBid})
	}
	if q.Ofr.IsPositive() {
		ticks = append(ticks, core.Tick{Instrument: q.Epic, Timestamp: ts, Price: q.Ofr, Size: q.OfrQty, Side: core.TickSideAsk})
	}
	if len(ticks) == 0 {
		return nil, errors.New("quote without prices")
	}
	return ticks, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
