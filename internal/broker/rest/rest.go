// Package rest is a generic JSON venue: orders go over REST, execution
// reports come back on a websocket stream.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"algotrader/internal/broker"
	"algotrader/internal/core"
	pkghttp "algotrader/pkg/http"
	"algotrader/pkg/websocket"

	"github.com/shopspring/decimal"
)

const ordersPath = "/v1/orders"

// Config for the REST venue
type Config struct {
	BaseURL   string
	EventsURL string
	APIKey    string
	SecretKey string
	// DedupByClientID enables transport retries on submissions
	DedupByClientID bool
	RequestTimeout  time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
}

type orderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// execReport is one message on the events stream
type execReport struct {
	Type          string              `json:"type"` // ack | fill | reject | cancel_ack
	ClientOrderID string              `json:"clientOrderId"`
	OrderID       string              `json:"orderId"`
	FillQty       decimal.Decimal     `json:"fillQty"`
	RemainingQty  decimal.Decimal     `json:"remainingQty"`
	CumQty        decimal.NullDecimal `json:"cumQty"`
	Price         decimal.Decimal     `json:"price"`
	TradeID       string              `json:"tradeId"`
	Reason        string              `json:"reason"`
	Timestamp     int64               `json:"ts"`
}

var reportKinds = map[string]core.BrokerEventKind{
	"ack":        core.BrokerEventAck,
	"fill":       core.BrokerEventFill,
	"reject":     core.BrokerEventReject,
	"cancel_ack": core.BrokerEventCancelAck,
}

// Venue talks to a REST order endpoint
type Venue struct {
	cfg    Config
	client *pkghttp.Client
	logger core.ILogger
}

// New creates a REST venue. Without client-id dedup submissions are never retried by the transport.
func New(cfg Config, logger core.ILogger) *Venue {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	opts := pkghttp.DefaultOptions()
	if !cfg.DedupByClientID {
		opts.MaxRetries = 0
	}
	return &Venue{
		cfg:    cfg,
		client: pkghttp.NewClientWithOptions(cfg.BaseURL, cfg.RequestTimeout, NewSigner(cfg.APIKey, cfg.SecretKey), opts),
		logger: logger.WithField("component", "rest_venue"),
	}
}

func (v *Venue) Name() string { return "rest" }

func (v *Venue) DedupByClientID() bool { return v.cfg.DedupByClientID }

// Connect opens the execution report stream
func (v *Venue) Connect(ctx context.Context) (broker.Session, error) {
	wsCfg := websocket.DefaultConfig()
	if v.cfg.PingInterval > 0 {
		wsCfg.PingInterval = v.cfg.PingInterval
	}
	if v.cfg.PongWait > 0 {
		wsCfg.PongWait = v.cfg.PongWait
	}
	wsCfg.Header = http.Header{}
	wsCfg.Header.Set("X-API-KEY", v.cfg.APIKey)

	conn, err := websocket.Dial(ctx, v.cfg.EventsURL, wsCfg, v.logger)
	if err != nil {
		return nil, err
	}
	s := &session{
		v:      v,
		conn:   conn,
		local:  make(chan core.BrokerEvent, 64),
		remote: make(chan core.BrokerEvent, 256),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

type session struct {
	v    *Venue
	conn *websocket.Conn

	// synchronous rejections from the REST side
	local  chan core.BrokerEvent
	remote chan core.BrokerEvent
	failed chan error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *session) readLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.conn.Read()
		if err != nil {
			select {
			case s.failed <- err:
			default:
			}
			return
		}
		ev, ok := s.decode(raw)
		if !ok {
			continue
		}
		select {
		case s.remote <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *session) decode(raw []byte) (core.BrokerEvent, bool) {
	var r execReport
	if err := json.Unmarshal(raw, &r); err != nil {
		s.v.logger.Warn("Malformed execution report dropped", "error", err)
		return core.BrokerEvent{}, false
	}
	kind, ok := reportKinds[r.Type]
	if !ok || r.ClientOrderID == "" && r.OrderID == "" {
		s.v.logger.Debug("Ignoring message", "type", r.Type)
		return core.BrokerEvent{}, false
	}
	ev := core.BrokerEvent{
		Kind:          kind,
		ClientOrderID: r.ClientOrderID,
		BrokerOrderID: r.OrderID,
		FillQty:       r.FillQty,
		RemainingQty:  r.RemainingQty,
		CumFilledQty:  r.CumQty,
		Price:         r.Price,
		TradeID:       r.TradeID,
		Reason:        r.Reason,
	}
	if r.Timestamp > 0 {
		ev.At = time.UnixMilli(r.Timestamp).UTC()
	}
	return ev, true
}

// Submit posts the order. A 4xx answer other than 429 is a venue rejection and is
// reported as an event; anything else unsuccessful is a delivery failure.
func (s *session) Submit(ctx context.Context, order core.Order) error {
	req := orderRequest{
		ClientOrderID: order.ClientOrderID,
		Instrument:    order.Instrument,
		Side:          string(order.Direction),
		Type:          string(order.Type),
		Quantity:      order.RequestedQty,
	}
	if order.Type == core.OrderTypeLimit {
		req.Price = order.Price
	}
	_, err := s.v.client.Post(ctx, ordersPath, req)
	if reason, rejected := rejection(err); rejected {
		s.push(core.BrokerEvent{Kind: core.BrokerEventReject, ClientOrderID: order.ClientOrderID, Reason: reason, At: time.Now()})
		return nil
	}
	return err
}

// Cancel deletes the order by client id. A 404 means the venue has nothing left to cancel.
func (s *session) Cancel(ctx context.Context, clientOrderID string) error {
	_, err := s.v.client.Delete(ctx, ordersPath+"/"+url.PathEscape(clientOrderID), nil)
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		s.v.logger.Info("Cancel found no working order", "client_order_id", clientOrderID)
		return nil
	}
	return err
}

func rejection(err error) (string, bool) {
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	if apiErr.StatusCode < 400 || apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests {
		return "", false
	}
	var body errorBody
	if json.Unmarshal(apiErr.Body, &body) == nil && body.Message != "" {
		if body.Code != "" {
			return body.Code + ": " + body.Message, true
		}
		return body.Message, true
	}
	return http.StatusText(apiErr.StatusCode), true
}

func (s *session) push(ev core.BrokerEvent) {
	select {
	case s.local <- ev:
	case <-s.done:
	}
}

func (s *session) Recv(ctx context.Context) (core.BrokerEvent, error) {
	select {
	case ev := <-s.local:
		return ev, nil
	default:
	}
	select {
	case <-ctx.Done():
		return core.BrokerEvent{}, ctx.Err()
	case ev := <-s.local:
		return ev, nil
	case ev := <-s.remote:
		return ev, nil
	case err := <-s.failed:
		return core.BrokerEvent{}, err
	case <-s.done:
		return core.BrokerEvent{}, websocket.ErrClosed
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
