// Package server is the operator HTTP surface: metrics, health and read-only
// views of positions, orders and strategies.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// State answers queries against engine state. Implementations run them on the event loop.
type State interface {
	Positions(ctx context.Context) ([]core.Position, error)
	Orders(ctx context.Context, openOnly bool) ([]core.Order, error)
	Order(ctx context.Context, clientOrderID string) (core.Order, bool, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	Strategies(ctx context.Context) (map[string]map[string]interface{}, error)
}

// Server serves the ops API
type Server struct {
	addr   string
	state  State
	hm     core.IHealthMonitor
	logger core.ILogger
}

func New(addr string, state State, hm core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		addr:   addr,
		state:  state,
		hm:     hm,
		logger: logger.WithField("component", "ops_server"),
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/positions", s.handlePositions)
		r.Get("/orders", s.handleOrders)
		r.Get("/orders/{id}", s.handleOrder)
		r.Delete("/orders/{id}", s.handleCancel)
		r.Get("/strategies", s.handleStrategies)
	})
	return r
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting ops server", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine errors to HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrTerminalOrder), errors.Is(err, apperrors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrQueueClosed), errors.Is(err, apperrors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	code := http.StatusOK
	if s.hm != nil {
		body["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

type positionView struct {
	Instrument    string    `json:"instrument"`
	NetQty        string    `json:"net_qty"`
	AvgCost       string    `json:"avg_cost"`
	RealizedPnL   string    `json:"realized_pnl"`
	UnrealizedPnL string    `json:"unrealized_pnl"`
	LastMark      string    `json:"last_mark"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type orderView struct {
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Instrument    string    `json:"instrument"`
	Direction     string    `json:"direction"`
	Type          string    `json:"type"`
	Price         string    `json:"price"`
	RequestedQty  string    `json:"requested_qty"`
	FilledQty     string    `json:"filled_qty"`
	Status        string    `json:"status"`
	StrategyTag   string    `json:"strategy"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func viewOrder(o core.Order) orderView {
	return orderView{
		ClientOrderID: o.ClientOrderID,
		BrokerOrderID: o.BrokerOrderID,
		Instrument:    o.Instrument,
		Direction:     string(o.Direction),
		Type:          string(o.Type),
		Price:         o.Price.String(),
		RequestedQty:  o.RequestedQty.String(),
		FilledQty:     o.FilledQty.String(),
		Status:        string(o.Status),
		StrategyTag:   o.StrategyTag,
		Attempts:      o.Attempts,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.state.Positions(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Instrument:    p.Instrument,
			NetQty:        p.NetQty.String(),
			AvgCost:       p.AvgCost.String(),
			RealizedPnL:   p.RealizedPnL.String(),
			UnrealizedPnL: p.UnrealizedPnL.String(),
			LastMark:      p.LastMark.String(),
			UpdatedAt:     p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	orders, err := s.state.Orders(r.Context(), openOnly)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, ok, err := s.state.Order(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.ErrUnknownOrder)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.state.CancelOrder(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("Cancel requested by operator", "client_order_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"client_order_id": id, "status": "cancel_requested"})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	status, err := s.state.Strategies(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
