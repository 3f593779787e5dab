package engine

import (
	"context"

	"algotrader/internal/bus"
	"algotrader/internal/core"
)

// Read-side queries for the ops server. Each one runs on the bus goroutine.

func (e *Engine) Positions(ctx context.Context) ([]core.Position, error) {
	return bus.Query(ctx, e.bus, e.ledger.Positions)
}

func (e *Engine) Orders(ctx context.Context, openOnly bool) ([]core.Order, error) {
	return bus.Query(ctx, e.bus, func() []core.Order { return e.orders.Orders(openOnly) })
}

type lookup struct {
	order core.Order
	found bool
}

func (e *Engine) Order(ctx context.Context, clientOrderID string) (core.Order, bool, error) {
	res, err := bus.Query(ctx, e.bus, func() lookup {
		o, ok := e.orders.Order(clientOrderID)
		return lookup{o, ok}
	})
	return res.order, res.found, err
}

// CancelOrder requests cancellation of a working order
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	cancelErr, err := bus.Query(ctx, e.bus, func() error { return e.orders.Cancel(clientOrderID) })
	if err != nil {
		return err
	}
	return cancelErr
}

func (e *Engine) Strategies(ctx context.Context) (map[string]map[string]interface{}, error) {
	return bus.Query(ctx, e.bus, e.strategies.Status)
}
