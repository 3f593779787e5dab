package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal = "algotrader_orders_submitted_total"
	MetricOrdersTerminalTotal  = "algotrader_orders_terminal_total"
	MetricOrderResendsTotal    = "algotrader_order_resends_total"
	MetricRiskRejectionsTotal  = "algotrader_risk_rejections_total"
	MetricFillsTotal           = "algotrader_fills_total"
	MetricVolumeTotal          = "algotrader_volume_total"
	MetricEventsDiscardedTotal = "algotrader_events_discarded_total"
	MetricFeedGapsTotal        = "algotrader_feed_gaps_total"
	MetricReconnectsTotal      = "algotrader_reconnects_total"
	MetricDispatchLatency      = "algotrader_dispatch_latency_ms"
	MetricPositionSize         = "algotrader_position_size"
	MetricPnLUnrealized        = "algotrader_pnl_unrealized"
	MetricPnLRealized          = "algotrader_pnl_realized"
	MetricOrdersOpen           = "algotrader_orders_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersTerminalTotal  metric.Int64Counter
	OrderResendsTotal    metric.Int64Counter
	RiskRejectionsTotal  metric.Int64Counter
	FillsTotal           metric.Int64Counter
	VolumeTotal          metric.Float64Counter
	EventsDiscardedTotal metric.Int64Counter
	FeedGapsTotal        metric.Int64Counter
	ReconnectsTotal      metric.Int64Counter
	DispatchLatency      metric.Float64Histogram
	PositionSize         metric.Float64ObservableGauge
	PnLUnrealized        metric.Float64ObservableGauge
	PnLRealized          metric.Float64ObservableGauge
	OrdersOpen           metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	positionSizeMap map[string]float64
	unrealizedMap   map[string]float64
	realizedMap     map[string]float64
	openOrdersMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap: make(map[string]float64),
			unrealizedMap:   make(map[string]float64),
			realizedMap:     make(map[string]float64),
			openOrdersMap:   make(map[string]int64),
		}
		if err := globalMetrics.InitMetrics(otel.Meter("algotrader")); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Orders handed to the broker")); err != nil {
		return err
	}
	if m.OrdersTerminalTotal, err = meter.Int64Counter(MetricOrdersTerminalTotal, metric.WithDescription("Orders reaching a terminal state")); err != nil {
		return err
	}
	if m.OrderResendsTotal, err = meter.Int64Counter(MetricOrderResendsTotal, metric.WithDescription("Order re-sends with an existing client order id")); err != nil {
		return err
	}
	if m.RiskRejectionsTotal, err = meter.Int64Counter(MetricRiskRejectionsTotal, metric.WithDescription("Intents rejected by risk checks")); err != nil {
		return err
	}
	if m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Fills applied to the ledger")); err != nil {
		return err
	}
	if m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Filled quantity")); err != nil {
		return err
	}
	if m.EventsDiscardedTotal, err = meter.Int64Counter(MetricEventsDiscardedTotal, metric.WithDescription("Broker events discarded as late or unknown")); err != nil {
		return err
	}
	if m.FeedGapsTotal, err = meter.Int64Counter(MetricFeedGapsTotal, metric.WithDescription("Gap markers emitted by the feed")); err != nil {
		return err
	}
	if m.ReconnectsTotal, err = meter.Int64Counter(MetricReconnectsTotal, metric.WithDescription("Adapter reconnections")); err != nil {
		return err
	}
	if m.DispatchLatency, err = meter.Float64Histogram(MetricDispatchLatency, metric.WithDescription("Event bus handler latency"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Net position per instrument"),
		metric.WithFloat64Callback(m.observeFloat(func() map[string]float64 { return m.positionSizeMap })))
	if err != nil {
		return err
	}
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Unrealized PnL per instrument"),
		metric.WithFloat64Callback(m.observeFloat(func() map[string]float64 { return m.unrealizedMap })))
	if err != nil {
		return err
	}
	m.PnLRealized, err = meter.Float64ObservableGauge(MetricPnLRealized, metric.WithDescription("Realized PnL per instrument"),
		metric.WithFloat64Callback(m.observeFloat(func() map[string]float64 { return m.realizedMap })))
	if err != nil {
		return err
	}
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Non-terminal orders per instrument"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	return err
}

func (m *MetricsHolder) observeFloat(src func() map[string]float64) metric.Float64Callback {
	return func(ctx context.Context, obs metric.Float64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for sym, val := range src() {
			obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
		}
		return nil
	}
}

// Helpers to update observable state

// SetPosition records the latest position figures for an instrument
func (m *MetricsHolder) SetPosition(instrument string, size, unrealized, realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[instrument] = size
	m.unrealizedMap[instrument] = unrealized
	m.realizedMap[instrument] = realized
}

func (m *MetricsHolder) SetOpenOrders(instrument string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[instrument] = count
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.openOrdersMap))
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
