// Package engine wires the feed, strategies, order manager, ledger and broker
// around the event bus and owns the process lifecycle: restore, run, drain
// and checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"algotrader/internal/alert"
	"algotrader/internal/audit"
	"algotrader/internal/broker"
	"algotrader/internal/broker/paper"
	"algotrader/internal/broker/rest"
	"algotrader/internal/bus"
	"algotrader/internal/checkpoint"
	"algotrader/internal/config"
	"algotrader/internal/core"
	"algotrader/internal/feed"
	"algotrader/internal/feed/synthetic"
	"algotrader/internal/feed/wsfeed"
	"algotrader/internal/infrastructure/health"
	"algotrader/internal/trading/ledger"
	"algotrader/internal/trading/order"
	"algotrader/internal/trading/strategy"
	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Option overrides a component, mostly for tests
type Option func(*Engine)

// WithTransport replaces the configured feed transport
func WithTransport(t feed.Transport) Option { return func(e *Engine) { e.transport = t } }

// WithVenue replaces the configured execution venue
func WithVenue(v broker.Venue) Option { return func(e *Engine) { e.venue = v } }

// WithStore replaces the configured checkpoint store
func WithStore(s checkpoint.Store) Option { return func(e *Engine) { e.store = s } }

// Engine is the trading process
type Engine struct {
	cfg    *config.Config
	logger core.ILogger
	tracer trace.Tracer

	bus        *bus.Bus
	ledger     *ledger.Ledger
	orders     *order.Manager
	strategies *strategy.Set
	feed       *feed.Adapter
	broker     *broker.Adapter
	health     *health.Manager
	alerts     *alert.Manager
	journal    *audit.Journal
	store      checkpoint.Store

	transport feed.Transport
	venue     broker.Venue
	// paper is set when the venue is simulated; it is marked from the tick stream
	paper *paper.Venue
}

// New builds every component from cfg. Nothing is started.
func New(cfg *config.Config, logger core.ILogger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: logger.WithField("component", "engine"),
		tracer: telemetry.GetTracer("engine"),
		health: health.NewManager(logger),
	}
	for _, opt := range opts {
		opt(e)
	}

	limits, err := cfg.Risk.Limits()
	if err != nil {
		return nil, fatal(err)
	}
	e.ledger = ledger.New(limits, logger)

	strategies := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		st, err := strategy.New(sc, logger)
		if err != nil {
			return nil, fatal(err)
		}
		strategies = append(strategies, st)
	}
	if e.strategies, err = strategy.NewSet(logger, strategies...); err != nil {
		return nil, fatal(err)
	}

	e.bus = bus.New(cfg.System.BusCapacity, e.dispatch, logger)

	if e.transport == nil {
		if e.transport, err = newTransport(cfg.Feed, logger); err != nil {
			return nil, err
		}
	}
	if e.venue == nil {
		if e.venue, err = newVenue(cfg.Broker, cfg.Feed, logger); err != nil {
			return nil, err
		}
	}
	e.paper, _ = e.venue.(*paper.Venue)

	if e.store == nil {
		if e.store, err = checkpoint.Open(cfg.Checkpoint); err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
	}

	e.alerts = alert.NewManager(logger, 1, 5)
	e.alerts.AddChannel(alert.NewLogChannel(logger))
	if hook := cfg.Alerts.SlackWebhook.Value(); hook != "" {
		e.alerts.AddChannel(alert.NewSlackChannel(hook))
	}

	omOpts := []order.Option{
		order.WithAlerter(e.alerts),
		order.WithObserver(e.strategies.OnOrderUpdate),
	}
	if prefix := cfg.Broker.ClientIDPrefix; prefix != "" {
		omOpts = append(omOpts, order.WithIDGenerator(order.NewCompactIDs(prefix).Next))
	}
	if cfg.Audit.Path != "" {
		if e.journal, err = audit.Open(cfg.Audit.Path); err != nil {
			e.closeStores()
			return nil, err
		}
		omOpts = append(omOpts, order.WithJournal(e.journal))
	}

	e.broker = broker.New(e.venue, broker.Config{
		RequestTimeout: cfg.Broker.RequestTimeout,
		ReconnectMin:   cfg.Broker.ReconnectMin,
		ReconnectMax:   cfg.Broker.ReconnectMax,
		SendQueue:      cfg.Broker.SendQueue,
	}, e.bus, logger)

	e.orders = order.NewManager(order.Config{
		AckTimeout:    cfg.Orders.AckTimeout,
		CancelTimeout: cfg.Orders.CancelTimeout,
		FillGrace:     cfg.Orders.FillGrace,
		MaxResends:    cfg.Orders.MaxResends,
	}, e.ledger, e.broker, e.bus, logger, omOpts...)

	e.feed = feed.New(e.transport, feed.Config{
		Instruments:  cfg.App.Instruments,
		ReconnectMin: cfg.Feed.ReconnectMin,
		ReconnectMax: cfg.Feed.ReconnectMax,
	}, e.bus, logger)

	e.registerHealth()
	return e, nil
}

func fatal(err error) error {
	return &apperrors.FatalConfigError{Problems: []string{err.Error()}}
}

func newTransport(cfg config.FeedConfig, logger core.ILogger) (feed.Transport, error) {
	switch cfg.Transport {
	case "", "synthetic":
		return synthetic.New(synthetic.Config{
			Interval:   cfg.Synthetic.Interval,
			StartPrice: cfg.Synthetic.StartPrice,
			Volatility: cfg.Synthetic.Volatility,
			Spread:     cfg.Synthetic.Spread,
			Seed:       cfg.Synthetic.Seed,
		}), nil
	case "ws":
		return wsfeed.New(wsfeed.Config{
			URL:          cfg.URL,
			APIKey:       cfg.APIKey.Value(),
			SessionToken: cfg.SessionToken.Value(),
			KeepAlive:    cfg.KeepAlive,
			PingInterval: cfg.PingInterval,
			PongWait:     cfg.PongWait,
		}, logger), nil
	default:
		return nil, fatal(fmt.Errorf("unknown feed transport %q", cfg.Transport))
	}
}

func newVenue(cfg config.BrokerConfig, fc config.FeedConfig, logger core.ILogger) (broker.Venue, error) {
	switch cfg.Venue {
	case "", "paper":
		return paper.New(paper.Config{
			AckLatency:   cfg.Paper.AckLatency,
			FillLatency:  cfg.Paper.FillLatency,
			PartialFills: cfg.Paper.PartialFills,
		}, logger), nil
	case "rest":
		return rest.New(rest.Config{
			BaseURL:         cfg.BaseURL,
			EventsURL:       cfg.EventsURL,
			APIKey:          cfg.APIKey.Value(),
			SecretKey:       cfg.SecretKey.Value(),
			DedupByClientID: cfg.DedupByClientID,
			RequestTimeout:  cfg.RequestTimeout,
			PingInterval:    fc.PingInterval,
			PongWait:        fc.PongWait,
		}, logger), nil
	default:
		return nil, fatal(fmt.Errorf("unknown broker venue %q", cfg.Venue))
	}
}

func (e *Engine) registerHealth() {
	e.health.Register("feed", e.feed.Health)
	e.health.Register("broker", e.broker.Health)
	e.health.Register("bus", func() error {
		if capacity := e.cfg.System.BusCapacity; capacity > 0 && e.bus.Len()*10 >= capacity*9 {
			return fmt.Errorf("event queue %d/%d", e.bus.Len(), capacity)
		}
		return nil
	})
	e.health.Register("orders", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err, callErr := bus.Query(ctx, e.bus, e.orders.CheckHealth)
		if callErr != nil {
			return callErr
		}
		return err
	})
}

// Health exposes the component health registry
func (e *Engine) Health() *health.Manager {
	return e.health
}

// dispatch runs on the bus goroutine and is the only writer of engine state
func (e *Engine) dispatch(payload interface{}) {
	switch ev := payload.(type) {
	case core.Tick:
		e.onTick(ev)
	case core.Gap:
		e.ledger.MarkGap(ev)
		e.strategies.OnGap(ev)
	case core.BrokerEvent:
		e.orders.HandleBrokerEvent(ev)
	default:
		if !e.orders.HandleTimer(payload) {
			e.logger.Warn("Unhandled event", "type", fmt.Sprintf("%T", payload))
		}
	}
}

func (e *Engine) onTick(tick core.Tick) {
	e.ledger.MarkToMarket(tick)
	if e.paper != nil {
		e.paper.OnTick(tick)
	}

	intents := e.strategies.OnTick(tick, e.ledger.Snapshot())
	if len(intents) == 0 {
		return
	}
	_, span := e.tracer.Start(context.Background(), "submit_intents")
	span.SetAttributes(attribute.String("instrument", tick.Instrument), attribute.Int("intents", len(intents)))
	defer span.End()

	for _, intent := range intents {
		res := e.orders.Submit(intent)
		switch {
		case res.Accepted():
			e.logger.Debug("Intent accepted", "intent_id", intent.ID, "client_order_id", res.ClientOrderID)
		case res.Duplicate:
			e.logger.Debug("Duplicate intent ignored", "intent_id", intent.ID)
		default:
			span.RecordError(res.Err)
			e.logger.Info("Intent refused", "intent_id", intent.ID, "strategy", intent.StrategyTag, "reason", res.Err)
		}
	}
}

// Run restores the last checkpoint, runs until ctx is cancelled, then drains
// open orders and writes a final checkpoint.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		e.closeStores()
		return err
	}

	busErr := make(chan error, 1)
	go func() { busErr <- e.bus.Run(context.Background()) }()

	// the broker outlives ctx so cancels can be confirmed during the drain
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	var adapters errgroup.Group
	adapters.Go(func() error { return e.broker.Run(brokerCtx) })
	adapters.Go(func() error { return e.feed.Run(feedCtx) })

	e.logger.Info("Engine started",
		"instruments", e.cfg.App.Instruments,
		"strategies", e.strategies.Len(),
		"venue", e.venue.Name(),
		"feed", e.transport.Name())

	interval := e.cfg.Checkpoint.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-busErr:
			stopFeed()
			stopBroker()
			_ = adapters.Wait()
			e.closeStores()
			return fmt.Errorf("event bus exited: %w", err)
		case <-ticker.C:
			if err := e.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				e.alerts.Raise(ctx, "Checkpoint failed", err, nil)
			}
		}
	}

	return e.shutdown(stopFeed, stopBroker, &adapters)
}

func (e *Engine) restore(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil {
		e.logger.Info("No checkpoint found, starting flat")
		return nil
	}
	// the bus is not running yet so state can be touched directly
	e.ledger.Restore(state.Positions)
	e.orders.Restore(state.OpenOrders)
	e.logger.Info("Checkpoint restored",
		"saved_at", state.SavedAt,
		"positions", len(state.Positions),
		"open_orders", len(state.OpenOrders))
	return nil
}

// collect snapshots positions and open orders on the bus goroutine
func (e *Engine) collect(ctx context.Context) (*checkpoint.State, error) {
	return bus.Query(ctx, e.bus, func() *checkpoint.State {
		return &checkpoint.State{
			SavedAt:    time.Now().UTC(),
			Positions:  e.ledger.Positions(),
			OpenOrders: e.orders.Snapshot(),
		}
	})
}

// Checkpoint saves the current state
func (e *Engine) Checkpoint(ctx context.Context) error {
	state, err := e.collect(ctx)
	if err != nil {
		return err
	}
	return checkpoint.SaveWithRetry(ctx, e.store, state, e.logger)
}

func (e *Engine) shutdown(stopFeed, stopBroker context.CancelFunc, adapters *errgroup.Group) error {
	e.logger.Info("Shutting down")
	stopFeed()

	timeout := e.cfg.System.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	open, err := bus.Query(drainCtx, e.bus, e.orders.BeginDrain)
	if err != nil {
		e.logger.Error("Drain could not start", "error", err)
	}
	if open > 0 {
		e.awaitDrain(drainCtx)
	}

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFinish()
	parked, err := bus.Query(finishCtx, e.bus, e.orders.FinishDrain)
	if err != nil {
		e.logger.Error("Drain could not finish", "error", err)
	}
	if parked > 0 {
		e.alerts.Raise(finishCtx, "Orders unconfirmed at shutdown",
			fmt.Errorf("%d orders parked as pending reconciliation", parked), nil)
	}

	e.broker.Flush()
	stopBroker()
	if err := adapters.Wait(); err != nil {
		e.logger.Warn("Adapter exited with error", "error", err)
	}

	var saveErr error
	state, err := e.collect(finishCtx)
	if err == nil {
		saveErr = checkpoint.SaveWithRetry(finishCtx, e.store, state, e.logger)
	} else {
		saveErr = err
	}
	if saveErr != nil {
		e.logger.Error("Final checkpoint failed", "error", saveErr)
	} else {
		e.logger.Info("Final checkpoint written", "positions", len(state.Positions), "open_orders", len(state.OpenOrders))
	}

	e.bus.Stop()
	<-e.bus.Done()
	if e.paper != nil {
		e.paper.Stop()
	}
	e.closeStores()
	return saveErr
}

// awaitDrain polls until every order is terminal or ctx expires
func (e *Engine) awaitDrain(ctx context.Context) {
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		open, err := bus.Query(ctx, e.bus, e.orders.OpenCount)
		if err != nil {
			return
		}
		if open == 0 {
			return
		}
		select {
		case <-ctx.Done():
			e.logger.Warn("Drain timed out", "open", open)
			return
		case <-poll.C:
		}
	}
}

func (e *Engine) closeStores() {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	if e.alerts != nil {
		e.alerts.Close()
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("Close failed", "error", err)
	}
}

// ReloadRisk swaps risk limits. Orders already working are not re-checked.
func (e *Engine) ReloadRisk(ctx context.Context, limits core.RiskLimits) error {
	return e.bus.Call(ctx, func() { e.ledger.SetLimits(limits) })
}
