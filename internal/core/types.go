package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickSide identifies which side of the book a tick observed
type TickSide string

const (
	TickSideBid   TickSide = "BID"
	TickSideAsk   TickSide = "ASK"
	TickSideTrade TickSide = "TRADE"
)

// Tick is a single normalized market data observation. Values are never mutated after emission.
type Tick struct {
	Instrument string
	Timestamp  time.Time
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       TickSide
}

// Gap marks a discontinuity in the feed (reconnect, resubscribe)
type Gap struct {
	Instruments []string
	At          time.Time
	Reason      string
}

// Direction of a trade proposal
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Sign returns +1 for buys and -1 for sells
func (d Direction) Sign() decimal.Decimal {
	if d == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// OrderType distinguishes priced orders from market orders
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Intent is a strategy's proposal to trade, prior to risk validation.
// A zero Price means "at market".
type Intent struct {
	ID          string
	Instrument  string
	Direction   Direction
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StrategyTag string
	CreatedAt   time.Time
}

// IsMarket reports whether the intent has no limit price
func (i Intent) IsMarket() bool {
	return i.Price.IsZero()
}

// SignedQty returns the quantity signed by direction
func (i Intent) SignedQty() decimal.Decimal {
	return i.Quantity.Mul(i.Direction.Sign())
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusCreated               OrderStatus = "CREATED"
	OrderStatusSubmitted             OrderStatus = "SUBMITTED"
	OrderStatusAcknowledged          OrderStatus = "ACKNOWLEDGED"
	OrderStatusPartiallyFilled       OrderStatus = "PARTIALLY_FILLED"
	OrderStatusPendingReconciliation OrderStatus = "PENDING_RECONCILIATION"
	OrderStatusFilled                OrderStatus = "FILLED"
	OrderStatusCancelled             OrderStatus = "CANCELLED"
	OrderStatusRejected              OrderStatus = "REJECTED"
	OrderStatusExpired               OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is a risk-approved, broker-bound instruction.
// ClientOrderID is minted once per Intent and reused on every resend.
type Order struct {
	ClientOrderID string
	BrokerOrderID string
	IntentID      string
	Instrument    string
	Direction     Direction
	Type          OrderType
	Price         decimal.Decimal
	RequestedQty  decimal.Decimal
	FilledQty     decimal.Decimal
	Status        OrderStatus
	StrategyTag   string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingQty is the unfilled part of the order
func (o *Order) RemainingQty() decimal.Decimal {
	rem := o.RequestedQty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Position is the ledger's record for one instrument
type Position struct {
	Instrument    string
	NetQty        decimal.Decimal
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastMark      decimal.Decimal
	UpdatedAt     time.Time
}

// RiskLimits are consulted before any order leaves the process. Zero disables a limit.
type RiskLimits struct {
	MaxPositionPerInstrument decimal.Decimal
	PerInstrument            map[string]decimal.Decimal
	MaxGrossExposure         decimal.Decimal
	MaxOrderRatePerSecond    float64
}

// PositionLimit returns the position cap for an instrument
func (l RiskLimits) PositionLimit(instrument string) decimal.Decimal {
	if v, ok := l.PerInstrument[instrument]; ok {
		return v
	}
	return l.MaxPositionPerInstrument
}

// BrokerEventKind enumerates canonical venue events
type BrokerEventKind string

const (
	BrokerEventAck          BrokerEventKind = "ACK"
	BrokerEventFill         BrokerEventKind = "FILL"
	BrokerEventReject       BrokerEventKind = "REJECT"
	BrokerEventCancelAck    BrokerEventKind = "CANCEL_ACK"
	BrokerEventConnected    BrokerEventKind = "CONNECTED"
	BrokerEventDisconnected BrokerEventKind = "DISCONNECTED"
)

// BrokerEvent is a venue event normalized by the broker adapter
type BrokerEvent struct {
	Kind          BrokerEventKind
	ClientOrderID string
	BrokerOrderID string
	FillQty       decimal.Decimal
	RemainingQty  decimal.Decimal
	Price         decimal.Decimal
	TradeID       string
	// CumFilledQty is the venue's cumulative executed quantity, reported on
	// cancel acks. Invalid when the venue omits it.
	CumFilledQty decimal.NullDecimal
	Reason       string
	At           time.Time
}
