// Package core defines the core types and interfaces for the trading engine
package core

import (
	"context"
	"time"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker is the outbound command surface of the broker adapter.
// Implementations must not block the caller on network I/O.
type IBroker interface {
	Submit(order Order)
	Cancel(clientOrderID string)
}

// IScheduler arms timers whose expiry is delivered back through the event bus
type IScheduler interface {
	After(d time.Duration, payload interface{}) (cancel func())
}

// IAlerter raises operator-facing alerts
type IAlerter interface {
	Raise(ctx context.Context, title string, err error, fields map[string]string)
}

// IJournal records terminal order transitions and discarded events for audit
type IJournal interface {
	RecordOrder(order Order, reason string) error
	RecordDiscard(clientOrderID string, event BrokerEventKind, reason string) error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
