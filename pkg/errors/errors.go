package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Standardized engine errors
var (
	ErrUnknownOrder      = errors.New("order not found")
	ErrTerminalOrder     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrDuplicateIntent   = errors.New("intent already consumed")
	ErrInvalidIntent     = errors.New("invalid intent")
	ErrNotConnected      = errors.New("not connected")
	ErrDuplicateSend     = errors.New("duplicate send suppressed")
	ErrNotSent           = errors.New("request never left the process")
	ErrQueueClosed       = errors.New("event queue closed")
	ErrChecksumMismatch  = errors.New("checkpoint checksum mismatch")
	ErrShuttingDown      = errors.New("engine is shutting down")
)

// ValidationError is a local risk or limit violation. It never reaches the broker.
type ValidationError struct {
	Limit  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("risk validation failed (%s): %s", e.Limit, e.Reason)
}

// TransportError wraps connectivity loss inside an adapter
type TransportError struct {
	Component string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error during %s: %v", e.Component, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BrokerRejection is a venue-reported business error. Terminal for the order.
type BrokerRejection struct {
	ClientOrderID string
	StrategyTag   string
	Reason        string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected order %s: %s", e.ClientOrderID, e.Reason)
}

// ReconciliationGap is an event that references an unknown or terminal order
type ReconciliationGap struct {
	ClientOrderID string
	Event         string
	Reason        string
}

func (e *ReconciliationGap) Error() string {
	return fmt.Sprintf("reconciliation gap on %s for order %s: %s", e.Event, e.ClientOrderID, e.Reason)
}

// FatalConfigError aborts startup
type FatalConfigError struct {
	Problems []string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal configuration error:\n%s", strings.Join(e.Problems, "\n"))
}

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsFatalConfig reports whether err is (or wraps) a FatalConfigError
func IsFatalConfig(err error) bool {
	var fe *FatalConfigError
	return errors.As(err, &fe)
}
