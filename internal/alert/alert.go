// Package alert fans operator alerts out to channels without blocking the caller.
package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"algotrader/internal/core"
	"algotrader/pkg/concurrency"
	apperrors "algotrader/pkg/errors"

	"golang.org/x/time/rate"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert as delivered to channels
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlerter
type Manager struct {
	logger  core.ILogger
	pool    *concurrency.WorkerPool
	limiter *rate.Limiter
	timeout time.Duration

	mu         sync.RWMutex
	channels   []Channel
	suppressed int
}

// NewManager creates a manager delivering on a small worker pool.
// At most perSecond alerts (with the given burst) reach the channels.
func NewManager(logger core.ILogger, perSecond float64, burst int) *Manager {
	log := logger.WithField("component", "alert_manager")
	return &Manager{
		logger: log,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  4,
			MaxCapacity: 256,
			NonBlocking: true,
		}, log),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout: 10 * time.Second,
	}
}

func (am *Manager) AddChannel(ch Channel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// LevelFor grades an error: reconciliation gaps warn, fatal config is critical, the rest are errors
func LevelFor(err error) Level {
	var gap *apperrors.ReconciliationGap
	switch {
	case err == nil:
		return Info
	case errors.As(err, &gap):
		return Warning
	case apperrors.IsFatalConfig(err):
		return Critical
	default:
		return Error
	}
}

// Raise sends an alert for err to every channel
func (am *Manager) Raise(ctx context.Context, title string, err error, fields map[string]string) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	am.Alert(ctx, title, msg, LevelFor(err), fields)
}

// Alert queues delivery to all channels and returns immediately
func (am *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	if !am.limiter.Allow() {
		am.mu.Lock()
		am.suppressed++
		am.mu.Unlock()
		am.logger.Debug("Alert rate limited", "title", title)
		return
	}

	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}
	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	channels := append([]Channel(nil), am.channels...)
	am.mu.RUnlock()

	// delivery outlives the caller's request
	base := context.WithoutCancel(ctx)
	for _, ch := range channels {
		if err := am.pool.Submit(func() {
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		}); err != nil {
			am.logger.Warn("Alert dropped", "channel", ch.Name(), "error", err)
		}
	}
}

// Suppressed counts alerts dropped by the rate limit
func (am *Manager) Suppressed() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.suppressed
}

// Close waits for queued deliveries
func (am *Manager) Close() {
	am.pool.Stop()
}

// LogChannel writes alerts to the structured log
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alerts")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, alert Payload) error {
	fields := []interface{}{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		fields = append(fields, k, v)
	}
	switch alert.Level {
	case Info:
		l.logger.Info("ALERT", fields...)
	case Warning:
		l.logger.Warn("ALERT", fields...)
	default:
		l.logger.Error("ALERT", append(fields, "level", string(alert.Level))...)
	}
	return nil
}
