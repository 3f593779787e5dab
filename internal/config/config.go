// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"algotrader/internal/core"
	apperrors "algotrader/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	System     SystemConfig     `yaml:"system"`
	Feed       FeedConfig       `yaml:"feed"`
	Broker     BrokerConfig     `yaml:"broker"`
	Orders     OrdersConfig     `yaml:"orders"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string   `yaml:"name"`
	Instruments []string `yaml:"instruments"`
}

// SystemConfig contains process settings
type SystemConfig struct {
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	BusCapacity     int           `yaml:"bus_capacity"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FeedConfig selects and tunes the market data transport
type FeedConfig struct {
	Transport    string          `yaml:"transport"` // synthetic | ws
	URL          string          `yaml:"url"`
	APIKey       Secret          `yaml:"api_key"`
	SessionToken Secret          `yaml:"session_token"`
	KeepAlive    time.Duration   `yaml:"keep_alive"`
	ReconnectMin time.Duration   `yaml:"reconnect_min"`
	ReconnectMax time.Duration   `yaml:"reconnect_max"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	PongWait     time.Duration   `yaml:"pong_wait"`
	Synthetic    SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig drives the random-walk quote generator
type SyntheticConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StartPrice float64       `yaml:"start_price"`
	Volatility float64       `yaml:"volatility"`
	Spread     float64       `yaml:"spread"`
	Seed       int64         `yaml:"seed"`
}

// BrokerConfig selects and tunes the execution venue
type BrokerConfig struct {
	Venue           string        `yaml:"venue"` // paper | rest
	BaseURL         string        `yaml:"base_url"`
	EventsURL       string        `yaml:"events_url"`
	APIKey          Secret        `yaml:"api_key"`
	SecretKey       Secret        `yaml:"secret_key"`
	DedupByClientID bool          `yaml:"dedup_by_client_id"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	SendQueue       int           `yaml:"send_queue"`
	// ClientIDPrefix switches client order ids from uuids to compact prefixed ids
	// for venues that cap their length
	ClientIDPrefix string      `yaml:"client_id_prefix"`
	Paper          PaperConfig `yaml:"paper"`
}

// PaperConfig tunes the simulated venue
type PaperConfig struct {
	AckLatency  time.Duration `yaml:"ack_latency"`
	FillLatency time.Duration `yaml:"fill_latency"`
	// PartialFills splits each fill into this many slices
	PartialFills int `yaml:"partial_fills"`
}

// OrdersConfig holds order lifecycle timeouts
type OrdersConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	FillGrace     time.Duration `yaml:"fill_grace"`
	MaxResends    int           `yaml:"max_resends"`
}

// RiskConfig is the hot-reloadable risk section. Decimal values are strings to keep precision.
type RiskConfig struct {
	MaxPositionPerInstrument string            `yaml:"max_position_per_instrument"`
	PerInstrument            map[string]string `yaml:"per_instrument"`
	MaxGrossExposure         string            `yaml:"max_gross_exposure"`
	MaxOrderRatePerSecond    float64           `yaml:"max_order_rate_per_second"`
}

// StrategyConfig configures one signal engine instance
type StrategyConfig struct {
	Type       string        `yaml:"type"` // breakout | sma_cross
	Tag        string        `yaml:"tag"`
	Instrument string        `yaml:"instrument"`
	Resolution time.Duration `yaml:"resolution"`
	Quantity   string        `yaml:"quantity"`

	// sma_cross
	FastPeriod int `yaml:"fast_period"`
	SlowPeriod int `yaml:"slow_period"`

	// breakout
	AccountBalance float64       `yaml:"account_balance"`
	RiskPercent    float64       `yaml:"risk_percent"`
	ContractSize   float64       `yaml:"contract_size"`
	SessionOffset  time.Duration `yaml:"session_offset"`
	PrevHigh       string        `yaml:"prev_high"`
	PrevLow        string        `yaml:"prev_low"`
	// TakeProfit is the target distance from entry; empty disables the target exit
	TakeProfit string `yaml:"take_profit"`
}

// CheckpointConfig selects the checkpoint store
type CheckpointConfig struct {
	Driver   string        `yaml:"driver"` // memory | sqlite | pebble
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// AuditConfig controls the CSV audit journal
type AuditConfig struct {
	Path string `yaml:"path"`
}

// AlertsConfig configures alert channels
type AlertsConfig struct {
	SlackWebhook Secret `yaml:"slack_webhook"`
}

// TelemetryConfig contains telemetry and ops surface settings
type TelemetryConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	GRPCHealthAddr  string `yaml:"grpc_health_addr"`
	ExportTraces    bool   `yaml:"export_traces"`
	PyroscopeServer string `yaml:"pyroscope_server"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// A .env file next to the process is loaded first when present.
// Every failure is a *apperrors.FatalConfigError.
func LoadConfig(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &apperrors.FatalConfigError{Problems: []string{fmt.Sprintf("failed to load .env: %v", err)}}
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &apperrors.FatalConfigError{Problems: []string{fmt.Sprintf("failed to read config file: %v", err)}}
	}
	return Parse(data)
}

// Parse decodes and validates YAML bytes on top of DefaultConfig
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &apperrors.FatalConfigError{Problems: []string{fmt.Sprintf("failed to parse config file: %v", err)}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var problems []string
	add := func(errs ...error) {
		for _, err := range errs {
			if err != nil {
				problems = append(problems, err.Error())
			}
		}
	}

	add(c.validateApp()...)
	add(c.validateSystem()...)
	add(c.validateFeed()...)
	add(c.validateBroker()...)
	add(c.validateOrders()...)
	if _, err := c.Risk.Limits(); err != nil {
		add(err)
	}
	add(c.validateStrategies()...)
	add(c.validateCheckpoint()...)

	if len(problems) > 0 {
		return &apperrors.FatalConfigError{Problems: problems}
	}
	return nil
}

func (c *Config) validateApp() []error {
	if len(c.App.Instruments) == 0 {
		return []error{ValidationError{Field: "app.instruments", Message: "at least one instrument is required"}}
	}
	return nil
}

func (c *Config) validateSystem() []error {
	var errs []error
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		})
	}
	if c.System.BusCapacity <= 0 {
		errs = append(errs, ValidationError{Field: "system.bus_capacity", Value: c.System.BusCapacity, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateFeed() []error {
	var errs []error
	switch c.Feed.Transport {
	case "synthetic":
		if c.Feed.Synthetic.StartPrice <= 0 {
			errs = append(errs, ValidationError{Field: "feed.synthetic.start_price", Value: c.Feed.Synthetic.StartPrice, Message: "must be positive"})
		}
	case "ws":
		if c.Feed.URL == "" {
			errs = append(errs, ValidationError{Field: "feed.url", Message: "required for ws transport"})
		}
		if c.Feed.APIKey == "" {
			errs = append(errs, ValidationError{Field: "feed.api_key", Message: "credentials are required for ws transport"})
		}
	default:
		errs = append(errs, ValidationError{Field: "feed.transport", Value: c.Feed.Transport, Message: "must be one of: synthetic, ws"})
	}
	if c.Feed.ReconnectMin <= 0 || c.Feed.ReconnectMax < c.Feed.ReconnectMin {
		errs = append(errs, ValidationError{Field: "feed.reconnect_min", Value: c.Feed.ReconnectMin, Message: "must be positive and not exceed reconnect_max"})
	}
	return errs
}

func (c *Config) validateBroker() []error {
	var errs []error
	switch c.Broker.Venue {
	case "paper":
	case "rest":
		if c.Broker.BaseURL == "" {
			errs = append(errs, ValidationError{Field: "broker.base_url", Message: "required for rest venue"})
		}
		if c.Broker.EventsURL == "" {
			errs = append(errs, ValidationError{Field: "broker.events_url", Message: "required for rest venue"})
		}
		if c.Broker.APIKey == "" {
			errs = append(errs, ValidationError{Field: "broker.api_key", Message: "API key is required"})
		}
		if c.Broker.SecretKey == "" {
			errs = append(errs, ValidationError{Field: "broker.secret_key", Message: "secret key is required"})
		}
	default:
		errs = append(errs, ValidationError{Field: "broker.venue", Value: c.Broker.Venue, Message: "must be one of: paper, rest"})
	}
	if c.Broker.ReconnectMin <= 0 || c.Broker.ReconnectMax < c.Broker.ReconnectMin {
		errs = append(errs, ValidationError{Field: "broker.reconnect_min", Value: c.Broker.ReconnectMin, Message: "must be positive and not exceed reconnect_max"})
	}
	return errs
}

func (c *Config) validateOrders() []error {
	var errs []error
	if c.Orders.AckTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "orders.ack_timeout", Value: c.Orders.AckTimeout, Message: "must be positive"})
	}
	if c.Orders.CancelTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "orders.cancel_timeout", Value: c.Orders.CancelTimeout, Message: "must be positive"})
	}
	if c.Orders.FillGrace <= 0 {
		errs = append(errs, ValidationError{Field: "orders.fill_grace", Value: c.Orders.FillGrace, Message: "must be positive"})
	}
	if c.Orders.MaxResends < 0 {
		errs = append(errs, ValidationError{Field: "orders.max_resends", Value: c.Orders.MaxResends, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateStrategies() []error {
	var errs []error
	tags := make(map[string]bool)
	for i, s := range c.Strategies {
		field := fmt.Sprintf("strategies[%d]", i)
		if s.Tag == "" {
			errs = append(errs, ValidationError{Field: field + ".tag", Message: "strategy tag is required"})
		} else if tags[s.Tag] {
			errs = append(errs, ValidationError{Field: field + ".tag", Value: s.Tag, Message: "strategy tags must be unique"})
		}
		tags[s.Tag] = true
		if !contains(c.App.Instruments, s.Instrument) {
			errs = append(errs, ValidationError{Field: field + ".instrument", Value: s.Instrument, Message: "must be listed in app.instruments"})
		}
		if s.Resolution <= 0 {
			errs = append(errs, ValidationError{Field: field + ".resolution", Value: s.Resolution, Message: "must be positive"})
		}
		switch s.Type {
		case "sma_cross":
			if s.FastPeriod <= 0 || s.SlowPeriod <= s.FastPeriod {
				errs = append(errs, ValidationError{Field: field + ".slow_period", Value: s.SlowPeriod, Message: "periods must satisfy 0 < fast < slow"})
			}
			if q, err := decimal.NewFromString(s.Quantity); err != nil || !q.IsPositive() {
				errs = append(errs, ValidationError{Field: field + ".quantity", Value: s.Quantity, Message: "must be a positive decimal"})
			}
		case "breakout":
			if s.AccountBalance <= 0 || s.RiskPercent <= 0 || s.RiskPercent > 100 {
				errs = append(errs, ValidationError{Field: field + ".risk_percent", Value: s.RiskPercent, Message: "requires positive account_balance and 0 < risk_percent <= 100"})
			}
			if s.ContractSize < 0 {
				errs = append(errs, ValidationError{Field: field + ".contract_size", Value: s.ContractSize, Message: "must not be negative"})
			}
			for _, opt := range [][2]string{{"prev_high", s.PrevHigh}, {"prev_low", s.PrevLow}, {"take_profit", s.TakeProfit}} {
				if opt[1] == "" {
					continue
				}
				if d, err := decimal.NewFromString(opt[1]); err != nil || !d.IsPositive() {
					errs = append(errs, ValidationError{Field: field + "." + opt[0], Value: opt[1], Message: "must be a positive decimal"})
				}
			}
		default:
			errs = append(errs, ValidationError{Field: field + ".type", Value: s.Type, Message: "must be one of: breakout, sma_cross"})
		}
	}
	return errs
}

func (c *Config) validateCheckpoint() []error {
	switch c.Checkpoint.Driver {
	case "memory":
		return nil
	case "sqlite", "pebble":
		if c.Checkpoint.Path == "" {
			return []error{ValidationError{Field: "checkpoint.path", Message: "required for persistent drivers"}}
		}
		return nil
	default:
		return []error{ValidationError{Field: "checkpoint.driver", Value: c.Checkpoint.Driver, Message: "must be one of: memory, sqlite, pebble"}}
	}
}

// Limits converts the risk section into core.RiskLimits
func (r RiskConfig) Limits() (core.RiskLimits, error) {
	var limits core.RiskLimits
	var err error

	if limits.MaxPositionPerInstrument, err = parseLimit("risk.max_position_per_instrument", r.MaxPositionPerInstrument); err != nil {
		return core.RiskLimits{}, err
	}
	if limits.MaxGrossExposure, err = parseLimit("risk.max_gross_exposure", r.MaxGrossExposure); err != nil {
		return core.RiskLimits{}, err
	}
	if r.MaxOrderRatePerSecond < 0 {
		return core.RiskLimits{}, ValidationError{Field: "risk.max_order_rate_per_second", Value: r.MaxOrderRatePerSecond, Message: "must not be negative"}
	}
	limits.MaxOrderRatePerSecond = r.MaxOrderRatePerSecond

	if len(r.PerInstrument) > 0 {
		limits.PerInstrument = make(map[string]decimal.Decimal, len(r.PerInstrument))
		for inst, v := range r.PerInstrument {
			d, err := parseLimit("risk.per_instrument."+inst, v)
			if err != nil {
				return core.RiskLimits{}, err
			}
			limits.PerInstrument[inst] = d
		}
	}
	return limits, nil
}

func parseLimit(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, ValidationError{Field: field, Value: v, Message: "must be a decimal number"}
	}
	if d.IsNegative() {
		return decimal.Zero, ValidationError{Field: field, Value: v, Message: "must not be negative"}
	}
	return d, nil
}

// LoadRisk re-reads only the risk section, used for hot reload
func LoadRisk(filename string) (core.RiskLimits, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return core.RiskLimits{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var partial struct {
		Risk RiskConfig `yaml:"risk"`
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &partial); err != nil {
		return core.RiskLimits{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return partial.Risk.Limits()
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a paper-trading configuration, also used by tests
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "algotrader",
			Instruments: []string{"XAUUSD"},
		},
		System: SystemConfig{
			LogLevel:        "INFO",
			LogFormat:       "console",
			BusCapacity:     4096,
			ShutdownTimeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			Transport:    "synthetic",
			KeepAlive:    5 * time.Minute,
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			Synthetic: SyntheticConfig{
				Interval:   250 * time.Millisecond,
				StartPrice: 2000,
				Volatility: 0.0005,
				Spread:     0.3,
				Seed:       1,
			},
		},
		Broker: BrokerConfig{
			Venue:          "paper",
			RequestTimeout: 5 * time.Second,
			ReconnectMin:   500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
			SendQueue:      1024,
			Paper: PaperConfig{
				AckLatency:   20 * time.Millisecond,
				FillLatency:  50 * time.Millisecond,
				PartialFills: 1,
			},
		},
		Orders: OrdersConfig{
			AckTimeout:    2 * time.Second,
			CancelTimeout: 5 * time.Second,
			FillGrace:     2 * time.Second,
			MaxResends:    3,
		},
		Risk: RiskConfig{
			MaxPositionPerInstrument: "100",
			MaxGrossExposure:         "1000000",
			MaxOrderRatePerSecond:    5,
		},
		Checkpoint: CheckpointConfig{
			Driver:   "memory",
			Interval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			HTTPAddr: ":9090",
		},
	}
}
