package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "algotrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "api_key: ${TEST_API_KEY}",
			envVars:  map[string]string{"TEST_API_KEY": "test_key_123"},
			expected: "api_key: test_key_123",
		},
		{
			name:     "expand multiple env vars",
			input:    "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars:  map[string]string{"API_KEY": "key_value", "SECRET_KEY": "secret_value"},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_RestVenueWithEnvCredentials(t *testing.T) {
	t.Setenv("TEST_BROKER_API_KEY", "abcd1234efgh")
	t.Setenv("TEST_BROKER_SECRET", "s3cr3t")

	path := writeConfig(t, `
app:
  instruments: [XAUUSD, EURUSD]
broker:
  venue: rest
  base_url: https://broker.example/api
  events_url: wss://broker.example/events
  api_key: "${TEST_BROKER_API_KEY}"
  secret_key: "${TEST_BROKER_SECRET}"
  dedup_by_client_id: true
orders:
  ack_timeout: 1500ms
risk:
  max_position_per_instrument: "50"
  per_instrument:
    EURUSD: "100000"
  max_gross_exposure: "250000"
  max_order_rate_per_second: 2.5
strategies:
  - type: sma_cross
    tag: sma-xau
    instrument: XAUUSD
    resolution: 1m
    quantity: "1.5"
    fast_period: 5
    slow_period: 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "abcd1234efgh", cfg.Broker.APIKey.Value())
	assert.True(t, cfg.Broker.DedupByClientID)
	assert.Equal(t, 1500*time.Millisecond, cfg.Orders.AckTimeout)
	// untouched sections keep defaults
	assert.Equal(t, 5*time.Second, cfg.Orders.CancelTimeout)
	assert.Equal(t, "synthetic", cfg.Feed.Transport)

	limits, err := cfg.Risk.Limits()
	require.NoError(t, err)
	assert.True(t, limits.MaxPositionPerInstrument.Equal(decimal.NewFromInt(50)))
	assert.True(t, limits.PositionLimit("EURUSD").Equal(decimal.NewFromInt(100000)))
	assert.True(t, limits.PositionLimit("XAUUSD").Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 2.5, limits.MaxOrderRatePerSecond)

	assert.NotContains(t, cfg.String(), "abcd1234efgh")
	assert.NotContains(t, fmt.Sprintf("%v %#v", cfg.Broker.SecretKey, cfg.Broker.SecretKey), "s3cr3t")
}

func TestLoadConfig_MissingCredentialsIsFatal(t *testing.T) {
	path := writeConfig(t, `
broker:
  venue: rest
  base_url: https://broker.example/api
  events_url: wss://broker.example/events
  api_key: "${UNSET_BROKER_KEY_FOR_TEST}"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsFatalConfig(err))
	assert.Contains(t, err.Error(), "broker.api_key")
	assert.Contains(t, err.Error(), "broker.secret_key")
}

func TestParse_MalformedRiskLimits(t *testing.T) {
	tests := []struct {
		name  string
		risk  string
		field string
	}{
		{"non numeric position", `max_position_per_instrument: "lots"`, "risk.max_position_per_instrument"},
		{"negative exposure", `max_gross_exposure: "-5"`, "risk.max_gross_exposure"},
		{"negative rate", `max_order_rate_per_second: -1`, "risk.max_order_rate_per_second"},
		{"bad override", "per_instrument:\n    XAUUSD: \"x\"", "risk.per_instrument.XAUUSD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte("risk:\n  " + tt.risk + "\n"))
			require.Error(t, err)
			assert.True(t, apperrors.IsFatalConfig(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("app: [unterminated"))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatalConfig(err))
}

func TestValidate_Strategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = []StrategyConfig{
		{Type: "sma_cross", Tag: "dup", Instrument: "XAUUSD", Resolution: time.Minute, Quantity: "1", FastPeriod: 10, SlowPeriod: 5},
		{Type: "breakout", Tag: "dup", Instrument: "BTCUSD", Resolution: time.Minute},
		{Type: "martingale", Tag: "m", Instrument: "XAUUSD", Resolution: time.Minute},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"strategies[0].slow_period",
		"strategies[1].tag",
		"strategies[1].instrument",
		"strategies[1].risk_percent",
		"strategies[2].type",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %s in %s", want, msg)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadRisk(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_position_per_instrument: \"7\"\n  max_order_rate_per_second: 1\n")
	limits, err := LoadRisk(path)
	require.NoError(t, err)
	assert.True(t, limits.MaxPositionPerInstrument.Equal(decimal.NewFromInt(7)))
	assert.True(t, limits.MaxGrossExposure.IsZero())

	_, err = LoadRisk(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
