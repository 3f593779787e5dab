package bootstrap

import (
	"algotrader/internal/config"
	"algotrader/pkg/logging"
)

// InitLogger builds the process logger from configuration
func InitLogger(cfg *config.Config) (*logging.ZapLogger, error) {
	return logging.New(logging.Options{
		Level:  cfg.System.LogLevel,
		Format: cfg.System.LogFormat,
	})
}
