package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, loaded from the environment.
// Binaries load a .env file first (godotenv) so local development works
// without exporting anything.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// TCS applied to sale invoices when enabled; rate is a percentage.
	TCSEnabled bool   `envconfig:"TCS_ENABLED" default:"false"`
	TCSRate    string `envconfig:"TCS_RATE" default:"0"`

	// Valuation: value pre-epoch opening stock at the item's current
	// standard cost (documented approximation) instead of zero.
	StandardCostFallback bool `envconfig:"STANDARD_COST_FALLBACK" default:"true"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stderr"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
