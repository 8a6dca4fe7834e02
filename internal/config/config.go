package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	MLLPPort             int           `mapstructure:"MLLP_PORT"`
	MLLPReadTimeout      time.Duration `mapstructure:"MLLP_READ_TIMEOUT"`
	MLLPMaxMessageBytes  int           `mapstructure:"MLLP_MAX_MESSAGE_BYTES"`
	MLLPNackOnDecodeErr  bool          `mapstructure:"MLLP_NACK_ON_DECODE_ERROR"`
	HTTPPort             int           `mapstructure:"HTTP_PORT"`
	GatewayURL           string        `mapstructure:"GATEWAY_URL"`
	DeliveryTimeout      time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	HISHost              string        `mapstructure:"HIS_HOST"`
	HISPort              int           `mapstructure:"HIS_PORT"`
	OutboundMaxDeliver   int           `mapstructure:"OUTBOUND_MAX_DELIVER"`
	DataDir              string        `mapstructure:"DATA_DIR"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	LogPretty            bool          `mapstructure:"LOG_PRETTY"`
	DefaultRPPS          string        `mapstructure:"DEFAULT_RPPS"`
	DefaultFINESS        string        `mapstructure:"DEFAULT_FINESS"`
	DefaultEstablishment string        `mapstructure:"DEFAULT_ESTABLISHMENT"`
	SendingApp           string        `mapstructure:"SENDING_APP"`
	SendingFacility      string        `mapstructure:"SENDING_FACILITY"`
	ReceivingApp         string        `mapstructure:"RECEIVING_APP"`
	ReceivingFacility    string        `mapstructure:"RECEIVING_FACILITY"`
}

var defaults = map[string]any{
	"MLLP_PORT":                 2100,
	"MLLP_READ_TIMEOUT":         "5m",
	"MLLP_MAX_MESSAGE_BYTES":    1 << 20,
	"MLLP_NACK_ON_DECODE_ERROR": false,
	"HTTP_PORT":                 3001,
	"GATEWAY_URL":               "http://localhost:3000",
	"DELIVERY_TIMEOUT":          "5s",
	"HIS_HOST":                  "localhost",
	"HIS_PORT":                  2575,
	"OUTBOUND_MAX_DELIVER":      5,
	"DATA_DIR":                  "./data",
	"LOG_LEVEL":                 "info",
	"LOG_PRETTY":                false,
	"DEFAULT_RPPS":              "",
	"DEFAULT_FINESS":            "",
	"DEFAULT_ESTABLISHMENT":     "",
	"SENDING_APP":               "PFI",
	"SENDING_FACILITY":          "FACILITY",
	"RECEIVING_APP":             "HIS",
	"RECEIVING_FACILITY":        "RECEIVER",
}

// Load reads .env when present, then the environment. Environment values
// win over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees keys viper knows about.
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the services cannot start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"MLLP_PORT": c.MLLPPort, "HTTP_PORT": c.HTTPPort, "HIS_PORT": c.HISPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	if c.MLLPPort == c.HTTPPort {
		return fmt.Errorf("MLLP_PORT and HTTP_PORT must differ, both are %d", c.MLLPPort)
	}
	if c.MLLPReadTimeout <= 0 {
		return fmt.Errorf("MLLP_READ_TIMEOUT must be positive, got %s", c.MLLPReadTimeout)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive, got %s", c.DeliveryTimeout)
	}
	if c.MLLPMaxMessageBytes <= 0 {
		return fmt.Errorf("MLLP_MAX_MESSAGE_BYTES must be positive, got %d", c.MLLPMaxMessageBytes)
	}
	if c.OutboundMaxDeliver <= 0 {
		return fmt.Errorf("OUTBOUND_MAX_DELIVER must be positive, got %d", c.OutboundMaxDeliver)
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("GATEWAY_URL must be an absolute URL, got %q", c.GatewayURL)
	}
	if c.HISHost == "" {
		return fmt.Errorf("HIS_HOST is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) MLLPAddr() string { return fmt.Sprintf(":%d", c.MLLPPort) }
func (c *Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }
func (c *Config) HISAddr() string  { return fmt.Sprintf("%s:%d", c.HISHost, c.HISPort) }

// NewLogger writes JSON to stdout, or human readable lines when pretty is
// set. Unknown levels fall back to info.
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
