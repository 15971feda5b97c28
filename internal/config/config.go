// Package config loads the settings of the activation-bytes command.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	audible "github.com/iyear/goaudible"
)

// EnvPrefix is the prefix of all environment variables, e.g. AUDIBLE_AUTH_FILE.
const EnvPrefix = "AUDIBLE"

// Config is the complete command configuration.
type Config struct {
	AuthFile string        `yaml:"auth_file" envconfig:"AUTH_FILE" validate:"required"`
	Locale   string        `yaml:"locale" envconfig:"LOCALE" validate:"omitempty,locale"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"1m" validate:"gt=0"`
	// DumpFile receives the raw license payload when set.
	DumpFile string        `yaml:"dump_file" envconfig:"DUMP_FILE"`
	Logging  LoggingConfig `yaml:"logging" envconfig:"LOG"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"text" validate:"oneof=text json"`
}

// Load loads configuration from environment variables and the optional YAML file at path.
//
// Values from the file take precedence over the environment, the command line over both.
func Load(path string) (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration once all overrides are applied.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("locale", isLocale); err != nil {
		return fmt.Errorf("register locale validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// isLocale accepts any country code known to audible.LocaleFor.
func isLocale(fl validator.FieldLevel) bool {
	_, err := audible.LocaleFor(fl.Field().String())
	return err == nil
}

// Logger builds the logger described by the logging configuration.
func (l LoggingConfig) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.level()}

	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func (l LoggingConfig) level() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
