// Package config reads the runtime configuration of the linefsm tools from
// the environment and an optional .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/librescoot/linefsm"
)

type Config struct {
	// logging
	LogLevel  string `env:"LINEFSM_LOG_LEVEL, default=info"`
	LogFormat string `env:"LINEFSM_LOG_FORMAT, default=text"`

	// sessions
	IterationLimit int           `env:"LINEFSM_ITERATION_LIMIT, default=0"`
	LineEnding     string        `env:"LINEFSM_LINE_ENDING, default=lf"`
	StateTimeout   time.Duration `env:"LINEFSM_STATE_TIMEOUT, default=0s"`

	// delivery
	DeliveryRetries int           `env:"LINEFSM_DELIVERY_RETRIES, default=3"`
	DeliveryDelay   time.Duration `env:"LINEFSM_DELIVERY_DELAY, default=100ms"`
}

// Load reads .env files (a missing file is not an error) and processes the
// environment. Variables already set in the environment win over .env
// values.
func Load(ctx context.Context, files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return process(ctx, envconfig.OsLookuper())
}

// FromMap processes configuration from a fixed set of variables
func FromMap(ctx context.Context, env map[string]string) (*Config, error) {
	return process(ctx, envconfig.MapLookuper(env))
}

func process(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks enumerated and bounded values
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := c.Separator(); err != nil {
		return err
	}
	if c.IterationLimit < 0 {
		return errors.New("iteration limit must not be negative")
	}
	if c.DeliveryRetries < 0 {
		return errors.New("delivery retries must not be negative")
	}
	return nil
}

// Level parses LogLevel
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Separator maps LineEnding to the line delimiter
func (c *Config) Separator() (string, error) {
	switch strings.ToLower(c.LineEnding) {
	case "lf":
		return linefsm.LF, nil
	case "crlf":
		return linefsm.CRLF, nil
	}
	return "", fmt.Errorf("unknown line ending %q", c.LineEnding)
}

// NewLogger builds a text or JSON slog logger writing to w
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
