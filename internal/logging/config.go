package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/secrets"
)

// Output selects where entries are written.
type Output string

const (
	OutputStdout Output = "stdout"
	// OutputStderr keeps stdout free for stdio protocols such as MCP.
	OutputStderr Output = "stderr"
	OutputNone   Output = "none"
)

// Config controls logger construction.
type Config struct {
	Level  zapcore.Level
	Format string // json | console
	Output Output

	// OTEL additionally forwards entries to the OpenTelemetry log bridge.
	OTEL bool

	// Sampling thins repeated entries below error level. Zero Tick disables it.
	Sampling Sampling

	Caller     bool
	Stacktrace zapcore.Level

	// Fields are attached to every entry.
	Fields map[string]string

	// RedactKeys are field keys whose values are never written.
	RedactKeys []string

	// Scrubber masks secrets inside string values and messages. Nil
	// disables content scrubbing.
	Scrubber *secrets.Scrubber
}

// Sampling mirrors zapcore.NewSamplerWithOptions.
type Sampling struct {
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// NewDefaultConfig returns production defaults: JSON to stdout at info.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      zapcore.InfoLevel,
		Format:     "json",
		Output:     OutputStdout,
		Sampling:   Sampling{Tick: time.Second, Initial: 100, Thereafter: 10},
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "forge"},
		RedactKeys: []string{"api_key", "authorization", "password", "secret", "token", "private_key"},
		Scrubber:   secrets.Default(),
	}
}

// FromSettings maps the logging section of the application config.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if s.Stderr {
		cfg.Output = OutputStderr
	}
	cfg.OTEL = s.OTEL
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Format != "json" && c.Format != "console":
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	case c.Output != OutputStdout && c.Output != OutputStderr && c.Output != OutputNone:
		return fmt.Errorf("output must be stdout, stderr or none, got %q", c.Output)
	case c.Output == OutputNone && !c.OTEL:
		return fmt.Errorf("output none requires otel")
	case c.Sampling.Tick < 0 || c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0:
		return fmt.Errorf("sampling values must not be negative")
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static field %q=%q: key and value are required", k, v)
		}
	}
	return nil
}
