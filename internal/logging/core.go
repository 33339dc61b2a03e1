package logging

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newEncoder(cfg *Config) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	var base zapcore.Encoder
	if cfg.Format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		base = zapcore.NewConsoleEncoder(ec)
	} else {
		base = zapcore.NewJSONEncoder(ec)
	}
	return NewRedactingEncoder(base, cfg.RedactKeys, cfg.Scrubber)
}

// newCore tees the local writer and the OTel bridge, then applies sampling.
// With no usable output it returns a no-op core.
func newCore(cfg *Config, provider log.LoggerProvider) zapcore.Core {
	var cores []zapcore.Core
	switch cfg.Output {
	case OutputStdout:
		cores = append(cores, zapcore.NewCore(newEncoder(cfg), zapcore.Lock(os.Stdout), cfg.Level))
	case OutputStderr:
		cores = append(cores, zapcore.NewCore(newEncoder(cfg), zapcore.Lock(os.Stderr), cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		bridge := otelzap.NewCore("forge", otelzap.WithLoggerProvider(provider))
		cores = append(cores, &levelFilterCore{Core: bridge, min: cfg.Level})
	}

	var core zapcore.Core
	switch len(cores) {
	case 0:
		return zapcore.NewNopCore()
	case 1:
		core = cores[0]
	default:
		core = zapcore.NewTee(cores...)
	}
	return sampled(core, cfg.Sampling)
}

// sampled thins entries below error level; errors always pass.
func sampled(core zapcore.Core, s Sampling) zapcore.Core {
	if s.Tick <= 0 {
		return core
	}
	errs := &levelFilterCore{Core: core, min: zapcore.ErrorLevel}
	rest := &levelFilterCore{Core: core, min: TraceLevel, below: zapcore.ErrorLevel, bounded: true}
	return zapcore.NewTee(errs, zapcore.NewSamplerWithOptions(rest, s.Tick, s.Initial, s.Thereafter))
}

// levelFilterCore passes levels >= min and, when bounded, < below.
type levelFilterCore struct {
	zapcore.Core
	min, below zapcore.Level
	bounded    bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if lvl < c.min || (c.bounded && lvl >= c.below) {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, below: c.below, bounded: c.bounded}
}
