package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forge/internal/config"
)

// Protocol selects the OTLP transport.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http/protobuf"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid telemetry config")

// Config describes where spans and metrics go.
type Config struct {
	Enabled  bool
	Endpoint string // host:port, an http(s):// prefix is tolerated
	Protocol Protocol
	Service  string
	Version  string

	// Insecure disables TLS. Only loopback collectors may be insecure.
	Insecure bool

	// SampleRate is the head sampling ratio for root spans.
	SampleRate float64

	Metrics        bool
	MetricInterval time.Duration

	ShutdownTimeout time.Duration
}

// Defaults returns a disabled config pointing at a local collector.
func Defaults() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Service:         "forge",
		Version:         "dev",
		Insecure:        true,
		SampleRate:      1.0,
		Metrics:         true,
		MetricInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings maps the telemetry section of the application config.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := Defaults()
	cfg.Enabled = s.Enabled
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = Protocol(s.Protocol)
	}
	if s.ServiceName != "" {
		cfg.Service = s.ServiceName
	}
	if version != "" {
		cfg.Version = version
	}
	cfg.Insecure = s.Insecure
	cfg.SampleRate = s.SampleRate
	cfg.Metrics = s.MetricsEnabled
	if d := s.ExportInterval.Duration(); d > 0 {
		cfg.MetricInterval = d
	}
	return cfg
}

// Validate reports the first problem with an enabled config. A disabled
// config is always valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	var problem string
	switch {
	case c.Endpoint == "":
		problem = "endpoint is required"
	case c.Service == "":
		problem = "service name is required"
	case c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP:
		problem = fmt.Sprintf("protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	case c.SampleRate < 0 || c.SampleRate > 1:
		problem = fmt.Sprintf("sample rate must be within [0, 1], got %g", c.SampleRate)
	case c.Metrics && c.MetricInterval <= 0:
		problem = "metric interval must be positive"
	case c.Insecure && !isLoopback(c.Endpoint):
		problem = fmt.Sprintf("insecure export is only allowed to a loopback collector, got %q", c.Endpoint)
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
	}
	return nil
}

// hostPort strips an URL scheme and trailing slash from endpoint.
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

func isLoopback(endpoint string) bool {
	host := hostPort(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
