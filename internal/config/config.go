// Package config provides configuration loading for forge.
//
// Configuration is assembled from built-in defaults, an optional YAML file
// and FORGE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete forge configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Memory     MemoryConfig     `koanf:"memory"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	LLM        LLMConfig        `koanf:"llm"`
	Search     SearchConfig     `koanf:"search"`
	Retry      RetryConfig      `koanf:"retry"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Sandbox    SandboxConfig    `koanf:"sandbox"`
	Events     EventsConfig     `koanf:"events"`
	Snapshot   SnapshotConfig   `koanf:"snapshot"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend       string `koanf:"backend"` // sqlite | redis
	Path          string `koanf:"path"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`
	KeepLatest    int    `koanf:"keep_latest"`
}

// MemoryConfig selects and configures the memory (vector) backend.
type MemoryConfig struct {
	Backend    string `koanf:"backend"` // chromem | qdrant
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	QdrantHost string `koanf:"qdrant_host"`
	QdrantPort int    `koanf:"qdrant_port"`
	VectorSize int    `koanf:"vector_size"`
	DefaultK   int    `koanf:"default_k"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // tei | fastembed | hash
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	Provider    string   `koanf:"provider"` // openai | anthropic
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	BaseURL     string   `koanf:"base_url"`
	Timeout     Duration `koanf:"timeout"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second
	Burst       int      `koanf:"burst"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
}

// SearchConfig configures the web-search service.
type SearchConfig struct {
	Endpoint   string  `koanf:"endpoint"`
	APIKey     Secret  `koanf:"api_key"`
	MaxResults int     `koanf:"max_results"`
	RateLimit  float64 `koanf:"rate_limit"`
}

// RetryConfig is the single backoff policy shared by every external call.
type RetryConfig struct {
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier"`
}

const defaultMaxIterations = 3

// WorkflowConfig configures routing and the review/fix quality gate.
// MaxIterations is nil when unset (3); an explicit 0 reviews once and
// never fixes.
type WorkflowConfig struct {
	Route            []string           `koanf:"route"`
	Recovery         map[string]string  `koanf:"recovery"` // stage -> fail | continue
	MaxIterations    *int               `koanf:"max_iterations"`
	BuildFailureCap  float64            `koanf:"build_failure_cap"`
	DefaultThreshold float64            `koanf:"default_threshold"`
	Thresholds       map[string]float64 `koanf:"thresholds"`
	StageTimeout     Duration           `koanf:"stage_timeout"`
	BuildTimeout     Duration           `koanf:"build_timeout"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	Timeout        Duration       `koanf:"timeout"`
	TimeoutRetries int            `koanf:"timeout_retries"`
	Dir            string         `koanf:"dir"`
	Policies       []PolicyConfig `koanf:"policies"`
}

// PolicyConfig is one auto-decision rule. Exactly one of Pattern or
// Expression is set; Pattern is a glob over the request description and
// Expression is a CEL boolean over action_type, description and attributes.
type PolicyConfig struct {
	Name       string `koanf:"name"`
	Action     string `koanf:"action"`
	Pattern    string `koanf:"pattern"`
	Expression string `koanf:"expression"`
	Decision   string `koanf:"decision"` // approve | reject
}

// SandboxConfig bounds generated-file writes.
type SandboxConfig struct {
	Root         string `koanf:"root"`
	MaxFileBytes int64  `koanf:"max_file_bytes"`
}

// EventsConfig configures the NATS bridge. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SnapshotConfig configures git snapshots of the workspace.
type SnapshotConfig struct {
	Enabled     bool   `koanf:"enabled"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Stderr bool   `koanf:"stderr"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	ServiceName    string   `koanf:"service_name"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// DefaultThresholds is the quality threshold table used when none is
// configured. Statically checked languages get the stricter values.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"go":         0.80,
		"rust":       0.85,
		"java":       0.80,
		"typescript": 0.75,
		"javascript": 0.70,
		"python":     0.70,
	}
}

// DefaultRoute is the stage order used when none is configured.
func DefaultRoute() []string {
	return []string{"research", "architect", "codesmith", "reviewfix"}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "sqlite"
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = "~/.local/share/forge/checkpoints.db"
	}
	if cfg.Checkpoint.RedisAddr == "" {
		cfg.Checkpoint.RedisAddr = "localhost:6379"
	}
	if cfg.Checkpoint.KeyPrefix == "" {
		cfg.Checkpoint.KeyPrefix = "forge"
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "chromem"
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "~/.local/share/forge/memory"
	}
	if cfg.Memory.QdrantHost == "" {
		cfg.Memory.QdrantHost = "localhost"
	}
	if cfg.Memory.QdrantPort == 0 {
		cfg.Memory.QdrantPort = 6334
	}
	if cfg.Memory.VectorSize == 0 {
		cfg.Memory.VectorSize = 384 // bge-small-en-v1.5
	}
	if cfg.Memory.DefaultK == 0 {
		cfg.Memory.DefaultK = 5
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.CacheDir == "" {
		cfg.Embeddings.CacheDir = "~/.local/share/forge/models"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(120 * time.Second)
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 50.0 / 60.0
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 5
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 8192
	}

	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 5
	}
	if cfg.Search.RateLimit == 0 {
		cfg.Search.RateLimit = 1
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	if len(cfg.Workflow.Route) == 0 {
		cfg.Workflow.Route = DefaultRoute()
	}
	if cfg.Workflow.MaxIterations == nil {
		n := defaultMaxIterations
		cfg.Workflow.MaxIterations = &n
	}
	if cfg.Workflow.BuildFailureCap == 0 {
		cfg.Workflow.BuildFailureCap = 0.5
	}
	if cfg.Workflow.DefaultThreshold == 0 {
		cfg.Workflow.DefaultThreshold = 0.75
	}
	defaults := DefaultThresholds()
	if cfg.Workflow.Thresholds == nil {
		cfg.Workflow.Thresholds = defaults
	} else {
		for lang, v := range defaults {
			if _, ok := cfg.Workflow.Thresholds[lang]; !ok {
				cfg.Workflow.Thresholds[lang] = v
			}
		}
	}
	if cfg.Workflow.BuildTimeout == 0 {
		cfg.Workflow.BuildTimeout = Duration(5 * time.Minute)
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(10 * time.Minute)
	}
	if cfg.Approval.TimeoutRetries == 0 {
		cfg.Approval.TimeoutRetries = 1
	}
	if cfg.Approval.Dir == "" {
		cfg.Approval.Dir = "~/.local/share/forge/approvals"
	}
	if cfg.Approval.Policies == nil {
		cfg.Approval.Policies = []PolicyConfig{
			{Name: "tests", Action: "file_write", Pattern: "test_*", Decision: "approve"},
			{Name: "new-files", Action: "file_write", Expression: `!attributes.overwrite`, Decision: "approve"},
			{Name: "review-fixes", Action: "file_write", Expression: `attributes.stage == "reviewfix"`, Decision: "approve"},
		}
	}

	if cfg.Sandbox.MaxFileBytes == 0 {
		cfg.Sandbox.MaxFileBytes = 1 << 20
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "forge"
	}

	if cfg.Snapshot.AuthorName == "" {
		cfg.Snapshot.AuthorName = "forge"
	}
	if cfg.Snapshot.AuthorEmail == "" {
		cfg.Snapshot.AuthorEmail = "forge@localhost"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "forge"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}
	switch c.Checkpoint.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend must be sqlite or redis, got %q", c.Checkpoint.Backend))
	}
	switch c.Memory.Backend {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("memory.backend must be chromem or qdrant, got %q", c.Memory.Backend))
	}
	switch c.Embeddings.Provider {
	case "tei", "fastembed", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be tei, fastembed or hash, got %q", c.Embeddings.Provider))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	if err := c.Workflow.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, p := range c.Approval.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("approval.policies[%d]: %w", i, err))
		}
	}
	if c.Sandbox.Root != "" && !filepath.IsAbs(ExpandHome(c.Sandbox.Root)) {
		errs = append(errs, fmt.Errorf("sandbox.root must be absolute, got %q", c.Sandbox.Root))
	}
	return errors.Join(errs...)
}

// Iterations returns the review/fix iteration bound, 3 when unset.
func (w WorkflowConfig) Iterations() int {
	if w.MaxIterations == nil {
		return defaultMaxIterations
	}
	return *w.MaxIterations
}

// Validate checks the workflow section.
func (w WorkflowConfig) Validate() error {
	if len(w.Route) == 0 {
		return errors.New("workflow.route cannot be empty")
	}
	seen := make(map[string]bool, len(w.Route))
	for _, s := range w.Route {
		if seen[s] {
			return fmt.Errorf("workflow.route lists %q twice", s)
		}
		seen[s] = true
	}
	if n := w.Iterations(); n < 0 {
		return fmt.Errorf("workflow.max_iterations must be >= 0, got %d", n)
	}
	if w.BuildFailureCap < 0 || w.BuildFailureCap > 1 {
		return fmt.Errorf("workflow.build_failure_cap must be in [0,1], got %v", w.BuildFailureCap)
	}
	if w.DefaultThreshold <= 0 || w.DefaultThreshold > 1 {
		return fmt.Errorf("workflow.default_threshold must be in (0,1], got %v", w.DefaultThreshold)
	}
	for lang, v := range w.Thresholds {
		if v <= 0 || v > 1 {
			return fmt.Errorf("workflow.thresholds[%s] must be in (0,1], got %v", lang, v)
		}
	}
	for stage, r := range w.Recovery {
		if r != "fail" && r != "continue" {
			return fmt.Errorf("workflow.recovery[%s] must be fail or continue, got %q", stage, r)
		}
	}
	return nil
}

// Validate checks a single approval policy.
func (p PolicyConfig) Validate() error {
	if p.Action == "" {
		return errors.New("action is required")
	}
	if (p.Pattern == "") == (p.Expression == "") {
		return errors.New("exactly one of pattern or expression is required")
	}
	if p.Pattern != "" {
		if _, err := filepath.Match(p.Pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
		}
	}
	if p.Decision != "approve" && p.Decision != "reject" {
		return fmt.Errorf("decision must be approve or reject, got %q", p.Decision)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := userHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
