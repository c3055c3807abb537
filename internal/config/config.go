package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models careerline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	GitHub   GitHubConfig   `yaml:"github"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Queue    QueueConfig    `yaml:"queue"`
	Review   struct {
		Backend string `yaml:"backend"`
	} `yaml:"review"`
	Auth struct {
		JWTSecret              Secret `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type GitHubConfig struct {
	WebhookSecret      Secret      `yaml:"webhook_secret"`
	Token              Secret      `yaml:"token"`
	BaseURL            string      `yaml:"base_url"`
	RateLimitPerMinute int         `yaml:"rate_limit_per_minute"`
	DiffCacheSize      int         `yaml:"diff_cache_size"`
	Retry              RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

type LLMConfig struct {
	Backend               string  `yaml:"backend"`
	Model                 string  `yaml:"model"`
	APIKey                Secret  `yaml:"api_key"`
	Project               string  `yaml:"project"`
	Location              string  `yaml:"location"`
	ExtractTemperature    float32 `yaml:"extract_temperature"`
	SynthesizeTemperature float32 `yaml:"synthesize_temperature"`
}

type PipelineConfig struct {
	MaxRetries          int      `yaml:"max_retries"`
	MaxDiffLines        int      `yaml:"max_diff_lines"`
	MaxEventRetries     int      `yaml:"max_event_retries"`
	StaleAfter          Duration `yaml:"stale_after"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	ExpirySweepInterval Duration `yaml:"expiry_sweep_interval"`
}

type QueueConfig struct {
	Backend         string   `yaml:"backend"`
	Name            string   `yaml:"name"`
	NATSURL         string   `yaml:"nats_url"`
	Stream          string   `yaml:"stream"`
	PollInterval    Duration `yaml:"poll_interval"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	TaskToken       Secret   `yaml:"task_token"`
}

const (
	QueueBackendSQLite = "sqlite"
	QueueBackendNATS   = "nats"

	LLMBackendGemini = "gemini"
	LLMBackendVertex = "vertex"
	LLMBackendNone   = "none"

	ReviewBackendStub = "stub"
	ReviewBackendLLM  = "llm"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Queue.Backend {
	case QueueBackendSQLite:
	case QueueBackendNATS:
		if strings.TrimSpace(c.Queue.NATSURL) == "" {
			return fmt.Errorf("config.queue.nats_url is required for backend nats")
		}
		if strings.TrimSpace(c.Queue.Stream) == "" {
			return fmt.Errorf("config.queue.stream is required for backend nats")
		}
	default:
		return fmt.Errorf("config.queue.backend must be one of sqlite, nats")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config.queue.max_attempts must be positive")
	}
	switch c.LLM.Backend {
	case LLMBackendGemini, LLMBackendNone:
	case LLMBackendVertex:
		if c.LLM.Project == "" || c.LLM.Location == "" {
			return fmt.Errorf("config.llm.project and config.llm.location are required for backend vertex")
		}
	default:
		return fmt.Errorf("config.llm.backend must be one of gemini, vertex, none")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	for name, temp := range map[string]float32{
		"extract_temperature":    c.LLM.ExtractTemperature,
		"synthesize_temperature": c.LLM.SynthesizeTemperature,
	} {
		if temp < 0 || temp > 2 {
			return fmt.Errorf("config.llm.%s must be within [0,2]", name)
		}
	}
	switch c.Review.Backend {
	case ReviewBackendStub, ReviewBackendLLM:
	default:
		return fmt.Errorf("config.review.backend must be one of stub, llm")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("config.pipeline.max_retries cannot be negative")
	}
	if c.Pipeline.MaxDiffLines <= 0 {
		return fmt.Errorf("config.pipeline.max_diff_lines must be positive")
	}
	if c.Pipeline.MaxEventRetries < 0 {
		return fmt.Errorf("config.pipeline.max_event_retries cannot be negative")
	}
	if c.GitHub.RateLimitPerMinute < 0 {
		return fmt.Errorf("config.github.rate_limit_per_minute cannot be negative")
	}
	if c.GitHub.Retry.Multiplier != 0 && c.GitHub.Retry.Multiplier < 1 {
		return fmt.Errorf("config.github.retry.multiplier must be >= 1")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is invalid", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format %q is invalid", c.Log.Format)
	}
	return nil
}

// WebhookURL is the public address GitHub delivers to.
func (c *Config) WebhookURL() string {
	base := strings.TrimRight(c.Server.PublicURL, "/")
	return base + c.Server.BasePath + "/webhooks/github"
}

// TaskURL is the public address of a worker endpoint.
func (c *Config) TaskURL(name string) string {
	base := strings.TrimRight(c.Server.PublicURL, "/")
	return base + c.Server.BasePath + "/tasks/" + name
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careerline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Backoff returns the retry delay for the given attempt (0-based).
func (r RetryConfig) Backoff(attempt int) time.Duration {
	d := r.InitialBackoff.Duration()
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if ceiling := r.MaxBackoff.Duration(); ceiling > 0 && d > ceiling {
			return ceiling
		}
	}
	return d
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  public_url: http://127.0.0.1:8080

github:
  base_url: ""
  rate_limit_per_minute: 120
  diff_cache_size: 256
  retry:
    max_retries: 3
    initial_backoff: 1s
    max_backoff: 30s
    multiplier: 2

llm:
  backend: gemini
  model: gemini-1.5-pro
  extract_temperature: 0.3
  synthesize_temperature: 0.5

pipeline:
  max_retries: 2
  max_diff_lines: 5000
  max_event_retries: 5
  stale_after: 15m
  sweep_interval: 1m
  expiry_sweep_interval: 5m

queue:
  backend: sqlite
  name: pr-event-processing
  stream: CAREERLINE_TASKS
  poll_interval: 1s
  delivery_timeout: 60s
  max_attempts: 8

review:
  backend: stub

log:
  level: info
  format: json
`
