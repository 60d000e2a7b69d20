// Package config loads the cineflow daemon configuration from YAML, a .env
// file and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/tasks"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider types.
const (
	ProviderEndpoint = "endpoint"
	ProviderOpenAI   = "openai"
	ProviderStub     = "stub"
)

// Config holds the daemon configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Store     StoreConfig                 `yaml:"store"`
	Log       LogConfig                   `yaml:"log"`
	Limiters  map[string]ratelimit.Config     `yaml:"limiters"`
	Pools     map[string]ratelimit.PoolConfig `yaml:"pools,omitempty"`
	Tasks     TasksConfig                     `yaml:"tasks"`
	Providers map[string]ProviderConfig       `yaml:"providers"`
	Features  FeaturesConfig                  `yaml:"features"`
	OpenAI    OpenAIConfig                    `yaml:"openai"`
}

// AspectRatios are the ratios a generation may request.
var AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "21:9"}

// FeaturesConfig switches parts of the catalog on and off.
type FeaturesConfig struct {
	// AspectRatios lists the enabled ratios, a subset of AspectRatios.
	AspectRatios []string `yaml:"aspect_ratios"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// MaxMessageSize bounds an incoming websocket frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	// SnapshotBackend is sqlite or redis. Task history always uses SQLite.
	SnapshotBackend  string        `yaml:"snapshot_backend"`
	DBPath           string        `yaml:"db_path"`
	RedisAddr        string        `yaml:"redis_addr"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
	SnapshotDebounce time.Duration `yaml:"snapshot_debounce"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TasksConfig configures generation tasks.
type TasksConfig struct {
	tasks.Config `yaml:",inline"`
	// StubDuration is how long the fallback stub takes to finish.
	StubDuration time.Duration `yaml:"stub_duration"`
}

// ProviderConfig binds a model identifier to an adapter.
type ProviderConfig struct {
	Type      string `yaml:"type"`
	URL       string `yaml:"url,omitempty"`
	StatusURL string `yaml:"status_url,omitempty"`
	// Limiter names a limiter or pool shared with other providers. Without
	// one the provider gets its own limiter named after the model.
	Limiter string        `yaml:"limiter,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Kind is image or video. Empty guesses from the model name.
	Kind     string `yaml:"kind,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
	// Members gives each member of the provider's pool its own endpoint.
	Members map[string]EndpointMember `yaml:"members,omitempty"`
}

// EndpointMember is the endpoint of one pool member.
type EndpointMember struct {
	URL       string `yaml:"url"`
	StatusURL string `yaml:"status_url,omitempty"`
}

// OpenAIConfig configures the OpenAI client used for images and prompt
// enhancement.
type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	ChatModel string `yaml:"chat_model"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:8080",
			MaxMessageSize: 8 << 20,
		},
		Store: StoreConfig{
			SnapshotBackend:  "sqlite",
			DBPath:           filepath.Join(home, ".cineflow", "cineflow.db"),
			SnapshotDebounce: 2 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Limiters: map[string]ratelimit.Config{
			ratelimit.DefaultName: *ratelimit.DefaultConfig(),
		},
		Tasks: TasksConfig{
			Config:       *tasks.DefaultConfig(),
			StubDuration: 3 * time.Second,
		},
		Providers: map[string]ProviderConfig{},
		Features:  FeaturesConfig{AspectRatios: slices.Clone(AspectRatios)},
		OpenAI:    OpenAIConfig{ChatModel: "gpt-4o-mini"},
	}
}

// DefaultPath returns ~/.cineflow/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".cineflow", "config.yaml")
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// A missing .env is normal.
	_ = godotenv.Load()
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("CINEFLOW_LISTEN", &c.Server.Listen)
	set("CINEFLOW_DB", &c.Store.DBPath)
	set("CINEFLOW_SNAPSHOT_BACKEND", &c.Store.SnapshotBackend)
	set("CINEFLOW_REDIS_ADDR", &c.Store.RedisAddr)
	set("CINEFLOW_LOG_LEVEL", &c.Log.Level)
	set("CINEFLOW_LOG_FORMAT", &c.Log.Format)
	set("OPENAI_API_KEY", &c.OpenAI.APIKey)
	set("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	switch c.Store.SnapshotBackend {
	case "sqlite":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis snapshot backend")
		}
	default:
		return fmt.Errorf("invalid snapshot backend %q, must be: sqlite or redis", c.Store.SnapshotBackend)
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q, must be: debug, info, warn, or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be: text or json", c.Log.Format)
	}

	for name, l := range c.Limiters {
		if l.MaxPerWindow < 0 || l.MaxConcurrent < 0 {
			return fmt.Errorf("limiter %q: limits must not be negative", name)
		}
	}

	for name, p := range c.Pools {
		if _, ok := c.Limiters[name]; ok {
			return fmt.Errorf("pool %q: name is already used by a limiter", name)
		}
		if len(p.Members) == 0 {
			return fmt.Errorf("pool %q: at least one member is required", name)
		}
		for _, m := range p.Members {
			if _, ok := c.Limiters[m]; !ok {
				return fmt.Errorf("pool %q: unknown limiter %q", name, m)
			}
		}
	}

	for _, r := range c.Features.AspectRatios {
		if !slices.Contains(AspectRatios, r) {
			return fmt.Errorf("invalid aspect ratio %q, must be one of: %s", r, strings.Join(AspectRatios, ", "))
		}
	}

	for model, p := range c.Providers {
		if err := c.validateProvider(model, p); err != nil {
			return fmt.Errorf("provider %q: %w", model, err)
		}
	}
	return nil
}

func (c *Config) validateProvider(model string, p ProviderConfig) error {
	switch p.Type {
	case ProviderEndpoint:
		if p.URL == "" && len(p.Members) == 0 {
			return fmt.Errorf("url or members is required")
		}
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key or OPENAI_API_KEY is required")
		}
	case ProviderStub:
	default:
		return fmt.Errorf("invalid type %q, must be: endpoint, openai, or stub", p.Type)
	}

	switch p.Kind {
	case "", "image", "video":
	default:
		return fmt.Errorf("invalid kind %q, must be: image or video", p.Kind)
	}

	_, isLimiter := c.Limiters[p.Limiter]
	pool, isPool := c.Pools[p.Limiter]
	switch {
	case p.Limiter == "":
		if p.Type == ProviderStub {
			break
		}
		if _, ok := c.Limiters[model]; ok {
			return fmt.Errorf("needs its own limiter, but %q is a shared limiter; set limiter: %s", model, model)
		}
		if _, ok := c.Pools[model]; ok {
			return fmt.Errorf("needs its own limiter, but %q is a pool; set limiter: %s", model, model)
		}
	case !isLimiter && !isPool:
		return fmt.Errorf("unknown limiter %q", p.Limiter)
	}

	for name, m := range p.Members {
		if !isPool || !slices.Contains(pool.Members, name) {
			return fmt.Errorf("member %q is not in the provider's pool", name)
		}
		if m.URL == "" {
			return fmt.Errorf("member %q: url is required", name)
		}
	}
	return nil
}

// LimiterFor returns the limiter or pool a provider schedules on: the
// configured one, or a limiter of its own named after model.
func (p ProviderConfig) LimiterFor(model string) string {
	if p.Limiter == "" {
		return model
	}
	return p.Limiter
}
