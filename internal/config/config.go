// ABOUTME: Configuration loading and parsing for periscope-gateway
// ABOUTME: Supports YAML files with env var expansion plus PERISCOPE_* overrides

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete periscope-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds gateway bind and advertise configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AdvertiseHost overrides the auto-detected local IP in pairing URLs.
	// Leave empty to probe the outbound interface at pairing time.
	AdvertiseHost string `yaml:"advertise_host"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds pairing token configuration
type AuthConfig struct {
	// JWTSecret signs pairing tokens. When empty the gateway generates an
	// ephemeral random secret at startup, so tokens die with the process.
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TokenTTLRaw string `yaml:"token_ttl"`
}

// AgentConfig holds the agent backend collaborator configuration
type AgentConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"-"`

	// Provider/model/key are pass-through metadata for the backend; the
	// gateway records them at startup but attaches no behavior to them.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// StreamConfig holds screen streaming configuration
type StreamConfig struct {
	Quality      int `yaml:"quality"`
	FPS          int `yaml:"fps"`
	TargetWidth  int `yaml:"target_width"`
	TargetHeight int `yaml:"target_height"`
	Monitor      int `yaml:"monitor"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is provided.
// Values match the gateway's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3333,
		},
		Auth: AuthConfig{
			TokenTTL: 30 * time.Minute,
		},
		Agent: AgentConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 5 * time.Minute,
		},
		Stream: StreamConfig{
			Quality:      75,
			FPS:          8,
			TargetWidth:  800,
			TargetHeight: 450,
			Monitor:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then any
// PERISCOPE_* override variables are applied on top of the file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load when path names an existing file and falls
// back to DefaultConfig (still honoring PERISCOPE_* overrides) when path is
// empty or missing. The gateway runs fine with no config file at all.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.Host == "" {
			return fmt.Errorf("server.host is required (or enable tailscale)")
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %s", c.Agent.Timeout)
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL)
	}

	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return fmt.Errorf("stream.quality must be in 1-100, got %d", c.Stream.Quality)
	}
	if c.Stream.FPS < 1 {
		return fmt.Errorf("stream.fps must be positive, got %d", c.Stream.FPS)
	}
	if c.Stream.TargetWidth < 1 || c.Stream.TargetHeight < 1 {
		return fmt.Errorf("stream.target_width and stream.target_height must be positive, got %dx%d",
			c.Stream.TargetWidth, c.Stream.TargetHeight)
	}

	return nil
}

// BindAddr returns the host:port the HTTP server listens on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = parseFlexibleDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Agent.TimeoutRaw != "" {
		cfg.Agent.Timeout, err = parseFlexibleDuration(cfg.Agent.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent timeout %q: %w", cfg.Agent.TimeoutRaw, err)
		}
	}

	return nil
}

// parseFlexibleDuration accepts either a Go duration string ("30m") or a bare
// integer interpreted as seconds ("1800"), the latter for compatibility with
// environment-only deployments.
func parseFlexibleDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides layers PERISCOPE_* environment variables over the config.
// Every operational knob can be set without a config file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PERISCOPE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PERISCOPE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PERISCOPE_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("PERISCOPE_ADVERTISE_HOST"); v != "" {
		cfg.Server.AdvertiseHost = v
	}
	if v := os.Getenv("PERISCOPE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PERISCOPE_TOKEN_TTL"); v != "" {
		ttl, err := parseFlexibleDuration(v)
		if err != nil {
			return fmt.Errorf("parsing PERISCOPE_TOKEN_TTL %q: %w", v, err)
		}
		cfg.Auth.TokenTTL = ttl
	}
	if v := os.Getenv("PERISCOPE_BACKEND_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("PERISCOPE_BACKEND_TIMEOUT"); v != "" {
		timeout, err := parseFlexibleDuration(v)
		if err != nil {
			return fmt.Errorf("parsing PERISCOPE_BACKEND_TIMEOUT %q: %w", v, err)
		}
		cfg.Agent.Timeout = timeout
	}
	if v := os.Getenv("PERISCOPE_LLM_PROVIDER"); v != "" {
		cfg.Agent.Provider = v
	}
	if v := os.Getenv("PERISCOPE_LLM_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("PERISCOPE_LLM_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" && cfg.Tailscale.AuthKey == "" {
		cfg.Tailscale.AuthKey = v
	}
	if v := os.Getenv("PERISCOPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"PERISCOPE_STREAM_QUALITY", &cfg.Stream.Quality},
		{"PERISCOPE_STREAM_FPS", &cfg.Stream.FPS},
		{"PERISCOPE_STREAM_WIDTH", &cfg.Stream.TargetWidth},
		{"PERISCOPE_STREAM_HEIGHT", &cfg.Stream.TargetHeight},
		{"PERISCOPE_STREAM_MONITOR", &cfg.Stream.Monitor},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s %q: %w", iv.name, v, err)
			}
			*iv.dst = n
		}
	}

	return nil
}
