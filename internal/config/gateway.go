package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds configuration for the API gateway.
type GatewayConfig struct {
	Port            int      `yaml:"port"`
	LogLevel        string   `yaml:"log_level"`
	ConfigFile      string   `yaml:"-"`
	OrchestratorURL string   `yaml:"orchestrator_url"`
	ModelManagerURL string   `yaml:"model_manager_url"`
	AuthEnabled     bool     `yaml:"auth_enabled"`
	APIKeys         []string `yaml:"api_keys"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	RateLimitEnabled bool          `yaml:"rate_limit_enabled"`
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	RateLimitMax     int           `yaml:"rate_limit_max"`
	RedisAddr        string        `yaml:"redis_addr"`
}

// SetDefaults initializes c with built-in defaults.
func (c *GatewayConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.OrchestratorURL == "" {
		c.OrchestratorURL = "http://127.0.0.1:8081"
	}
	if c.ModelManagerURL == "" {
		c.ModelManagerURL = "http://127.0.0.1:8083"
	}
	c.AuthEnabled = true
	c.RateLimitEnabled = true
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 100
	}
}

// ApplyFile overlays values from a YAML config file when it exists.
func (c *GatewayConfig) ApplyFile(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *GatewayConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("ORCHESTRATOR_URL", ""); v != "" {
		c.OrchestratorURL = v
	}
	if v := GetEnv("MODEL_MANAGER_URL", ""); v != "" {
		c.ModelManagerURL = v
	}
	if v := GetEnv("AUTH_ENABLED", ""); v != "" {
		c.AuthEnabled = v != "false" && v != "0"
	}
	if v := GetEnv("API_KEYS", ""); v != "" {
		c.APIKeys = splitComma(v)
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("RATE_LIMIT_ENABLED", ""); v != "" {
		c.RateLimitEnabled = v != "false" && v != "0"
	}
	if v := GetEnv("RATE_LIMIT_WINDOW_MS", ""); v != "" {
		c.RateLimitWindow = parseInterval(v, c.RateLimitWindow)
	}
	if v := GetEnv("RATE_LIMIT_MAX_REQUESTS", ""); v != "" {
		if n, err := atoi(v); err == nil {
			c.RateLimitMax = n
		}
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *GatewayConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.OrchestratorURL, "orchestrator-url", c.OrchestratorURL, "base URL of the orchestrator")
	flag.StringVar(&c.ModelManagerURL, "model-manager-url", c.ModelManagerURL, "base URL of the model manager")
	flag.BoolVar(&c.AuthEnabled, "auth", c.AuthEnabled, "require an API key on /api/v1 routes")
	flag.BoolVar(&c.RateLimitEnabled, "rate-limit", c.RateLimitEnabled, "enable the per-client rate limiter")
	flag.IntVar(&c.RateLimitMax, "rate-limit-max", c.RateLimitMax, "maximum requests per client per window")
	flag.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "rate limiter window duration")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared rate limiter state")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.Func("api-keys", "comma separated key:name:perm|perm entries", func(v string) error {
		c.APIKeys = splitComma(v)
		return nil
	})
}
