package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	ConfigFile string `yaml:"-"`

	LoadBalancingStrategy    string        `yaml:"load_balancing_strategy"`
	HealthCheckInterval      time.Duration `yaml:"health_check_interval"`
	ServiceDiscoveryInterval time.Duration `yaml:"service_discovery_interval"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *OrchestratorConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8081
	}
	if c.LoadBalancingStrategy == "" {
		c.LoadBalancingStrategy = "round-robin"
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.ServiceDiscoveryInterval == 0 {
		c.ServiceDiscoveryInterval = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// ApplyFile overlays values from a YAML config file when it exists.
func (c *OrchestratorConfig) ApplyFile(path string) error {
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
func (c *OrchestratorConfig) ApplyEnv() {
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
	if v := GetEnv("LOAD_BALANCING_STRATEGY", ""); v != "" {
		c.LoadBalancingStrategy = v
	}
	if v := GetEnv("HEALTH_CHECK_INTERVAL_MS", ""); v != "" {
		c.HealthCheckInterval = parseInterval(v, c.HealthCheckInterval)
	}
	if v := GetEnv("SERVICE_DISCOVERY_INTERVAL_MS", ""); v != "" {
		c.ServiceDiscoveryInterval = parseInterval(v, c.ServiceDiscoveryInterval)
	}
	if v := GetEnv("REQUEST_TIMEOUT_MS", ""); v != "" {
		c.RequestTimeout = parseInterval(v, c.RequestTimeout)
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *OrchestratorConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "orchestrator config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.LoadBalancingStrategy, "strategy", c.LoadBalancingStrategy, "worker selection strategy (round-robin, least-connections, weighted, random)")
	flag.DurationVar(&c.HealthCheckInterval, "health-check-interval", c.HealthCheckInterval, "interval between worker health probes")
	flag.DurationVar(&c.ServiceDiscoveryInterval, "discovery-interval", c.ServiceDiscoveryInterval, "interval between discovery refreshes")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration of a routed inference call")
}
