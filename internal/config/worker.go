package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for the inference worker.
type WorkerConfig struct {
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	ConfigFile string `yaml:"-"`

	WorkerID        string   `yaml:"worker_id"`
	WorkerName      string   `yaml:"worker_name"`
	AdvertiseAddr   string   `yaml:"advertise_addr"`
	OrchestratorURL string   `yaml:"orchestrator_url"`
	ModelManagerURL string   `yaml:"model_manager_url"`
	Capabilities    []string `yaml:"capabilities"`
	PreloadModels   []string `yaml:"preload_models"`

	MaxConcurrentInferences int           `yaml:"max_concurrent_inferences"`
	InferenceTimeout        time.Duration `yaml:"inference_timeout"`
	ModelCacheSize          int           `yaml:"model_cache_size"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
}

// SetDefaults initializes c with built-in defaults.
func (c *WorkerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8082
	}
	if c.OrchestratorURL == "" {
		c.OrchestratorURL = "http://127.0.0.1:8081"
	}
	if c.ModelManagerURL == "" {
		c.ModelManagerURL = "http://127.0.0.1:8083"
	}
	if c.MaxConcurrentInferences == 0 {
		c.MaxConcurrentInferences = 10
	}
	if c.InferenceTimeout == 0 {
		c.InferenceTimeout = 30 * time.Second
	}
	if c.ModelCacheSize == 0 {
		c.ModelCacheSize = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WorkerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker-" + uuid.NewString()[:8]
		}
		c.WorkerName = host
	}
}

// ApplyFile overlays values from a YAML config file when it exists.
func (c *WorkerConfig) ApplyFile(path string) error {
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
func (c *WorkerConfig) ApplyEnv() {
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
	if v := GetEnv("WORKER_ID", ""); v != "" {
		c.WorkerID = v
	}
	if v := GetEnv("WORKER_NAME", ""); v != "" {
		c.WorkerName = v
	}
	if v := GetEnv("ADVERTISE_ADDR", ""); v != "" {
		c.AdvertiseAddr = v
	}
	if v := GetEnv("ORCHESTRATOR_URL", ""); v != "" {
		c.OrchestratorURL = v
	}
	if v := GetEnv("MODEL_MANAGER_URL", ""); v != "" {
		c.ModelManagerURL = v
	}
	if v := GetEnv("CAPABILITIES", ""); v != "" {
		c.Capabilities = splitComma(v)
	}
	if v := GetEnv("PRELOAD_MODELS", ""); v != "" {
		c.PreloadModels = splitComma(v)
	}
	if v := GetEnv("MAX_CONCURRENT_INFERENCES", ""); v != "" {
		if n, err := atoi(v); err == nil && n > 0 {
			c.MaxConcurrentInferences = n
		}
	}
	if v := GetEnv("INFERENCE_TIMEOUT_MS", ""); v != "" {
		c.InferenceTimeout = parseInterval(v, c.InferenceTimeout)
	}
	if v := GetEnv("MODEL_CACHE_SIZE", ""); v != "" {
		if n, err := atoi(v); err == nil && n > 0 {
			c.ModelCacheSize = n
		}
	}
	if v := GetEnv("HEARTBEAT_INTERVAL_MS", ""); v != "" {
		c.HeartbeatInterval = parseInterval(v, c.HeartbeatInterval)
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *WorkerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "worker config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identifier; generated when empty")
	flag.StringVar(&c.WorkerName, "worker-name", c.WorkerName, "worker display name")
	flag.StringVar(&c.AdvertiseAddr, "advertise-addr", c.AdvertiseAddr, "address the orchestrator should dial back")
	flag.StringVar(&c.OrchestratorURL, "orchestrator-url", c.OrchestratorURL, "base URL of the orchestrator")
	flag.StringVar(&c.ModelManagerURL, "model-manager-url", c.ModelManagerURL, "base URL of the model manager")
	flag.IntVar(&c.MaxConcurrentInferences, "max-concurrency", c.MaxConcurrentInferences, "max concurrent inferences")
	flag.DurationVar(&c.InferenceTimeout, "inference-timeout", c.InferenceTimeout, "default per-inference timeout")
	flag.IntVar(&c.ModelCacheSize, "model-cache-size", c.ModelCacheSize, "max models held in the local cache")
	flag.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "interval between registration heartbeats")
	flag.Func("capabilities", "comma separated capability tags", func(v string) error {
		c.Capabilities = splitComma(v)
		return nil
	})
	flag.Func("preload-models", "comma separated model ids to load at startup", func(v string) error {
		c.PreloadModels = splitComma(v)
		return nil
	})
}

// Normalize fills derived fields after all sources are applied.
func (c *WorkerConfig) Normalize() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = fmt.Sprintf("http://127.0.0.1:%d", c.Port)
	}
}
