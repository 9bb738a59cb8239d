package config

import (
	"flag"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelManagerConfig holds configuration for the model manager.
type ModelManagerConfig struct {
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	ConfigFile string `yaml:"-"`

	StoragePath        string   `yaml:"storage_path"`
	MaxModelSize       string   `yaml:"max_model_size"`
	ChecksumValidation bool     `yaml:"checksum_validation"`
	SupportedFormats   []string `yaml:"supported_formats"`
	RebuildOnStart     bool     `yaml:"rebuild_on_start"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ModelManagerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8083
	}
	if c.StoragePath == "" {
		c.StoragePath = "./models"
	}
	if c.MaxModelSize == "" {
		c.MaxModelSize = "1GB"
	}
	c.ChecksumValidation = true
	if c.SupportedFormats == nil {
		c.SupportedFormats = []string{"onnx", "tensorflow", "pytorch", "custom"}
	}
}

// ApplyFile overlays values from a YAML config file when it exists.
func (c *ModelManagerConfig) ApplyFile(path string) error {
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
func (c *ModelManagerConfig) ApplyEnv() {
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
	if v := GetEnv("STORAGE_PATH", ""); v != "" {
		c.StoragePath = v
	}
	if v := GetEnv("MAX_MODEL_SIZE", ""); v != "" {
		c.MaxModelSize = v
	}
	if v := GetEnv("CHECKSUM_VALIDATION", ""); v != "" {
		c.ChecksumValidation = v != "false" && v != "0"
	}
	if v := GetEnv("SUPPORTED_FORMATS", ""); v != "" {
		c.SupportedFormats = splitComma(v)
	}
	if v := GetEnv("REBUILD_ON_START", ""); v != "" {
		c.RebuildOnStart = v == "true" || v == "1"
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as defaults.
func (c *ModelManagerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "model manager config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.StoragePath, "storage-path", c.StoragePath, "directory for model blobs")
	flag.StringVar(&c.MaxModelSize, "max-model-size", c.MaxModelSize, "maximum model size, e.g. 1GB or 500MB")
	flag.BoolVar(&c.ChecksumValidation, "checksum-validation", c.ChecksumValidation, "verify blob checksums on read")
	flag.BoolVar(&c.RebuildOnStart, "rebuild-on-start", c.RebuildOnStart, "rebuild the registry from blobs on disk at startup")
	flag.Func("supported-formats", "comma separated list of accepted model formats", func(v string) error {
		c.SupportedFormats = splitComma(v)
		return nil
	})
}
