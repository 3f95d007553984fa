// Package config handles Hugin configuration via YAML files and environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--schema, --max-hops, etc.)
//  2. Environment variables (HUGIN_*)
//  3. Config file (hugin.yaml)
//  4. Built-in defaults
//
// Environment variables (all use the HUGIN_ prefix):
//
// Compiler:
//   - HUGIN_MAX_HOPS=10
//   - HUGIN_ALLOW_CARTESIAN=false
//
// Cache:
//   - HUGIN_CACHE_SIZE=1024
//
// Schemas:
//   - HUGIN_SCHEMA_DIR="./schemas"
//   - HUGIN_SCHEMA_REFRESH=0s
//
// Logging:
//   - HUGIN_LOG_LEVEL="INFO"
//   - HUGIN_LOG_FORMAT="text"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Hugin configuration.
type Config struct {
	// Compiler settings
	Compiler CompilerConfig

	// Plan cache settings
	Cache CacheConfig

	// Schema catalog settings
	Schemas SchemaConfig

	// Logging
	Logging LoggingConfig
}

// CompilerConfig holds compilation policy.
type CompilerConfig struct {
	// MaxHops bounds open-ended variable-length ranges (`*` and `*n..`).
	// It also sets the emitted recursion-depth setting to MaxHops+1.
	MaxHops int
	// AllowCartesianProduct joins disconnected pattern components with a
	// cross join instead of rejecting them.
	AllowCartesianProduct bool
}

// CacheConfig holds plan cache settings.
type CacheConfig struct {
	// Size is the cache capacity in compiled templates. Zero disables the
	// cache.
	Size int
}

// SchemaConfig holds schema catalog settings.
type SchemaConfig struct {
	// Dir is the directory of schema YAML files, loaded on startup.
	Dir string
	// RefreshInterval re-reads Dir on this interval. Zero disables refresh.
	RefreshInterval time.Duration
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: DEBUG, INFO, WARN, ERROR
	Level string
	// Format: "text" or "json"
	Format string
}

// yamlConfig mirrors the config file layout.
type yamlConfig struct {
	Compiler struct {
		MaxHops        int  `yaml:"max_hops"`
		AllowCartesian bool `yaml:"allow_cartesian"`
	} `yaml:"compiler"`
	Cache struct {
		Size int `yaml:"size"`
	} `yaml:"cache"`
	Schemas struct {
		Dir     string `yaml:"dir"`
		Refresh string `yaml:"refresh"`
	} `yaml:"schemas"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadDefaults returns the built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Compiler: CompilerConfig{
			MaxHops:               10,
			AllowCartesianProduct: false,
		},
		Cache: CacheConfig{
			Size: 1024,
		},
		Schemas: SchemaConfig{
			Dir: "./schemas",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LoadFromEnv builds a Config from defaults overridden by HUGIN_*
// environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()

	config.Compiler.MaxHops = getEnvInt("HUGIN_MAX_HOPS", config.Compiler.MaxHops)
	config.Compiler.AllowCartesianProduct = getEnvBool("HUGIN_ALLOW_CARTESIAN", config.Compiler.AllowCartesianProduct)
	config.Cache.Size = getEnvInt("HUGIN_CACHE_SIZE", config.Cache.Size)
	config.Schemas.Dir = getEnv("HUGIN_SCHEMA_DIR", config.Schemas.Dir)
	config.Schemas.RefreshInterval = getEnvDuration("HUGIN_SCHEMA_REFRESH", config.Schemas.RefreshInterval)
	config.Logging.Level = getEnv("HUGIN_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("HUGIN_LOG_FORMAT", config.Logging.Format)

	return config
}

// LoadFromFile layers a YAML config file over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(config), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yamlCfg.Compiler.MaxHops > 0 {
		config.Compiler.MaxHops = yamlCfg.Compiler.MaxHops
	}
	if yamlCfg.Compiler.AllowCartesian {
		config.Compiler.AllowCartesianProduct = true
	}
	if yamlCfg.Cache.Size > 0 {
		config.Cache.Size = yamlCfg.Cache.Size
	}
	if yamlCfg.Schemas.Dir != "" {
		config.Schemas.Dir = yamlCfg.Schemas.Dir
	}
	if yamlCfg.Schemas.Refresh != "" {
		d, err := time.ParseDuration(yamlCfg.Schemas.Refresh)
		if err != nil {
			return nil, fmt.Errorf("invalid schemas.refresh %q: %w", yamlCfg.Schemas.Refresh, err)
		}
		config.Schemas.RefreshInterval = d
	}
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}

	return applyEnv(config), nil
}

func applyEnv(config *Config) *Config {
	config.Compiler.MaxHops = getEnvInt("HUGIN_MAX_HOPS", config.Compiler.MaxHops)
	config.Compiler.AllowCartesianProduct = getEnvBool("HUGIN_ALLOW_CARTESIAN", config.Compiler.AllowCartesianProduct)
	config.Cache.Size = getEnvInt("HUGIN_CACHE_SIZE", config.Cache.Size)
	config.Schemas.Dir = getEnv("HUGIN_SCHEMA_DIR", config.Schemas.Dir)
	config.Schemas.RefreshInterval = getEnvDuration("HUGIN_SCHEMA_REFRESH", config.Schemas.RefreshInterval)
	config.Logging.Level = getEnv("HUGIN_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("HUGIN_LOG_FORMAT", config.Logging.Format)
	return config
}

// FindConfigFile returns the first config file found in the standard
// locations, or "" when none exists.
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".hugin", "config.yaml"))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "hugin.yaml"),
		)
	}

	candidates = append(candidates,
		"config.yaml",
		"hugin.yaml",
	)

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "hugin", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Validate checks the configuration for values the compiler cannot work
// with.
func (c *Config) Validate() error {
	if c.Compiler.MaxHops < 1 {
		return fmt.Errorf("compiler.max_hops must be at least 1, got %d", c.Compiler.MaxHops)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size cannot be negative, got %d", c.Cache.Size)
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
