// Package config loads the process configuration of crmsync.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig bounds the executor and its remote call policy.
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// AdminConfig configures the administrative HTTP API.
type AdminConfig struct {
	Listen         string   `mapstructure:"listen"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CredentialsConfig holds the key credentials are sealed with at rest.
type CredentialsConfig struct {
	// Key is a base64 encoded 32-byte key. Empty stores credentials in
	// plaintext.
	Key string `mapstructure:"key"`
}

type Config struct {
	Database    string            `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// EnvPrefix prefixes the environment variables that override file values,
// e.g. CRMSYNC_ENGINE_WORKERS.
const EnvPrefix = "CRMSYNC"

var defaults = map[string]any{
	"database":                 "crmsync.db",
	"log.level":                "info",
	"log.format":               "text",
	"engine.workers":           4,
	"engine.rate_per_second":   10.0,
	"engine.burst":             5,
	"engine.call_timeout":      30 * time.Second,
	"engine.max_attempts":      3,
	"engine.backoff_base":      500 * time.Millisecond,
	"engine.max_backoff":       10 * time.Second,
	"engine.failure_threshold": 5,
	"admin.listen":             ":8080",
	"admin.jwt_secret":         "",
	"admin.allowed_origins":    []string{},
	"credentials.key":          "",
}

// Load reads the configuration. An explicit path must exist; without one
// crmsync.yaml is looked up in the current directory and ./config, and a
// missing file leaves the defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("crmsync")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Database == "":
		return errors.New("config: database must be set")
	case c.Engine.Workers < 1:
		return fmt.Errorf("config: engine.workers must be at least 1, got %d", c.Engine.Workers)
	case c.Engine.RatePerSecond < 0:
		return fmt.Errorf("config: engine.rate_per_second must not be negative, got %v", c.Engine.RatePerSecond)
	case c.Engine.MaxAttempts < 1:
		return fmt.Errorf("config: engine.max_attempts must be at least 1, got %d", c.Engine.MaxAttempts)
	case c.Engine.FailureThreshold < 0:
		return fmt.Errorf("config: engine.failure_threshold must not be negative, got %d", c.Engine.FailureThreshold)
	}
	if c.Engine.Burst < 1 {
		c.Engine.Burst = 1
	}
	return nil
}
