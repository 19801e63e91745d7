package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultServerAddress     = ":8090"
	DefaultCompletionTimeout = 30 * time.Second
	DefaultSessionTTL        = 60 * time.Minute
	DefaultSweepInterval     = 5 * time.Minute
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	Kind         string `json:"kind"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key"`
	Organization string `json:"organization"`
	MaxTokens    int    `json:"max_tokens"`
}

type BasicConfig struct {
	ServerAddress            string `json:"server_address"`
	ProfilesPath             string `json:"profiles_path"`
	CompletionTimeoutSeconds int    `json:"completion_timeout_seconds"`
	MinWorkers               int    `json:"min_workers"`
	MaxWorkers               int    `json:"max_workers"`
	QueueSize                int    `json:"queue_size"`
	WorkerIdleTimeout        int    `json:"worker_idle_timeout"`
	SessionTTLMinutes        int    `json:"session_ttl_minutes"`
	SweepIntervalMinutes     int    `json:"sweep_interval_minutes"`
	ArchiveRetentionDays     int    `json:"archive_retention_days"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// KeyPrefix namespaces every key and channel, default "langy".
	KeyPrefix string `json:"key_prefix"`
}

// providerEnv maps provider names to the environment variables that can supply
// their credentials when the config file leaves them empty.
var providerEnv = map[string]struct{ key, org string }{
	"openai":            {key: "OPENAI_API_KEY", org: "OPENAI_ORG_ID"},
	"openai_compatible": {key: "OPENAI_COMPATIBLE_API_KEY"},
	"gemini":            {key: "GEMINI_API_KEY"},
	"claude":            {key: "ANTHROPIC_API_KEY"},
}

// LoadEnv reads a .env file into the process environment if one exists.
// Variables already set in the environment win.
func LoadEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file yields the built-in defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	if p := cfg.BasicConfig.ProfilesPath; p != "" && !filepath.IsAbs(p) {
		cfg.BasicConfig.ProfilesPath = filepath.Join(filepath.Dir(absPath), p)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range providerEnv {
		prov, ok := c.Providers[name]
		if !ok {
			prov = ProviderConfig{}
		}
		if prov.APIKey == "" {
			prov.APIKey = os.Getenv(env.key)
		}
		if prov.Organization == "" && env.org != "" {
			prov.Organization = os.Getenv(env.org)
		}
		if ok || prov.APIKey != "" {
			c.Providers[name] = prov
		}
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "langy"
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "langy.db"}
	}
}

// CompletionTimeout bounds every provider call.
func (c *Config) CompletionTimeout() time.Duration {
	if c.BasicConfig.CompletionTimeoutSeconds <= 0 {
		return DefaultCompletionTimeout
	}
	return time.Duration(c.BasicConfig.CompletionTimeoutSeconds) * time.Second
}

// SessionTTL is how long an idle browser session keeps its conversation.
func (c *Config) SessionTTL() time.Duration {
	if c.BasicConfig.SessionTTLMinutes <= 0 {
		return DefaultSessionTTL
	}
	return time.Duration(c.BasicConfig.SessionTTLMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	if c.BasicConfig.SweepIntervalMinutes <= 0 {
		return DefaultSweepInterval
	}
	return time.Duration(c.BasicConfig.SweepIntervalMinutes) * time.Minute
}

// ArchiveRetention is how long archived conversations are kept after their
// last update. Zero keeps them forever.
func (c *Config) ArchiveRetention() time.Duration {
	if c.BasicConfig.ArchiveRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.BasicConfig.ArchiveRetentionDays) * 24 * time.Hour
}

func (c *Config) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.BasicConfig.WorkerIdleTimeout) * time.Minute
}
