// Package config loads the client and relay configuration from YAML with
// environment overrides.
package config

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Client    ClientConfig    `yaml:"client"`
	Sync      SyncConfig      `yaml:"sync"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
}

type RelayConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type ClientConfig struct {
	Endpoint string `yaml:"endpoint"`
	UserID   string `yaml:"user_id"`
	Region   string `yaml:"region"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Policy         string        `yaml:"policy"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Host:     "0.0.0.0",
			Port:     8090,
			CacheTTL: 5 * time.Minute,
		},
		Client: ClientConfig{
			Endpoint: "ws://localhost:8090/sync",
			Region:   "default",
		},
		Sync: SyncConfig{
			Interval:       5 * time.Second,
			RequestTimeout: 10 * time.Second,
			Policy:         "last-write-wins",
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 8,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads YAML config from r on top of the defaults.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile reads YAML config from path on top of the defaults. A missing
// path falls back to defaults plus environment overrides.
func LoadFile(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to open config file")
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANCHORSYNC_ENDPOINT"); v != "" {
		c.Client.Endpoint = v
	}
	if v := os.Getenv("ANCHORSYNC_REGION"); v != "" {
		c.Client.Region = v
	}
	if v := os.Getenv("ANCHORSYNC_USER_ID"); v != "" {
		c.Client.UserID = v
	}
	if v := os.Getenv("ANCHORSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
