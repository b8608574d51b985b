package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults applied when the config file omits a value.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultServerURL    = "http://localhost:8080"
)

// Config represents the global ~/.tchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`
	UserID         string `toml:"user_id"`
	Token          string `toml:"token"`
	PollSeconds    int    `toml:"poll_seconds"`
}

// PollInterval returns the directory poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollSeconds <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollSeconds) * time.Second
}

// Load reads config from the given path and applies defaults.
// Returns zero config and error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	return &cfg, nil
}

// ApplyEnv overlays credentials and server address from the environment,
// optionally seeded from a .env file at envPath. Precedence: process
// environment > .env file > config file, so tokens can stay out of
// config.toml.
func (c *Config) ApplyEnv(envPath string) {
	fileVars := map[string]string{}
	if envPath != "" {
		// Missing .env is fine; plain environment variables still apply.
		if m, err := godotenv.Read(envPath); err == nil {
			fileVars = m
		}
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileVars[key]
	}
	if v := lookup("TCHAT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := lookup("TCHAT_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := lookup("TCHAT_TOKEN"); v != "" {
		c.Token = v
	}
}

// Validate checks that the fields required to reach a server are present.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (config.toml or TCHAT_USER_ID)")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
