// Package config defines the tempus application configuration.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level tempus configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8484"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string       `json:"jwt_secret" yaml:"jwt_secret"`
	Users     []UserConfig `json:"users" yaml:"users"`
}

// UserConfig is one account allowed to log in. PasswordHash is a bcrypt
// hash; plaintext passwords never appear in config.
type UserConfig struct {
	ID           string `json:"id" yaml:"id"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8484",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file, applies the optional .env overlay, and
// returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays secrets from the environment (optionally loaded from
// a .env file) so they can stay out of the YAML file.
func (c *Config) applyEnv() {
	_ = godotenv.Load() // missing .env is fine

	if v := os.Getenv("TEMPUS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TEMPUS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TEMPUS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TEMPUS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
