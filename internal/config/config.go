// Package config persists the client's server registry as a flat JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerConfig is one server entry in the config file.
type ServerConfig struct {
	Name        string                 `json:"name"`
	URL         string                 `json:"url"`
	Description string                 `json:"description,omitempty"`
	Enabled     bool                   `json:"enabled"`
	Timeout     int                    `json:"timeout"`
	Priority    int                    `json:"priority"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Config is the on-disk client configuration.
type Config struct {
	Servers         []ServerConfig `json:"servers"`
	DefaultTimeout  int            `json:"default_timeout"`
	EnableSecurity  bool           `json:"enable_security"`
	FailOnViolation bool           `json:"security_fail_on_violation"`
	AutoDiscover    bool           `json:"auto_discover"`
	RefreshInterval int            `json:"refresh_interval,omitempty"`
}

// Default returns the configuration used when no file exists yet: a 30
// second timeout, screening on and fail-closed, auto-discovery on.
func Default() *Config {
	return &Config{
		DefaultTimeout:  30,
		EnableSecurity:  true,
		FailOnViolation: true,
		AutoDiscover:    true,
	}
}

// DefaultPath returns ~/.simple_mcp_client/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".simple_mcp_client", "config.json"), nil
}

// Load reads the config file at path. A missing file yields the defaults; a
// corrupt file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories as
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// AddServer appends a server entry, rejecting duplicates by name or URL.
func (c *Config) AddServer(server ServerConfig) error {
	for _, existing := range c.Servers {
		if existing.Name == server.Name || existing.URL == server.URL {
			return fmt.Errorf("server with name %q or URL %q already exists", server.Name, server.URL)
		}
	}
	if server.Timeout <= 0 {
		server.Timeout = c.DefaultTimeout
	}
	if server.Tags == nil {
		server.Tags = []string{}
	}
	c.Servers = append(c.Servers, server)
	return nil
}

// RemoveServer drops the server entry with the given name.
func (c *Config) RemoveServer(name string) (ServerConfig, error) {
	for i, server := range c.Servers {
		if server.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return server, nil
		}
	}
	return ServerConfig{}, fmt.Errorf("server %q not found", name)
}

// GetServer looks a server entry up by name.
func (c *Config) GetServer(name string) (ServerConfig, bool) {
	for _, server := range c.Servers {
		if server.Name == name {
			return server, true
		}
	}
	return ServerConfig{}, false
}

// EnabledServers returns the entries that are enabled.
func (c *Config) EnabledServers() []ServerConfig {
	var enabled []ServerConfig
	for _, server := range c.Servers {
		if server.Enabled {
			enabled = append(enabled, server)
		}
	}
	return enabled
}
