// Package config provides configuration management for fleetsh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration structure
type Config struct {
	Attribute        string        `mapstructure:"attribute"`         // Node attribute used as the connect address, overrides everything
	DefaultAttribute string        `mapstructure:"default-attribute"` // Attribute used when no override or cloud hostname exists
	ManualList       bool          `mapstructure:"manual-list"`       // Treat the query as a host list
	Inventory        string        `mapstructure:"inventory"`         // Path to the node inventory file
	SSHUser          string        `mapstructure:"ssh-user"`          // Default remote user
	SSHPassword      string        `mapstructure:"ssh-password"`      // Password for password/keyboard-interactive auth
	SSHPort          int           `mapstructure:"ssh-port"`          // Default remote port, 0 to defer to ssh config
	SSHGateway       string        `mapstructure:"ssh-gateway"`       // Jump host, [user@]host[:port]
	IdentityFile     string        `mapstructure:"identity-file"`     // Private key for targets and gateway
	ForwardAgent     bool          `mapstructure:"forward-agent"`     // Forward the local agent to targets
	HostKeyVerify    bool          `mapstructure:"host-key-verify"`   // Check host keys against known_hosts
	KnownHosts       []string      `mapstructure:"known-hosts"`       // known_hosts files consulted when verifying
	Concurrency      int           `mapstructure:"concurrency"`       // Simultaneous connection attempts, 0 for unlimited
	OnError          string        `mapstructure:"on-error"`          // Failed connection handling (skip, raise)
	SSHConfig        string        `mapstructure:"ssh-config"`        // OpenSSH client config consulted for per-host options
	ConnectTimeout   time.Duration `mapstructure:"connect-timeout"`   // TCP and handshake timeout per connection
	LogLevel         string        `mapstructure:"log-level"`         // Log level (debug, info, warn, error)
	LogFormat        string        `mapstructure:"log-format"`        // Log format (json, text)
	Quiet            bool          `mapstructure:"quiet"`             // Suppress informational logs
	Color            bool          `mapstructure:"color"`             // Color host labels
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v *viper.Viper

	// ConfigFile, when set, is read instead of searching the config paths
	ConfigFile string
}

var _ Manager = (*ViperManager)(nil)

// NewManager creates a new configuration manager
func NewManager() *ViperManager {
	return &ViperManager{
		v: viper.New(),
	}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("attribute", "")
	m.v.SetDefault("default-attribute", "fqdn")
	m.v.SetDefault("manual-list", false)
	m.v.SetDefault("inventory", "")
	m.v.SetDefault("ssh-user", "")
	m.v.SetDefault("ssh-password", "")
	m.v.SetDefault("ssh-port", 0)
	m.v.SetDefault("ssh-gateway", "")
	m.v.SetDefault("identity-file", "")
	m.v.SetDefault("forward-agent", false)
	m.v.SetDefault("host-key-verify", true)
	m.v.SetDefault("known-hosts", []string{})
	m.v.SetDefault("concurrency", 0)
	m.v.SetDefault("on-error", "skip")
	m.v.SetDefault("ssh-config", defaultSSHConfig())
	m.v.SetDefault("connect-timeout", 10*time.Second)
	m.v.SetDefault("log-level", "warn")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("color", true)
}

func defaultSSHConfig() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".ssh", "config")
	}
	return ""
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	if m.ConfigFile != "" {
		m.v.SetConfigFile(m.ConfigFile)
	} else {
		m.v.SetConfigName("config")

		// Current directory has the highest precedence, system the lowest
		m.v.AddConfigPath(".")
		if homeDir, err := os.UserHomeDir(); err == nil {
			m.v.AddConfigPath(filepath.Join(homeDir, ".config", "fleetsh"))
		}
		m.v.AddConfigPath("/etc/fleetsh/")
	}

	m.v.SetEnvPrefix("FLEETSH")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.ConfigFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// ConfigFileUsed returns the path of the config file that was read, if any
func (m *ViperManager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", config.Concurrency)
	}

	if config.SSHPort < 0 || config.SSHPort > 65535 {
		return fmt.Errorf("ssh-port %d out of valid range (1-65535)", config.SSHPort)
	}

	if config.ConnectTimeout < 0 {
		return fmt.Errorf("connect-timeout must be non-negative, got %v", config.ConnectTimeout)
	}

	if config.DefaultAttribute == "" {
		return fmt.Errorf("default-attribute cannot be empty")
	}

	validPolicies := map[string]bool{
		"skip":  true,
		"raise": true,
	}
	if !validPolicies[config.OnError] {
		return fmt.Errorf("invalid on-error policy '%s': must be one of 'skip' or 'raise'", config.OnError)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info', 'warn' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	keys := []string{
		"attribute", "default-attribute", "manual-list", "inventory",
		"ssh-user", "ssh-password", "ssh-port", "ssh-gateway",
		"identity-file", "forward-agent", "host-key-verify", "known-hosts",
		"concurrency", "on-error", "ssh-config", "connect-timeout",
		"log-level", "log-format", "quiet", "color",
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = "FLEETSH_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
	}
	return names
}
