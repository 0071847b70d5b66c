package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Auth   TOMLAuthSection   `toml:"auth"`
	Limits TOMLLimitsSection `toml:"limits"`
}

type TOMLServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type TOMLAuthSection struct {
	TokenSecret     string `toml:"token_secret"`
	SessionTTLHours int    `toml:"session_ttl_hours"`
}

type TOMLLimitsSection struct {
	MaxMessageLength    int `toml:"max_message_length"`
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: TOMLServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.studylink/studylink.db",
		},
		Auth: TOMLAuthSection{
			TokenSecret:     "", // empty = generate a per-process secret at startup
			SessionTTLHours: 720,
		},
		Limits: TOMLLimitsSection{
			MaxMessageLength:    4096,
			PingIntervalSeconds: 30,
			WriteTimeoutSeconds: 10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	// Load from file
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: STUDYLINK_SECTION_KEY
// Example: STUDYLINK_SERVER_HTTP_PORT=3000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("STUDYLINK_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("STUDYLINK_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("STUDYLINK_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("STUDYLINK_AUTH_TOKEN_SECRET"); val != "" {
		config.Auth.TokenSecret = val
	}
	if val := os.Getenv("STUDYLINK_AUTH_SESSION_TTL_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			config.Auth.SessionTTLHours = hours
		}
	}
	if val := os.Getenv("STUDYLINK_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if length, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = length
		}
	}
	if val := os.Getenv("STUDYLINK_LIMITS_PING_INTERVAL_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.PingIntervalSeconds = secs
		}
	}
	if val := os.Getenv("STUDYLINK_LIMITS_WRITE_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteTimeoutSeconds = secs
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# StudyLink Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# STUDYLINK_SECTION_KEY (e.g., STUDYLINK_SERVER_HTTP_PORT=3000)

[server]
# Port for the public HTTP server (REST API and /ws endpoint)
http_port = 8080

# Port for the internal metrics server (/metrics)
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.studylink/studylink.db"

[auth]
# Secret used to sign WebSocket auth tokens (hex encoded)
# Leave empty to generate a fresh secret on every start; tokens then
# stop verifying across restarts, so set this in production.
# token_secret = "..."

# How long login sessions stay valid, in hours (default: 30 days)
session_ttl_hours = 720

[limits]
# Maximum chat message length in bytes
max_message_length = 4096

# How often the server pings each WebSocket connection, in seconds
ping_interval_seconds = 30

# Per-frame write timeout, in seconds
write_timeout_seconds = 10
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
