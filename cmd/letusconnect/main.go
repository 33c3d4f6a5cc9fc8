package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.letusconnect/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds endpoints and general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	WSURL    string `toml:"ws_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the session identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ConfigRealtime tunes the connection manager. Durations use Go syntax ("30s").
type ConfigRealtime struct {
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
	PongTimeout          string `toml:"pong_timeout,omitempty"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay,omitempty"`
	ReconnectDelayCap    int    `toml:"reconnect_delay_cap,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ~/.letusconnect (or $LETUSCONNECT_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("LETUSCONNECT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".letusconnect")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		return setRealtimeValue(&cfg.Realtime, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

func setRealtimeValue(rt *ConfigRealtime, field, value string) error {
	switch field {
	case "heartbeat_interval", "pong_timeout", "reconnect_base_delay":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("realtime.%s: %w", field, err)
		}
		switch field {
		case "heartbeat_interval":
			rt.HeartbeatInterval = value
		case "pong_timeout":
			rt.PongTimeout = value
		default:
			rt.ReconnectBaseDelay = value
		}
	case "reconnect_delay_cap", "max_reconnect_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("realtime.%s: %w", field, err)
		}
		if field == "reconnect_delay_cap" {
			rt.ReconnectDelayCap = n
		} else {
			rt.MaxReconnectAttempts = n
		}
	default:
		return fmt.Errorf("unknown field %q in section [realtime]", field)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "letusconnect",
	Short: "LetUsConnect realtime CLI",
	Long:  "Command-line interface for the LetUsConnect realtime engine.\nConnect, listen to events, send messages and inspect unread counts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			if cfg, err := loadConfig(); err == nil {
				level = cfg.Default.LogLevel
			}
		}
		if level != "" {
			logger.SetLevel(level)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
