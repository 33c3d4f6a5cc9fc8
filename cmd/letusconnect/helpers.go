package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

// getClient creates a REST client authenticated with the stored token.
func getClient() (*letusconnect.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'letusconnect init <token>' first.")
		os.Exit(1)
	}

	var opts []letusconnect.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, letusconnect.WithBaseURL(cfg.Default.BaseURL))
	}
	return letusconnect.NewClient(cfg.Auth.Token, opts...), cfg
}

// getEngine wires a client, a connection manager and an engine from the config.
func getEngine(metrics *letusconnect.Metrics, opts ...letusconnect.EngineOption) (*letusconnect.Engine, *Config) {
	client, cfg := getClient()
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'letusconnect config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	rt, err := realtimeConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid [realtime] config: %v\n", err)
		os.Exit(1)
	}
	rt.Metrics = metrics

	conn := letusconnect.NewConnectionManager(rt)
	self := letusconnect.Identity{UserID: cfg.Auth.UserID, Name: cfg.Auth.Username}
	opts = append(opts,
		letusconnect.WithEngineLogger(logger.Named("engine")),
		letusconnect.WithEngineMetrics(metrics),
	)
	return letusconnect.NewEngine(conn, client, self, opts...), cfg
}

// realtimeConfig maps the [realtime] section onto a RealtimeConfig.
// Unset fields stay zero so the manager applies its defaults.
func realtimeConfig(cfg *Config) (letusconnect.RealtimeConfig, error) {
	endpoint, err := wsURL(cfg)
	if err != nil {
		return letusconnect.RealtimeConfig{}, err
	}
	rt := letusconnect.RealtimeConfig{
		Endpoint:             endpoint,
		ReconnectDelayCap:    cfg.Realtime.ReconnectDelayCap,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Logger:               logger.Named("realtime"),
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Realtime.HeartbeatInterval, &rt.HeartbeatInterval},
		{"pong_timeout", cfg.Realtime.PongTimeout, &rt.PongTimeout},
		{"reconnect_base_delay", cfg.Realtime.ReconnectBaseDelay, &rt.ReconnectBaseDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return letusconnect.RealtimeConfig{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return rt, nil
}

// wsURL returns default.ws_url, or derives <base>/ws from the REST base URL.
func wsURL(cfg *Config) (string, error) {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL, nil
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = letusconnect.DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

// maskKey shows only the first and last few characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

// valueOrDefault returns val if non-empty, otherwise def.
func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
