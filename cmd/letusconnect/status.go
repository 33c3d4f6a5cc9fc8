package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
)

var statusConnect bool

func init() {
	statusCmd.Flags().BoolVar(&statusConnect, "connect", false, "also open a realtime session to check the socket")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check the REST API with an unread count and optionally test the realtime socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		ws, _ := wsURL(cfg)
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, letusconnect.DefaultBaseURL))
		fmt.Printf("  Socket URL:  %s\n", ws)
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))

		rt, err := realtimeConfig(cfg)
		fmt.Println()
		fmt.Println("Realtime:")
		if err != nil {
			fmt.Printf("  (invalid: %v)\n", err)
		} else {
			fmt.Printf("  Heartbeat:   %s\n", durationOrDefault(rt.HeartbeatInterval, "30s"))
			fmt.Printf("  Pong wait:   %s\n", durationOrDefault(rt.PongTimeout, "5s"))
			fmt.Printf("  Backoff:     %s x min(attempt, %s)\n", durationOrDefault(rt.ReconnectBaseDelay, "1s"), intOrDefault(rt.ReconnectDelayCap, "5"))
			fmt.Printf("  Max retries: %s\n", intOrDefault(rt.MaxReconnectAttempts, "10"))
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Account:")
		if n, err := client.UnreadCount(ctx, ""); err != nil {
			fmt.Printf("  REST API:    error: %v\n", err)
		} else {
			fmt.Printf("  REST API:    ok (%d unread direct messages)\n", n)
		}

		if statusConnect {
			engine, _ := getEngine(nil)
			if engine.Start(ctx, cfg.Auth.Token) {
				fmt.Println("  Socket:      connected")
			} else {
				fmt.Printf("  Socket:      %s (%s)\n", engine.Connection().State(), engine.Connection().LastError())
			}
			engine.Stop()
		}
		return nil
	},
}

func durationOrDefault(d time.Duration, def string) string {
	if d == 0 {
		return def
	}
	return d.String()
}

func intOrDefault(n int, def string) string {
	if n == 0 {
		return def
	}
	if n < 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
