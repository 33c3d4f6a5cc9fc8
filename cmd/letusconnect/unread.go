package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
)

var unreadJSON bool

func init() {
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "print totals as JSON")
	rootCmd.AddCommand(unreadCmd)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message counts",
	Long:  "Load conversations, take an unread snapshot from the backend and print per-conversation and total counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := getEngine(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := engine.Refresh(ctx); err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		if err := engine.RefreshUnread(ctx); err != nil {
			return fmt.Errorf("unread snapshot: %w", err)
		}

		totals := engine.Unread()
		views := engine.Conversations(letusconnect.SortUnreadFirst, letusconnect.Filter{UnreadOnly: true})
		if unreadJSON {
			printJSON(struct {
				letusconnect.UnreadTotals
				Total         int                             `json:"total"`
				Conversations []letusconnect.ConversationView `json:"conversations"`
			}{totals, totals.Total(), views})
			return nil
		}

		for _, v := range views {
			fmt.Printf("  %-6s %-30s %d\n", v.Kind, v.DisplayName, v.Unread)
		}
		if len(views) > 0 {
			fmt.Println()
		}
		fmt.Printf("Direct: %d  Group: %d  Total: %d\n", totals.Direct, totals.Group, totals.Total())
		return nil
	},
}
