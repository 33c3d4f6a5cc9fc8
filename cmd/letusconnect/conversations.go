package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
)

var (
	convOrder  string
	convKind   string
	convQuery  string
	convUnread bool
	convJSON   bool
)

func init() {
	conversationsCmd.Flags().StringVar(&convOrder, "order", string(letusconnect.SortByActivity), "sort order (activity, name, unread)")
	conversationsCmd.Flags().StringVar(&convKind, "kind", "", "only show direct or group conversations")
	conversationsCmd.Flags().StringVarP(&convQuery, "query", "q", "", "filter by name or id")
	conversationsCmd.Flags().BoolVar(&convUnread, "unread", false, "only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&convJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List direct and group conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := letusconnect.ParseSortOrder(convOrder)
		if err != nil {
			return err
		}
		filter, err := conversationFilter(convKind, convQuery, convUnread)
		if err != nil {
			return err
		}

		engine, _ := getEngine(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := engine.Refresh(ctx); err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		if err := engine.RefreshUnread(ctx); err != nil {
			return fmt.Errorf("unread snapshot: %w", err)
		}

		views := engine.Conversations(order, filter)
		if convJSON {
			printJSON(views)
			return nil
		}
		if len(views) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, v := range views {
			last := ""
			if v.LastMessage != nil {
				last = truncate(v.LastMessage.Content, 40)
			}
			activity := "-"
			if !v.LastActivityAt.IsZero() {
				activity = v.LastActivityAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-6s %-24s %-16s %3d  %s\n", v.Kind, truncate(v.DisplayName, 24), activity, v.Unread, last)
		}
		return nil
	},
}

func conversationFilter(kind, query string, unreadOnly bool) (letusconnect.Filter, error) {
	f := letusconnect.Filter{Query: query, UnreadOnly: unreadOnly}
	switch letusconnect.ConversationKind(kind) {
	case "":
	case letusconnect.KindDirect, letusconnect.KindGroup:
		f.Kind = letusconnect.ConversationKind(kind)
	default:
		return f, fmt.Errorf("unknown kind %q (valid: direct, group)", kind)
	}
	return f, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
