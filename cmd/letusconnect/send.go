package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
)

var (
	sendWait time.Duration
	sendType string
)

func init() {
	for _, c := range []*cobra.Command{sendCmd, groupSendCmd} {
		c.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for the server confirmation (0 to skip)")
		c.Flags().StringVar(&sendType, "type", string(letusconnect.MessageText), "message type (text, image, file)")
		rootCmd.AddCommand(c)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(letusconnect.Route{ID: args[0], Kind: letusconnect.KindDirect}, strings.Join(args[1:], " "))
	},
}

// ============================================================================
// group-send
// ============================================================================

var groupSendCmd = &cobra.Command{
	Use:   "group-send <group-id> <message>",
	Short: "Send a message to a group chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(letusconnect.Route{ID: args[0], Kind: letusconnect.KindGroup}, strings.Join(args[1:], " "))
	},
}

func runSend(r letusconnect.Route, content string) error {
	engine, cfg := getEngine(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+sendWait)
	defer cancel()

	failed := make(chan letusconnect.SendFailure, 1)
	engine.OnSendFailed(func(f letusconnect.SendFailure) {
		select {
		case failed <- f:
		default:
		}
	})

	if !engine.Start(ctx, cfg.Auth.Token) {
		fmt.Printf("Socket unavailable (%s), sending over REST\n", engine.Connection().LastError())
	}
	defer engine.Stop()

	opts := &letusconnect.SendOptions{Type: letusconnect.MessageType(sendType)}
	var (
		corr letusconnect.CorrelationID
		err  error
	)
	if r.Kind == letusconnect.KindGroup {
		corr, err = engine.SendGroup(ctx, r.ID, content, opts)
	} else {
		corr, err = engine.SendDirect(ctx, r.ID, content, opts)
	}
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	msg, ok := waitConfirmed(engine, r.ID, corr, sendWait, failed)
	switch {
	case ok:
		fmt.Printf("Delivered: %s (%s)\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
	case sendWait == 0:
		fmt.Printf("Sent: %s\n", corr)
	default:
		fmt.Printf("Sent: %s (no confirmation within %s)\n", corr, sendWait)
	}
	return nil
}

// waitConfirmed polls the history until corr is confirmed, rolled back or
// the wait elapses.
func waitConfirmed(e *letusconnect.Engine, convID string, corr letusconnect.CorrelationID, wait time.Duration, failed <-chan letusconnect.SendFailure) (letusconnect.Message, bool) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		for _, m := range e.History(convID) {
			if m.CorrelationID == corr && !m.Pending() {
				return m, true
			}
		}
		select {
		case f := <-failed:
			if f.CorrelationID == corr {
				fmt.Printf("Rejected: %v\n", f.Err)
				return letusconnect.Message{}, false
			}
		case <-deadline.C:
			return letusconnect.Message{}, false
		case <-tick.C:
		}
	}
}
