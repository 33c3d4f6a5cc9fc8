package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	letusconnect "github.com/rogerjeasy/letusconnect-sub002"
	"github.com/rogerjeasy/letusconnect-sub002/internal/logger"
)

var (
	listenMetricsAddr string
	listenJSON        bool
	listenResend      bool
)

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "print events as JSON")
	listenCmd.Flags().BoolVar(&listenResend, "resend", false, "resend pending messages after a reconnect")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print every realtime event",
	Long:  "Open a realtime session, load the conversation list and print every event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := letusconnect.NewMetrics(reg)

		var opts []letusconnect.EngineOption
		if listenResend {
			opts = append(opts, letusconnect.WithResendOnReconnect())
		}
		engine, cfg := getEngine(metrics, opts...)
		conn := engine.Connection()

		for _, t := range []letusconnect.EventType{
			letusconnect.EventChat,
			letusconnect.EventNotification,
			letusconnect.EventUserStatus,
			letusconnect.EventError,
			letusconnect.EventConnected,
			letusconnect.EventDisconnected,
			letusconnect.EventReconnecting,
			letusconnect.EventGiveUp,
		} {
			conn.On(t, printEvent)
		}
		engine.OnSendFailed(func(f letusconnect.SendFailure) {
			fmt.Printf("[send-failed] %s %s: %v\n", f.ConversationID, f.CorrelationID, f.Err)
		})
		gaveUp := make(chan struct{})
		var once sync.Once
		conn.OnGiveUp(func(*letusconnect.GiveUpEvent) { once.Do(func() { close(gaveUp) }) })

		g, gctx := errgroup.WithContext(ctx)
		if listenMetricsAddr != "" {
			srv := &http.Server{
				Addr:              listenMetricsAddr,
				Handler:           metricsMux(reg),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				logger.L().Info("serving metrics", zap.String("addr", listenMetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		g.Go(func() error {
			defer stop()
			if !engine.Start(gctx, cfg.Auth.Token) {
				fmt.Fprintf(os.Stderr, "Initial connect failed (%s), retrying in the background\n", conn.LastError())
			}
			defer engine.Stop()
			if err := engine.Refresh(gctx); err != nil {
				logger.L().Warn("initial refresh failed", zap.Error(err))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-gaveUp:
				return fmt.Errorf("gave up reconnecting: %s", conn.LastError())
			}
		})
		return g.Wait()
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func printEvent(ev letusconnect.Event) {
	ev = redactEvent(ev)
	if listenJSON {
		printJSON(struct {
			Type  letusconnect.EventType `json:"type"`
			At    time.Time              `json:"at"`
			Event letusconnect.Event     `json:"event"`
		}{ev.Type(), ev.Time(), ev})
		return
	}
	fmt.Printf("%s [%s] %s\n", ev.Time().Format(time.TimeOnly), ev.Type(), describeEvent(ev))
}

// redactEvent masks the session token carried by connection events.
func redactEvent(ev letusconnect.Event) letusconnect.Event {
	if e, ok := ev.(*letusconnect.ConnectedEvent); ok {
		c := *e
		c.Identity = maskKey(c.Identity)
		return &c
	}
	return ev
}

// describeEvent renders a one-line summary of an event.
func describeEvent(ev letusconnect.Event) string {
	switch e := ev.(type) {
	case *letusconnect.ChatEvent:
		m := e.Message
		to := m.ReceiverID
		if m.GroupID != "" {
			to = "#" + m.GroupID
		}
		return fmt.Sprintf("%s -> %s: %s", valueOrDefault(m.SenderName, m.SenderID), to, m.Content)
	case *letusconnect.NotificationEvent:
		return string(e.Payload)
	case *letusconnect.UserStatusEvent:
		if e.Status == "typing" {
			if e.IsTyping {
				return e.UserID + " is typing"
			}
			return e.UserID + " stopped typing"
		}
		return e.UserID + " " + e.Status
	case *letusconnect.ErrorEvent:
		if e.CorrelationID != "" {
			return fmt.Sprintf("%s (%s)", e.Message, e.CorrelationID)
		}
		return e.Message
	case *letusconnect.ConnectedEvent:
		if e.Reconnect {
			return "reconnected as " + maskKey(e.Identity)
		}
		return "connected as " + maskKey(e.Identity)
	case *letusconnect.DisconnectedEvent:
		if e.Clean {
			return "closed: " + e.Reason
		}
		return "lost: " + e.Reason
	case *letusconnect.ReconnectingEvent:
		return fmt.Sprintf("attempt %d in %s", e.Attempt, e.Delay)
	case *letusconnect.GiveUpEvent:
		return fmt.Sprintf("after %d attempts: %s", e.Attempts, e.LastErr)
	case *letusconnect.UnknownEvent:
		return string(e.Payload)
	}
	return ""
}
