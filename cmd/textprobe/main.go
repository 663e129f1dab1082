// Command textprobe sends one text turn through the relay and prints the
// reply. It is a quick end-to-end check that needs no audio devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/client"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/transcript"
)

func main() {
	var (
		relayURL string
		timeout  time.Duration
	)

	rootCmd := &cobra.Command{
		Use:          "textprobe [text]",
		Short:        "Send a text turn through the relay and print the answer",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := "Hello! Say hi back in one sentence."
			if len(args) == 1 {
				text = args[0]
			}
			return probe(cmd.Context(), relayURL, text, timeout)
		},
	}
	rootCmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL (default from RELAY_URL)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the answer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func probe(ctx context.Context, relayURL, text string, timeout time.Duration) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	manager := client.NewManager(client.Options{
		URL:               cfg.RelayURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Reconnect:         cfg.Reconnect,
		Logger:            logger,
	})
	conv := client.NewConversation(manager, nil, nil, cfg.Capture, logger)
	defer conv.Close()

	ready := make(chan struct{})
	done := make(chan struct{})
	failed := make(chan error, 1)

	conv.OnIndicator(func(i client.Indicator) {
		if i == client.IndicatorReady {
			select {
			case <-ready:
			default:
				close(ready)
			}
		}
	})
	conv.OnPartial(func(m transcript.Message) {
		logger.Debug().Str("text", m.Text).Msg("💬 partial")
	})
	conv.OnMessage(func(m transcript.Message) {
		fmt.Printf("%s: %s\n", m.Role, m.Text)
	})
	conv.OnError(func(err error) {
		if !apperr.IsFatal(err) {
			logger.Warn().Err(err).Msg("relay error")
			return
		}
		select {
		case failed <- err:
		default:
		}
	})
	conv.OnTurnDone(func() {
		select {
		case <-done:
		default:
			close(done)
		}
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conv.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ready:
	case err := <-failed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("relay never became ready: %w", ctx.Err())
	}

	logger.Info().Str("text", strings.TrimSpace(text)).Msg("📤 sending")
	if err := conv.SendText(text); err != nil {
		return err
	}

	logger.Info().Msg("Waiting for response...")
	select {
	case <-done:
		logger.Info().Msg("✅ Turn complete")
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no response: %w", ctx.Err())
	}
}
