// Command voicechat talks to the relay from a terminal: microphone in, sox
// out, transcripts printed as they finalize.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/client"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/transcript"
)

type options struct {
	relayURL  string
	device    string
	ffmpeg    string
	sox       string
	file      string
	logLevel  string
	logFormat string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "voicechat",
		Short: "Voice conversation with the relay",
		Long: `Streams the microphone to the relay and plays the assistant's audio through sox.
Type a line and press enter to send it as text. Ctrl+C ends the conversation.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.relayURL, "relay", "", "relay websocket URL (default from RELAY_URL)")
	flags.StringVar(&opts.device, "device", "", "capture device passed to ffmpeg")
	flags.StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "ffmpeg binary used for capture")
	flags.StringVar(&opts.sox, "sox", "sox", "sox binary used for playback")
	flags.StringVar(&opts.file, "file", "", "stream a PCM16 24kHz mono or WAV file instead of the microphone")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (default from LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "text or json (default from LOG_FORMAT)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if opts.relayURL != "" {
		cfg.RelayURL = opts.relayURL
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	sink, err := audio.NewSoxSink(opts.sox)
	if err != nil {
		return err
	}
	playback := audio.NewPlaybackQueue(sink, logger)

	var capture *audio.CaptureEncoder
	if opts.file == "" {
		capture = audio.NewCaptureEncoder(&audio.FFmpegMicrophone{Binary: opts.ffmpeg, Device: opts.device}, logger)
	}

	manager := client.NewManager(client.Options{
		URL:               cfg.RelayURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Reconnect:         cfg.Reconnect,
		Logger:            logger,
	})
	conv := client.NewConversation(manager, capture, playback, cfg.Capture, logger)
	defer conv.Close()

	failed := make(chan error, 1)
	ready := make(chan struct{}, 1)
	conv.OnIndicator(func(i client.Indicator) {
		fmt.Printf("[%s]\n", i)
		if i == client.IndicatorReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	conv.OnMessage(func(m transcript.Message) {
		printMessage(m)
	})
	conv.OnError(func(err error) {
		logger.Warn().Err(err).Msg("conversation error")
		if apperr.IsFatal(err) || apperr.KindOf(err) == apperr.KindDevice {
			select {
			case failed <- err:
			default:
			}
		}
	})

	logger.Info().Str("relay", cfg.RelayURL).Msg("🔌 Connecting...")
	if err := conv.Start(ctx); err != nil {
		return err
	}

	if opts.file != "" {
		go func() {
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
			if err := streamFile(ctx, manager, opts.file, logger); err != nil {
				logger.Error().Err(err).Msg("file streaming failed")
			}
		}()
	}

	go readTyped(ctx, conv, logger)

	select {
	case <-ctx.Done():
		logger.Info().Msg("👋 Interrupted, closing...")
		return nil
	case err := <-failed:
		return err
	}
}

func printMessage(m transcript.Message) {
	who := "🧑 you"
	if m.Role == transcript.RoleAssistant {
		who = "🤖 assistant"
	}
	fmt.Printf("%s %s: %s\n", m.Timestamp.Format("15:04:05"), who, m.Text)
}

// readTyped sends each line typed on stdin as a text turn.
func readTyped(ctx context.Context, conv *client.Conversation, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := conv.SendText(text); err != nil {
			if errors.Is(err, apperr.ErrNotReady) {
				fmt.Println("(not connected yet, try again in a moment)")
				continue
			}
			logger.Warn().Err(err).Msg("send text failed")
		}
	}
}

// streamFile sends a recording at real-time pace, 100ms per frame.
func streamFile(ctx context.Context, m *client.Manager, path string, logger zerolog.Logger) error {
	pcm, err := loadAudioFile(path)
	if err != nil {
		return err
	}

	chunkSize := audio.SampleRate / 10 * audio.BytesPerSample
	total := (len(pcm) + chunkSize - 1) / chunkSize
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < len(pcm); i += chunkSize {
		end := min(i+chunkSize, len(pcm))
		if err := m.SendAudioEncoded(audio.EncodePCM(pcm[i:end])); err != nil {
			return err
		}
		logger.Debug().Int("chunk", i/chunkSize+1).Int("of", total).Msg("📤 sent")

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Info().Msg("✅ Audio sent, waiting for response...")
	return nil
}

// loadAudioFile returns PCM16 at the session rate from a WAV or raw file.
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !audio.IsWAV(data) {
		return data, nil
	}
	pcm, rate, err := audio.ParseWAV(data)
	if err != nil {
		return nil, err
	}
	if rate != audio.SampleRate {
		return nil, fmt.Errorf("%s is %d Hz, expected %d Hz", path, rate, audio.SampleRate)
	}
	return pcm, nil
}
