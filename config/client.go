package config

import (
	"time"

	"github.com/joho/godotenv"

	"github.com/room4-2/voicebridge/audio"
	"github.com/room4-2/voicebridge/backoff"
)

// ClientConfig configures the voice client binaries. Flags override it.
type ClientConfig struct {
	RelayURL          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         backoff.Policy
	Capture           audio.Constraints
	LogLevel          string
	LogFormat         string
}

func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	config := &ClientConfig{
		RelayURL:          "ws://localhost:8080/ws",
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Reconnect:         backoff.Default(),
		Capture:           audio.DefaultConstraints(),
		LogLevel:          "info",
		LogFormat:         "text",
	}

	stringEnv("RELAY_URL", &config.RelayURL)
	stringEnv("LOG_LEVEL", &config.LogLevel)
	stringEnv("LOG_FORMAT", &config.LogFormat)

	// HEARTBEAT_* in seconds
	if err := durationEnv("HEARTBEAT_INTERVAL", time.Second, &config.HeartbeatInterval); err != nil {
		return nil, err
	}
	if err := durationEnv("HEARTBEAT_TIMEOUT", time.Second, &config.HeartbeatTimeout); err != nil {
		return nil, err
	}
	if err := reconnectEnv(&config.Reconnect); err != nil {
		return nil, err
	}
	// Rate and channels are fixed by the session format; only the frame size
	// is tunable.
	if err := intEnv("CAPTURE_FRAME_SAMPLES", &config.Capture.FrameSamples); err != nil {
		return nil, err
	}

	return config, nil
}
