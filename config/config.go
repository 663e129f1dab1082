package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/room4-2/voicebridge/apperr"
	"github.com/room4-2/voicebridge/backoff"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all relay configuration
type Config struct {
	Port           int
	AllowedOrigins []string

	Provider     string
	OpenAIAPIKey string
	GeminiAPIKey string
	UpstreamURL  string
	Model        string

	Voice              string
	Instructions       string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPaddingMs int
	VADSilenceMs       int
	Temperature        float64
	MaxOutputTokens    int

	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	KeepAlivePeriod time.Duration

	Reconnect backoff.Policy

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables with defaults.
// A missing upstream credential is not an error here; it is checked per
// connection by UpstreamCredential.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:               8080,
		AllowedOrigins:     []string{"*"},
		Provider:           ProviderOpenAI,
		UpstreamURL:        "wss://api.openai.com/v1/realtime",
		TranscriptionModel: "whisper-1",
		VADThreshold:       0.5,
		VADPrefixPaddingMs: 300,
		VADSilenceMs:       500,
		Temperature:        0.8,
		RedisURL:           "localhost:6379",
		MaxSessions:        100,
		SessionTimeout:     30 * time.Minute,
		KeepAlivePeriod:    30 * time.Second,
		Reconnect:          backoff.Default(),
		LogLevel:           "info",
		LogFormat:          "text",
	}

	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	if provider := os.Getenv("UPSTREAM_PROVIDER"); provider != "" {
		switch provider {
		case ProviderOpenAI, ProviderGemini:
			config.Provider = provider
		default:
			return nil, fmt.Errorf("invalid UPSTREAM_PROVIDER: must be 'openai' or 'gemini'")
		}
	}
	config.Model, config.Voice = defaultModel(config.Provider), defaultVoice(config.Provider)

	if err := intEnv("PORT", &config.Port); err != nil {
		return nil, err
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	stringEnv("UPSTREAM_URL", &config.UpstreamURL)
	stringEnv("UPSTREAM_MODEL", &config.Model)
	stringEnv("VOICE", &config.Voice)
	stringEnv("TRANSCRIPTION_MODEL", &config.TranscriptionModel)
	stringEnv("REDIS_URL", &config.RedisURL)
	stringEnv("REDIS_PASSWORD", &config.RedisPassword)
	stringEnv("LOG_LEVEL", &config.LogLevel)
	stringEnv("LOG_FORMAT", &config.LogFormat)

	// Optional: INSTRUCTIONS_FILE replaces the default prompt
	if path := os.Getenv("INSTRUCTIONS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("invalid INSTRUCTIONS_FILE: %w", err)
		}
		config.Instructions = strings.TrimSpace(string(data))
	}

	if err := floatEnv("VAD_THRESHOLD", &config.VADThreshold); err != nil {
		return nil, err
	}
	if err := intEnv("VAD_PREFIX_PADDING_MS", &config.VADPrefixPaddingMs); err != nil {
		return nil, err
	}
	if err := intEnv("VAD_SILENCE_DURATION_MS", &config.VADSilenceMs); err != nil {
		return nil, err
	}
	if err := floatEnv("TEMPERATURE", &config.Temperature); err != nil {
		return nil, err
	}
	if err := intEnv("MAX_OUTPUT_TOKENS", &config.MaxOutputTokens); err != nil {
		return nil, err
	}
	if err := intEnv("MAX_SESSIONS", &config.MaxSessions); err != nil {
		return nil, err
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if err := durationEnv("SESSION_TIMEOUT", time.Minute, &config.SessionTimeout); err != nil {
		return nil, err
	}
	// Optional: KEEPALIVE_PERIOD (in seconds)
	if err := durationEnv("KEEPALIVE_PERIOD", time.Second, &config.KeepAlivePeriod); err != nil {
		return nil, err
	}

	if err := reconnectEnv(&config.Reconnect); err != nil {
		return nil, err
	}

	return config, nil
}

// UpstreamCredential returns the key for the configured provider. A missing
// or blank key is a configuration error and the connection must be refused.
func (c *Config) UpstreamCredential() (string, error) {
	var key, name string
	switch c.Provider {
	case ProviderGemini:
		key, name = c.GeminiAPIKey, "GEMINI_API_KEY"
	default:
		key, name = c.OpenAIAPIKey, "OPENAI_API_KEY"
	}
	if strings.TrimSpace(key) == "" {
		return "", apperr.Configuration("upstream credential", name+" is not set")
	}
	return strings.TrimSpace(key), nil
}

func defaultModel(provider string) string {
	if provider == ProviderGemini {
		return "models/gemini-2.5-flash-native-audio-preview-12-2025"
	}
	return "gpt-4o-realtime-preview"
}

func defaultVoice(provider string) string {
	if provider == ProviderGemini {
		return "Zephyr"
	}
	return "alloy"
}

func stringEnv(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func floatEnv(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = f
	return nil
}

func durationEnv(name string, unit time.Duration, dst *time.Duration) error {
	n := 0
	if os.Getenv(name) == "" {
		return nil
	}
	if err := intEnv(name, &n); err != nil {
		return err
	}
	*dst = time.Duration(n) * unit
	return nil
}

func reconnectEnv(p *backoff.Policy) error {
	if err := durationEnv("RECONNECT_BASE_MS", time.Millisecond, &p.Base); err != nil {
		return err
	}
	if err := durationEnv("RECONNECT_CAP_MS", time.Millisecond, &p.Cap); err != nil {
		return err
	}
	if err := intEnv("RECONNECT_MAX_ATTEMPTS", &p.MaxAttempts); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid RECONNECT_*: %w", err)
	}
	return nil
}
