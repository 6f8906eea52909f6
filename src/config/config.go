package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BargeInMode selects how caller speech interrupts a response
type BargeInMode string

const (
	BargeInImmediate BargeInMode = "immediate"
	BargeInVolume    BargeInMode = "volume"
	BargeInOff       BargeInMode = "off"
	BargeInMinWords  BargeInMode = "min_words"
)

// Config holds application configuration
type Config struct {
	Addr string

	LogLevel string
	LogColor bool

	// Realtime engine
	RealtimeURL   string
	RealtimeModel string
	RealtimeVoice string
	OpenAIAPIKey  string
	// HandshakeTimeout bounds the wait for session.updated
	HandshakeTimeout time.Duration
	// ProceedUnconfirmed keeps a session whose configuration was never
	// acknowledged instead of aborting the call
	ProceedUnconfirmed bool

	// Per-call queues, in frames
	IncomingQueueSize int
	OutputQueueSize   int

	BargeIn                BargeInMode
	BargeInVolumeThreshold float64
	BargeInMinWords        int

	DatabaseURL string
	DBMigrate   bool

	TwilioAccountSID    string
	TwilioAuthToken     string
	FallbackVoice       string
	FallbackRedirectURL string

	MetricsNamespace string
	FinalizeTimeout  time.Duration
	ShutdownGrace    time.Duration
}

// Load reads .env (if present) and the environment
func Load() (Config, error) {
	// A missing .env file is normal outside local development
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv builds a Config from the process environment only
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("HTTP_ADDR", ":8080"),
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		RealtimeURL:         envOr("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOr("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOr("REALTIME_VOICE", "alloy"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TwilioAccountSID:    strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:     strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		FallbackVoice:       envOr("FALLBACK_VOICE", "Polly.Joanna"),
		FallbackRedirectURL: strings.TrimSpace(os.Getenv("FALLBACK_REDIRECT_URL")),
		MetricsNamespace:    envOr("METRICS_NAMESPACE", "callbridge"),
		BargeIn:             BargeInMode(strings.ToLower(envOr("BARGE_IN", string(BargeInImmediate)))),
	}

	var err error
	if cfg.LogColor, err = envBoolOr("LOG_COLOR", true); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = envDurationOr("HANDSHAKE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	switch onTimeout := strings.ToLower(envOr("HANDSHAKE_ON_TIMEOUT", "abort")); onTimeout {
	case "abort":
	case "proceed":
		cfg.ProceedUnconfirmed = true
	default:
		return Config{}, fmt.Errorf("HANDSHAKE_ON_TIMEOUT must be abort or proceed, got %q", onTimeout)
	}
	if cfg.IncomingQueueSize, err = envIntOr("INCOMING_QUEUE_SIZE", 50); err != nil {
		return Config{}, err
	}
	if cfg.OutputQueueSize, err = envIntOr("OUTPUT_QUEUE_SIZE", 256); err != nil {
		return Config{}, err
	}
	if cfg.BargeInVolumeThreshold, err = envFloatOr("BARGE_IN_VOLUME_THRESHOLD", 0.02); err != nil {
		return Config{}, err
	}
	if cfg.BargeInMinWords, err = envIntOr("BARGE_IN_MIN_WORDS", 3); err != nil {
		return Config{}, err
	}
	if cfg.DBMigrate, err = envBoolOr("DB_MIGRATE", true); err != nil {
		return Config{}, err
	}
	if cfg.FinalizeTimeout, err = envDurationOr("FINALIZE_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = envDurationOr("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no safe default
func (c Config) Validate() error {
	var errs []error
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TIMEOUT must be > 0"))
	}
	if c.IncomingQueueSize <= 0 {
		errs = append(errs, errors.New("INCOMING_QUEUE_SIZE must be > 0"))
	}
	if c.OutputQueueSize <= 0 {
		errs = append(errs, errors.New("OUTPUT_QUEUE_SIZE must be > 0"))
	}
	switch c.BargeIn {
	case BargeInImmediate, BargeInVolume, BargeInOff, BargeInMinWords:
	default:
		errs = append(errs, fmt.Errorf("BARGE_IN must be immediate, volume, min_words or off, got %q", c.BargeIn))
	}
	if c.BargeInMinWords < 1 {
		errs = append(errs, errors.New("BARGE_IN_MIN_WORDS must be > 0"))
	}
	if c.BargeInVolumeThreshold < 0 || c.BargeInVolumeThreshold > 1 {
		errs = append(errs, errors.New("BARGE_IN_VOLUME_THRESHOLD must be within [0,1]"))
	}
	if (c.TwilioAccountSID == "") != (c.TwilioAuthToken == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together"))
	}
	return errors.Join(errs...)
}

// RealtimeEndpoint returns the engine URL with the model query parameter
func (c Config) RealtimeEndpoint() string {
	sep := "?"
	if strings.Contains(c.RealtimeURL, "?") {
		sep = "&"
	}
	return c.RealtimeURL + sep + "model=" + c.RealtimeModel
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func envFloatOr(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return v, nil
}

func envBoolOr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return v, nil
}

func envDurationOr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return v, nil
}
