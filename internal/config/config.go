package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the telephony orchestrator.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	SessionHistoryWindow int

	AudioTTL           time.Duration
	AudioSweepInterval time.Duration
	AudioCarrierFormat string

	GatherTimeoutSec int
	SynthMaxChars    int

	ElevenLabsAPIKey    string
	ElevenLabsBaseURL   string
	ElevenLabsWSBaseURL string
	ElevenLabsTTSMode   string
	ElevenLabsVoiceID   string
	ElevenLabsModelID   string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	BrainModel       string
	BrainModelSmall  string
	BrainDeadline    time.Duration
	SMSReplyDeadline time.Duration
	BrainMaxAttempts int

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	PersonaDir     string
	PersonaDefault string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. Missing carrier or
// generation credentials are the only fatal conditions; everything else degrades.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:    stringsTrimSpace("APP_PUBLIC_BASE_URL"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "switchline"),

		AudioCarrierFormat: envOrDefault("AUDIO_CARRIER_FORMAT", "mp3"),

		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSMode:   envOrDefault("ELEVENLABS_TTS_MODE", "http"),
		// Default premade voice; overridden per persona.
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2"),

		OpenAIAPIKey:    stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:   stringsTrimSpace("OPENAI_BASE_URL"),
		BrainModel:      envOrDefault("BRAIN_MODEL", "gpt-4o"),
		BrainModelSmall: envOrDefault("BRAIN_MODEL_SMALL", "gpt-4o-mini"),

		TwilioAccountSID:  stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: stringsTrimSpace("TWILIO_PHONE_NUMBER"),

		PersonaDir:     envOrDefault("PERSONA_DIR", "personas"),
		PersonaDefault: envOrDefault("PERSONA_DEFAULT", "assistant"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   30 * time.Minute,
		SessionSweepInterval: 5 * time.Minute,
		SessionHistoryWindow: 20,
		AudioTTL:             5 * time.Minute,
		AudioSweepInterval:   time.Minute,
		GatherTimeoutSec:     5,
		SynthMaxChars:        300,
		BrainDeadline:        8 * time.Second,
		SMSReplyDeadline:     30 * time.Second,
		BrainMaxAttempts:     3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionHistoryWindow, err = intFromEnv("SESSION_HISTORY_WINDOW", cfg.SessionHistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioTTL, err = durationFromEnv("AUDIO_TTL", cfg.AudioTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSweepInterval, err = durationFromEnv("AUDIO_SWEEP_INTERVAL", cfg.AudioSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.GatherTimeoutSec, err = intFromEnv("VOICE_GATHER_TIMEOUT_SEC", cfg.GatherTimeoutSec)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthMaxChars, err = intFromEnv("SYNTH_MAX_CHARS", cfg.SynthMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainDeadline, err = durationFromEnv("BRAIN_DEADLINE", cfg.BrainDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.SMSReplyDeadline, err = durationFromEnv("SMS_REPLY_DEADLINE", cfg.SMSReplyDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainMaxAttempts, err = intFromEnv("BRAIN_MAX_ATTEMPTS", cfg.BrainMaxAttempts)
	if err != nil {
		return Config{}, err
	}

	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("APP_PUBLIC_BASE_URL must be set (audio URLs are built from it)")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set")
	}
	if cfg.TwilioPhoneNumber == "" {
		return Config{}, fmt.Errorf("TWILIO_PHONE_NUMBER must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	switch cfg.AudioCarrierFormat {
	case "mp3", "wav_ulaw":
	default:
		return Config{}, fmt.Errorf("invalid AUDIO_CARRIER_FORMAT: %q (expected mp3|wav_ulaw)", cfg.AudioCarrierFormat)
	}
	switch cfg.ElevenLabsTTSMode {
	case "http", "ws":
	default:
		return Config{}, fmt.Errorf("invalid ELEVENLABS_TTS_MODE: %q (expected http|ws)", cfg.ElevenLabsTTSMode)
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SessionHistoryWindow <= 0 {
		return Config{}, fmt.Errorf("SESSION_HISTORY_WINDOW must be positive")
	}
	if cfg.AudioTTL <= 0 {
		return Config{}, fmt.Errorf("AUDIO_TTL must be positive")
	}
	if cfg.GatherTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("VOICE_GATHER_TIMEOUT_SEC must be positive")
	}
	if cfg.SynthMaxChars <= 0 {
		return Config{}, fmt.Errorf("SYNTH_MAX_CHARS must be positive")
	}
	if cfg.BrainMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("BRAIN_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
