package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voxbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir           string
	HTTPPort          int
	PublicURL         string // externally reachable base URL, used to build TwiML callback and stream URLs
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string // E.164 origination number for outbound calls
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	PrimingPrompt     string // system-style opening turn sent before any caller audio
	UpstreamTimeout   time.Duration
	StreamTokenSecret string // hex-encoded 32-byte secret for signing stream tokens
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultGeminiModel     = "models/gemini-2.5-flash-native-audio-latest"
	defaultGeminiVoice     = "Aoede"
	defaultPrimingPrompt   = "You are a helpful voice assistant on a phone call. Greet the caller briefly and ask how you can help."
	defaultUpstreamTimeout = 10 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all voxbridge environment variables.
const envPrefix = "VOXBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call record database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL (e.g., https://bridge.example.com)")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID for placing outbound calls")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&cfg.TwilioFromNumber, "twilio-from-number", "", "E.164 number outbound calls originate from")
	fs.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", "", "API key for the generative audio service")
	fs.StringVar(&cfg.GeminiModel, "gemini-model", defaultGeminiModel, "generative audio model identifier")
	fs.StringVar(&cfg.GeminiVoice, "gemini-voice", defaultGeminiVoice, "prebuilt voice name for synthesized speech")
	fs.StringVar(&cfg.PrimingPrompt, "priming-prompt", defaultPrimingPrompt, "opening text turn sent before any caller audio")
	fs.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", defaultUpstreamTimeout, "timeout for the generative service handshake")
	fs.StringVar(&cfg.StreamTokenSecret, "stream-token-secret", "", "hex-encoded 32-byte secret for stream token signing (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"public-url":          envPrefix + "PUBLIC_URL",
		"twilio-account-sid":  envPrefix + "TWILIO_ACCOUNT_SID",
		"twilio-auth-token":   envPrefix + "TWILIO_AUTH_TOKEN",
		"twilio-from-number":  envPrefix + "TWILIO_FROM_NUMBER",
		"gemini-api-key":      envPrefix + "GEMINI_API_KEY",
		"gemini-model":        envPrefix + "GEMINI_MODEL",
		"gemini-voice":        envPrefix + "GEMINI_VOICE",
		"priming-prompt":      envPrefix + "PRIMING_PROMPT",
		"upstream-timeout":    envPrefix + "UPSTREAM_TIMEOUT",
		"stream-token-secret": envPrefix + "STREAM_TOKEN_SECRET",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "public-url":
			cfg.PublicURL = val
		case "twilio-account-sid":
			cfg.TwilioAccountSID = val
		case "twilio-auth-token":
			cfg.TwilioAuthToken = val
		case "twilio-from-number":
			cfg.TwilioFromNumber = val
		case "gemini-api-key":
			cfg.GeminiAPIKey = val
		case "gemini-model":
			cfg.GeminiModel = val
		case "gemini-voice":
			cfg.GeminiVoice = val
		case "priming-prompt":
			cfg.PrimingPrompt = val
		case "upstream-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.UpstreamTimeout = v
			}
		case "stream-token-secret":
			cfg.StreamTokenSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("gemini-api-key is required")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public-url must be an absolute URL, got %q", c.PublicURL)
		}
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream-timeout must be positive, got %s", c.UpstreamTimeout)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DialerConfigured reports whether the outbound-call trigger can work: all
// three provider settings must be present.
func (c *Config) DialerConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// StreamTokenSecretBytes returns the decoded 32-byte stream token secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) StreamTokenSecretBytes() ([]byte, error) {
	if c.StreamTokenSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating stream token secret: %w", err)
		}
		c.StreamTokenSecret = hex.EncodeToString(key)
		slog.Warn("no stream-token-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.StreamTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding stream token secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("stream token secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
