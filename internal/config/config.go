package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported synthesizer engines
const (
	TTSProviderDeepgram = "deepgram"
	TTSProviderExec     = "exec"
	TTSProviderTone     = "tone"
)

// Supported pacing modes
const (
	PacingFixed    = "fixed"
	PacingPlayback = "playback"
)

// Config holds all configuration for the converse gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"5000"`

	// Optional gRPC health service port; disabled when empty
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// Text-completion backend (OpenAI-compatible chat completions)
	CompletionHost        string  `envconfig:"COMPLETION_HOST" default:"localhost"`
	CompletionPort        int     `envconfig:"COMPLETION_PORT" default:"1234"`
	CompletionPath        string  `envconfig:"COMPLETION_PATH" default:"/v1/chat/completions"`
	CompletionAPIKey      string  `envconfig:"COMPLETION_API_KEY" default:""`
	CompletionModel       string  `envconfig:"COMPLETION_MODEL" default:"local-model"`
	CompletionTemperature float32 `envconfig:"COMPLETION_TEMPERATURE" default:"0.7"`
	CompletionMaxTokens   int     `envconfig:"COMPLETION_MAX_TOKENS" default:"2000"`
	CompletionTimeout     int     `envconfig:"COMPLETION_TIMEOUT" default:"30"` // seconds
	CompletionCleanReply  bool    `envconfig:"COMPLETION_CLEAN_REPLY" default:"true"`

	SystemPrompt  string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful assistant. Provide direct answers without repeating the question. Keep responses clear and concise."`
	HistoryWindow int    `envconfig:"HISTORY_WINDOW" default:"5"` // turns kept besides the system prompt

	// Session store
	SessionMax int `envconfig:"SESSION_MAX" default:"1024"`
	SessionTTL int `envconfig:"SESSION_TTL" default:"1800"` // seconds

	// Speech synthesis
	TTSProvider      string `envconfig:"TTS_PROVIDER" default:"tone"` // deepgram, exec, tone
	TTSSampleRate    int    `envconfig:"TTS_SAMPLE_RATE" default:"48000"`
	TTSExecCommand   string `envconfig:"TTS_EXEC_COMMAND" default:""`
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"aura-asteria-en"`
	SynthesisTimeout int    `envconfig:"SYNTHESIS_TIMEOUT" default:"20"` // seconds
	SynthesisWorkers int    `envconfig:"SYNTHESIS_WORKERS" default:"1"`

	// Stream pacing and framing
	PacingMode     string `envconfig:"PACING_MODE" default:"fixed"`     // fixed, playback
	PacingInterval int    `envconfig:"PACING_INTERVAL" default:"100"`   // milliseconds
	PacingLead     int    `envconfig:"PACING_LEAD" default:"250"`       // milliseconds, playback mode only
	StreamEndEvent bool   `envconfig:"STREAM_END_EVENT" default:"true"` // emit a terminal "end" event

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`             // Maximum attempts per completion call
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig cannot express
func (c *Config) Validate() error {
	switch c.TTSProvider {
	case TTSProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TTS_PROVIDER=deepgram")
		}
	case TTSProviderExec:
		if strings.TrimSpace(c.TTSExecCommand) == "" {
			return fmt.Errorf("TTS_EXEC_COMMAND is required when TTS_PROVIDER=exec")
		}
	case TTSProviderTone:
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	switch c.PacingMode {
	case PacingFixed, PacingPlayback:
	default:
		return fmt.Errorf("unknown PACING_MODE %q", c.PacingMode)
	}

	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be at least 1")
	}
	if c.SessionMax < 1 {
		return fmt.Errorf("SESSION_MAX must be at least 1")
	}
	if c.SynthesisWorkers < 1 {
		return fmt.Errorf("SYNTHESIS_WORKERS must be at least 1")
	}
	if c.PacingInterval < 0 || c.PacingLead < 0 {
		return fmt.Errorf("pacing durations must not be negative")
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	if strings.TrimSpace(c.CompletionPath) == "" {
		return fmt.Errorf("COMPLETION_PATH must not be empty")
	}
	if c.CompletionTimeout <= 0 || c.SynthesisTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// CompletionBaseURL returns the scheme and authority of the completion backend
func (c *Config) CompletionBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.CompletionHost, c.CompletionPort)
}

// CompletionEndpointPath returns COMPLETION_PATH with a leading slash.
// Every completion request is sent to exactly this path.
func (c *Config) CompletionEndpointPath() string {
	path := strings.TrimSpace(c.CompletionPath)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// CompletionURL returns the full completion endpoint URL
func (c *Config) CompletionURL() string {
	return c.CompletionBaseURL() + c.CompletionEndpointPath()
}

// Warnings lists settings that are valid but unlikely to be wanted in production
func (c *Config) Warnings() []string {
	var warnings []string
	if c.TTSProvider == TTSProviderTone {
		warnings = append(warnings, "TTS_PROVIDER=tone synthesizes test tones, not speech; set TTS_PROVIDER=deepgram or exec for spoken answers")
	}
	return warnings
}

// CompletionTimeoutDuration returns the per-call completion timeout
func (c *Config) CompletionTimeoutDuration() time.Duration {
	return time.Duration(c.CompletionTimeout) * time.Second
}

// SynthesisTimeoutDuration returns the per-sentence synthesis timeout
func (c *Config) SynthesisTimeoutDuration() time.Duration {
	return time.Duration(c.SynthesisTimeout) * time.Second
}

// SessionTTLDuration returns how long an idle session is kept
func (c *Config) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}
