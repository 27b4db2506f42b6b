// Package config loads the voice runtime's configuration from the
// environment via envconfig struct tags, optionally preloaded from a
// local .env file, so that configuration errors fail fast at startup
// rather than surfacing as a mysterious failure on the first call.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice runtime: the real-time
// voice pipeline (cmd/server) and the outbound dialer (cmd/dialer) both
// load this struct, ignoring the fields the other process doesn't use.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// PublicBaseURL is the externally reachable base URL of the
	// WebSocket/webhook endpoints (e.g. https://xxx.ngrok-free.dev when
	// behind a tunnel in dev). Neither cmd/server nor cmd/dialer reads it.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// LLM provider configuration. Provider selects which adapter backs the
	// conversation engine's token stream for the whole process; both
	// credentials may be set, but only the selected provider's is used and
	// there is no per-campaign provider override.
	LLMProvider       string  `envconfig:"LLM_PROVIDER" default:"openai"` // "openai" | "anthropic"
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel       string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	AnthropicAPIKey   string  `envconfig:"ANTHROPIC_API_KEY" default:""`
	AnthropicModel    string  `envconfig:"ANTHROPIC_MODEL" default:"claude-3-5-haiku-20241022"`
	LLMTemperature    float64 `envconfig:"LLM_TEMPERATURE" default:"0.6"`
	LLMMaxTokens      int     `envconfig:"LLM_MAX_TOKENS" default:"100"`
	LLMTimeoutSeconds int     `envconfig:"LLM_TIMEOUT_SECONDS" default:"10"`
	LLMDeterministic  bool    `envconfig:"LLM_DETERMINISTIC" default:"false"`
	LLMSeed           int64   `envconfig:"LLM_SEED" default:"42"`

	// Telephony — WS flavour
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`

	// Telephony — RTP/SIP flavour
	SIPListenAddr string `envconfig:"SIP_LISTEN_ADDR" default:"0.0.0.0:5060"`
	SIPHostname   string `envconfig:"SIP_HOSTNAME" default:"localhost"`
	RTPBasePort   int    `envconfig:"RTP_BASE_PORT" default:"10000"`
	RTPPortRange  int    `envconfig:"RTP_PORT_RANGE" default:"1000"`
	MediaIP       string `envconfig:"MEDIA_IP" default:"127.0.0.1"`

	// Outbound SIP trunk, used by telephony.SIPDialer. cmd/dialer requires
	// SIP_TRUNK_HOST; cmd/server, when it is empty, uses a CallPlacer that
	// rejects every outbound call.
	SIPTrunkHost   string `envconfig:"SIP_TRUNK_HOST" default:""`
	SIPTrunkPort   int    `envconfig:"SIP_TRUNK_PORT" default:"5060"`
	SIPTrunkSource string `envconfig:"SIP_TRUNK_SOURCE" default:"voxrun"`

	// Voice activity detection thresholds. Neither cmd/server nor
	// cmd/dialer reads them; the RTP gateway does no silence detection.
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Voice agent persona, used as the prompt.Manager base layer before
	// any per-campaign Overrides are applied.
	AgentName     string `envconfig:"AGENT_NAME" default:"Avery"`
	CompanyName   string `envconfig:"COMPANY_NAME" default:"the company"`
	AgentTone     string `envconfig:"AGENT_TONE" default:"warm and concise"`
	DoNotSayRules string `envconfig:"DO_NOT_SAY_RULES" default:""` // comma-separated

	// Conversation engine / guardrail tuning.
	MaxConversationTurns int `envconfig:"MAX_CONVERSATION_TURNS" default:"20"`
	MaxObjectionAttempts int `envconfig:"MAX_OBJECTION_ATTEMPTS" default:"2"`
	MaxLLMErrors         int `envconfig:"MAX_LLM_ERRORS" default:"2"`

	// Call-level timeouts.
	STTInactivityTimeoutSeconds int `envconfig:"STT_INACTIVITY_TIMEOUT_SECONDS" default:"5"`
	CallIdleTimeoutSeconds      int `envconfig:"CALL_IDLE_TIMEOUT_SECONDS" default:"300"`
	BargeInLatencyBudgetMS      int `envconfig:"BARGE_IN_LATENCY_BUDGET_MS" default:"100"`
	TotalLatencyBudgetMS        int `envconfig:"TOTAL_LATENCY_BUDGET_MS" default:"700"`

	// Persistence store.
	DatabaseURL         string `envconfig:"DATABASE_URL" default:""`
	DatabaseMaxConns    int32  `envconfig:"DATABASE_MAX_CONNS" default:"20"`
	DatabaseMinConns    int32  `envconfig:"DATABASE_MIN_CONNS" default:"4"`
	MigrationsPath      string `envconfig:"MIGRATIONS_PATH" default:"file://internal/persistence/migrations"`
	DefaultCostPerSecond float64 `envconfig:"DEFAULT_COST_PER_SECOND" default:"0.001"`

	// Recording blob store.
	RecordingsDir string `envconfig:"RECORDINGS_DIR" default:"./recordings"`

	// Dialer queue / worker.
	RedisURL                 string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	DialerPollIntervalSeconds int   `envconfig:"DIALER_POLL_INTERVAL_SECONDS" default:"1"`
	DialerSweepIntervalSeconds int  `envconfig:"DIALER_SWEEP_INTERVAL_SECONDS" default:"60"`
	MaxConsecutiveErrors     int    `envconfig:"MAX_CONSECUTIVE_ERRORS" default:"10"`
	ConcurrencyRetryDelaySeconds int `envconfig:"CONCURRENCY_RETRY_DELAY_SECONDS" default:"300"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables, first attempting
// to preload a local .env file (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file, for containerized deployments.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.CartesiaAPIKey == "" {
		return nil, fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if cfg.LLMProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
	}
	if cfg.LLMProvider == "anthropic" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
