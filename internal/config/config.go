// Package config provides the configuration schema, loader and validation for
// the voicegate server.
package config

import "time"

// LogLevel controls log verbosity for the voicegate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LLMBackend selects the LLM provider implementation.
type LLMBackend string

const (
	// BackendOpenAI talks to the OpenAI chat completions API directly.
	BackendOpenAI LLMBackend = "openai"

	// Remaining backends route through the any-llm multi-provider layer.
	BackendAnthropic LLMBackend = "anthropic"
	BackendGemini    LLMBackend = "gemini"
	BackendOllama    LLMBackend = "ollama"
	BackendDeepSeek  LLMBackend = "deepseek"
	BackendMistral   LLMBackend = "mistral"
	BackendGroq      LLMBackend = "groq"
)

// IsValid reports whether b is a recognised LLM backend.
func (b LLMBackend) IsValid() bool {
	switch b {
	case BackendOpenAI, BackendAnthropic, BackendGemini, BackendOllama,
		BackendDeepSeek, BackendMistral, BackendGroq:
		return true
	}
	return false
}

// Config is the root configuration structure for voicegate. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader], then overlaid
// with [FromEnv] for secrets.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	LLM          LLMConfig          `yaml:"llm"`
	Speech       SpeechConfig       `yaml:"speech"`
	Telephony    TelephonyConfig    `yaml:"telephony"`
	Conversation ConversationConfig `yaml:"conversation"`
	Validation   ValidationConfig   `yaml:"validation"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogJSON switches the log handler to JSON output. Text otherwise.
	LogJSON bool `yaml:"log_json"`

	// ObserverOrigins lists the origins allowed to open observer sockets and
	// call the HTTP API cross-origin. "*" allows any origin.
	ObserverOrigins []string `yaml:"observer_origins"`
}

// RedisConfig holds session-store connection settings. An empty Addr selects
// the in-memory store, which loses sessions on restart.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password authenticates the connection. Usually injected via
	// VOICEGATE_REDIS_PASSWORD rather than written to the file.
	Password string `yaml:"password"`

	// DB selects the logical database number.
	DB int `yaml:"db"`

	// SessionTTLHours expires idle session records. 0 keeps them forever.
	SessionTTLHours int `yaml:"session_ttl_hours"`
}

// SessionTTL returns the record expiry as a duration.
func (r RedisConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLHours) * time.Hour
}

// LLMConfig selects and authenticates the language-model backend.
type LLMConfig struct {
	// Backend selects the provider implementation.
	Backend LLMBackend `yaml:"backend"`

	// Model is the backend-specific model identifier (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// APIKey authenticates with the backend. Usually injected via
	// VOICEGATE_LLM_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint, for gateways and
	// self-hosted deployments.
	BaseURL string `yaml:"base_url"`
}

// SpeechConfig holds the speech-service endpoints shared by the STT and TTS
// adapters. Authentication is either a static key or an OAuth2
// client-credentials flow; the key wins when both are set.
type SpeechConfig struct {
	// STTEndpoint is the streaming recognition websocket URL (wss://...).
	STTEndpoint string `yaml:"stt_endpoint"`

	// TTSEndpoint is the synthesis REST URL (https://...).
	TTSEndpoint string `yaml:"tts_endpoint"`

	// APIKey is the static subscription key. Usually injected via
	// VOICEGATE_SPEECH_API_KEY.
	APIKey string `yaml:"api_key"`

	// OAuth configures the client-credentials token source used when no
	// static key is set.
	OAuth *OAuthConfig `yaml:"oauth"`

	// SampleRate is the PCM rate in Hz for both directions (16000 or 24000).
	SampleRate int `yaml:"sample_rate"`
}

// OAuthConfig configures an OAuth2 client-credentials flow.
type OAuthConfig struct {
	// TokenURL is the authorization server's token endpoint.
	TokenURL string `yaml:"token_url"`

	// ClientID is the OAuth2 client identifier.
	ClientID string `yaml:"client_id"`

	// ClientSecret is the OAuth2 client secret. Usually injected via
	// VOICEGATE_SPEECH_CLIENT_SECRET.
	ClientSecret string `yaml:"client_secret"`

	// Scopes lists the scopes to request. May be empty.
	Scopes []string `yaml:"scopes"`
}

// TelephonyConfig holds the call-automation service settings. Leaving
// ConnectionString empty disables telephony: the webhook and call-initiation
// endpoints answer 503 and only browser sessions work.
type TelephonyConfig struct {
	// ConnectionString is the provider credential in
	// "endpoint=https://...;accesskey=..." form. Usually injected via
	// VOICEGATE_TELEPHONY_CONNECTION_STRING.
	ConnectionString string `yaml:"connection_string"`

	// SourceNumber is the E.164 number outbound calls originate from.
	SourceNumber string `yaml:"source_number"`

	// CallbackBaseURL is the public base URL the provider posts webhook
	// events to (https://...).
	CallbackBaseURL string `yaml:"callback_base_url"`

	// MediaWebsocketPath is the path under CallbackBaseURL where the
	// provider streams call media. Default "/ws/audio".
	MediaWebsocketPath string `yaml:"media_websocket_path"`
}

// Enabled reports whether telephony is configured.
func (t TelephonyConfig) Enabled() bool { return t.ConnectionString != "" }

// ConversationConfig tunes the per-session dialog pipeline.
type ConversationConfig struct {
	// Languages is the candidate recognition language list in priority
	// order, BCP-47 tags.
	Languages []string `yaml:"languages"`

	// SilenceTimeoutMS is how long the recognizer waits after speech stops
	// before emitting a final, in milliseconds.
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`

	// StopWords end the conversation when heard in a final transcript,
	// matched case-insensitively as substrings.
	StopWords []string `yaml:"stop_words"`

	// Greeting is spoken once per session shortly after connect.
	Greeting string `yaml:"greeting"`

	// Farewell is spoken before hanging up on a stop word.
	Farewell string `yaml:"farewell"`

	// GreetWaitMS delays the greeting so call setup can settle.
	GreetWaitMS int `yaml:"greet_wait_ms"`

	// VoiceName is the synthesis voice identifier.
	VoiceName string `yaml:"voice_name"`

	// VoiceRate adjusts speaking rate, e.g. "+10%". Empty means default.
	VoiceRate string `yaml:"voice_rate"`
}

// SilenceTimeout returns the recognizer segmentation timeout as a duration.
func (c ConversationConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMS) * time.Millisecond
}

// GreetWait returns the greeting delay as a duration.
func (c ConversationConfig) GreetWait() time.Duration {
	return time.Duration(c.GreetWaitMS) * time.Millisecond
}

// ValidationConfig tunes the DTMF caller-validation state machine.
type ValidationConfig struct {
	// ExpectedSequence is the digit sequence the caller must key in.
	// Usually injected via VOICEGATE_DTMF_SEQUENCE.
	ExpectedSequence string `yaml:"expected_sequence"`

	// MaxAttempts is how many wrong sequences are tolerated before the call
	// is hung up. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Prompt is spoken to ask for the sequence.
	Prompt string `yaml:"prompt"`

	// FailurePrompt is spoken before re-asking after a wrong sequence.
	FailurePrompt string `yaml:"failure_prompt"`
}
