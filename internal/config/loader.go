package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for fields left empty in the file.
const (
	DefaultListenAddr       = ":8080"
	DefaultSampleRate       = 16000
	DefaultSilenceTimeoutMS = 1000
	DefaultGreetWaitMS      = 2000
	DefaultSessionTTLHours  = 24
	DefaultMediaPath        = "/ws/audio"
	DefaultMaxAttempts      = 3
)

// Load reads the YAML configuration file at path, overlays environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, applies defaults and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	FromEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overlays secrets and deployment-specific values from environment
// variables onto cfg. Set variables win over file values, so credentials
// never need to live on disk.
func FromEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Server.ListenAddr, "VOICEGATE_LISTEN_ADDR")
	setString(&cfg.Redis.Addr, "VOICEGATE_REDIS_ADDR")
	setString(&cfg.Redis.Password, "VOICEGATE_REDIS_PASSWORD")
	setString(&cfg.LLM.APIKey, "VOICEGATE_LLM_API_KEY")
	setString(&cfg.Speech.APIKey, "VOICEGATE_SPEECH_API_KEY")
	setString(&cfg.Telephony.ConnectionString, "VOICEGATE_TELEPHONY_CONNECTION_STRING")
	setString(&cfg.Telephony.CallbackBaseURL, "VOICEGATE_CALLBACK_BASE_URL")
	setString(&cfg.Validation.ExpectedSequence, "VOICEGATE_DTMF_SEQUENCE")
	if cfg.Speech.OAuth != nil {
		setString(&cfg.Speech.OAuth.ClientSecret, "VOICEGATE_SPEECH_CLIENT_SECRET")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Redis.SessionTTLHours == 0 {
		cfg.Redis.SessionTTLHours = DefaultSessionTTLHours
	}
	if cfg.Speech.SampleRate == 0 {
		cfg.Speech.SampleRate = DefaultSampleRate
	}
	if cfg.Telephony.MediaWebsocketPath == "" {
		cfg.Telephony.MediaWebsocketPath = DefaultMediaPath
	}
	if len(cfg.Conversation.Languages) == 0 {
		cfg.Conversation.Languages = []string{"en-US"}
	}
	if cfg.Conversation.SilenceTimeoutMS == 0 {
		cfg.Conversation.SilenceTimeoutMS = DefaultSilenceTimeoutMS
	}
	if cfg.Conversation.GreetWaitMS == 0 {
		cfg.Conversation.GreetWaitMS = DefaultGreetWaitMS
	}
	if cfg.Validation.MaxAttempts == 0 {
		cfg.Validation.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.LLM.Backend == "" {
		errs = append(errs, errors.New("llm.backend is required"))
	} else if !cfg.LLM.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("llm.backend %q is invalid", cfg.LLM.Backend))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	if cfg.Speech.STTEndpoint == "" {
		errs = append(errs, errors.New("speech.stt_endpoint is required"))
	}
	if cfg.Speech.TTSEndpoint == "" {
		errs = append(errs, errors.New("speech.tts_endpoint is required"))
	}
	if cfg.Speech.APIKey == "" && cfg.Speech.OAuth == nil {
		errs = append(errs, errors.New("speech: either api_key or oauth must be configured"))
	}
	if o := cfg.Speech.OAuth; o != nil && cfg.Speech.APIKey == "" {
		if o.TokenURL == "" || o.ClientID == "" || o.ClientSecret == "" {
			errs = append(errs, errors.New("speech.oauth requires token_url, client_id and client_secret"))
		}
	}
	if sr := cfg.Speech.SampleRate; sr != 16000 && sr != 24000 {
		errs = append(errs, fmt.Errorf("speech.sample_rate %d is invalid; valid values: 16000, 24000", sr))
	}

	if cfg.Telephony.Enabled() {
		if !strings.Contains(cfg.Telephony.ConnectionString, "endpoint=") ||
			!strings.Contains(cfg.Telephony.ConnectionString, "accesskey=") {
			errs = append(errs, errors.New("telephony.connection_string must contain endpoint= and accesskey= parts"))
		}
		if cfg.Telephony.SourceNumber == "" {
			errs = append(errs, errors.New("telephony.source_number is required when telephony is enabled"))
		}
		if cfg.Telephony.CallbackBaseURL == "" {
			errs = append(errs, errors.New("telephony.callback_base_url is required when telephony is enabled"))
		}
		if cfg.Validation.ExpectedSequence == "" {
			errs = append(errs, errors.New("validation.expected_sequence is required when telephony is enabled"))
		}
	}

	for _, d := range cfg.Validation.ExpectedSequence {
		if (d < '0' || d > '9') && d != '*' && d != '#' {
			errs = append(errs, fmt.Errorf("validation.expected_sequence contains invalid character %q", d))
			break
		}
	}
	if cfg.Validation.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("validation.max_attempts %d must be at least 1", cfg.Validation.MaxAttempts))
	}

	if cfg.Conversation.VoiceName == "" {
		errs = append(errs, errors.New("conversation.voice_name is required"))
	}

	return errors.Join(errs...)
}
