package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SelectorConfig tunes provider scoring. The recency window and penalty are
// empirically tuned values, kept configurable rather than hard-coded.
type SelectorConfig struct {
	CacheTTLMS      int     `yaml:"cache_ttl_ms"`
	SuccessWeight   float64 `yaml:"success_weight"`
	LatencyWeight   float64 `yaml:"latency_weight"`
	NeutralScore    float64 `yaml:"neutral_score"`
	RecencyWindowMS int     `yaml:"recency_window_ms"`
	RecencyPenalty  float64 `yaml:"recency_penalty"`
}

type EstimatorConfig struct {
	DefaultWordsPerMinute float64            `yaml:"default_words_per_minute"`
	VoiceWordsPerMinute   map[string]float64 `yaml:"voice_words_per_minute"`
}

type BufferConfig struct {
	TargetPercentage float64 `yaml:"target_percentage"`
	MinBufferMS      int     `yaml:"min_buffer_ms"`
}

type RateConfig struct {
	MinRate float64 `yaml:"min_rate"`
	MaxRate float64 `yaml:"max_rate"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutMS        int `yaml:"timeout_ms"`
}

type SpeakConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultVoice string `yaml:"default_voice"`
	Target       string `yaml:"target"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
}

type TranscribeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

// ProviderConfig declares one STT or TTS backend. Mode is a fixed enum
// resolved at configuration time: openai (HTTP endpoint speaking the
// OpenAI audio API), exec (local subprocess), or mock.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // stt, tts
	Mode    string `yaml:"mode"` // openai, exec, mock
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
	Command string `yaml:"command"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Selector     SelectorConfig     `yaml:"selector"`
	Estimator    EstimatorConfig    `yaml:"estimator"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Rate         RateConfig         `yaml:"rate"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Speak        SpeakConfig        `yaml:"speak"`
	Transcribe   TranscribeConfig   `yaml:"transcribe"`
	Providers    []ProviderConfig   `yaml:"providers"`
}

func Default() Config {
	return Config{
		RuntimeName: "chatta-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8585,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/chatta-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Selector: SelectorConfig{
			CacheTTLMS:      60000,
			SuccessWeight:   0.7,
			LatencyWeight:   0.3,
			NeutralScore:    0.5,
			RecencyWindowMS: 30000,
			RecencyPenalty:  0.5,
		},
		Estimator: EstimatorConfig{
			DefaultWordsPerMinute: 160,
			VoiceWordsPerMinute: map[string]float64{
				"af_bella": 170,
				"af_sky":   165,
			},
		},
		Buffer: BufferConfig{
			TargetPercentage: 0.35,
			MinBufferMS:      500,
		},
		Rate: RateConfig{
			MinRate: 0.85,
			MaxRate: 1.15,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			TimeoutMS:        30000,
		},
		Speak: SpeakConfig{
			Enabled:      false,
			DefaultVoice: "af_bella",
			Target:       "default",
			SampleRate:   24000,
			Channels:     1,
		},
		Transcribe: TranscribeConfig{
			Enabled:        false,
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CHATTA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CHATTA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHATTA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHATTA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHATTA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHATTA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHATTA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "CHATTA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHATTA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CHATTA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHATTA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHATTA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHATTA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHATTA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHATTA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SessionStore.Path, "CHATTA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "CHATTA_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "CHATTA_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "CHATTA_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "CHATTA_SESSION_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Selector.CacheTTLMS, "CHATTA_SELECTOR_CACHE_TTL_MS")
	overrideFloat(&cfg.Selector.SuccessWeight, "CHATTA_SELECTOR_SUCCESS_WEIGHT")
	overrideFloat(&cfg.Selector.LatencyWeight, "CHATTA_SELECTOR_LATENCY_WEIGHT")
	overrideFloat(&cfg.Selector.NeutralScore, "CHATTA_SELECTOR_NEUTRAL_SCORE")
	overrideInt(&cfg.Selector.RecencyWindowMS, "CHATTA_SELECTOR_RECENCY_WINDOW_MS")
	overrideFloat(&cfg.Selector.RecencyPenalty, "CHATTA_SELECTOR_RECENCY_PENALTY")
	overrideFloat(&cfg.Estimator.DefaultWordsPerMinute, "CHATTA_ESTIMATOR_DEFAULT_WPM")
	overrideFloat(&cfg.Buffer.TargetPercentage, "CHATTA_BUFFER_TARGET_PERCENTAGE")
	overrideInt(&cfg.Buffer.MinBufferMS, "CHATTA_BUFFER_MIN_BUFFER_MS")
	overrideFloat(&cfg.Rate.MinRate, "CHATTA_RATE_MIN")
	overrideFloat(&cfg.Rate.MaxRate, "CHATTA_RATE_MAX")
	overrideInt(&cfg.Breaker.FailureThreshold, "CHATTA_BREAKER_FAILURE_THRESHOLD")
	overrideInt(&cfg.Breaker.TimeoutMS, "CHATTA_BREAKER_TIMEOUT_MS")
	overrideBool(&cfg.Speak.Enabled, "CHATTA_SPEAK_ENABLED")
	overrideString(&cfg.Speak.DefaultVoice, "CHATTA_SPEAK_DEFAULT_VOICE")
	overrideString(&cfg.Speak.Target, "CHATTA_SPEAK_TARGET")
	overrideInt(&cfg.Speak.SampleRate, "CHATTA_SPEAK_SAMPLE_RATE")
	overrideInt(&cfg.Speak.Channels, "CHATTA_SPEAK_CHANNELS")
	overrideBool(&cfg.Transcribe.Enabled, "CHATTA_TRANSCRIBE_ENABLED")
	overrideString(&cfg.Transcribe.Language, "CHATTA_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Transcribe.SampleRate, "CHATTA_TRANSCRIBE_SAMPLE_RATE")
	overrideInt(&cfg.Transcribe.Channels, "CHATTA_TRANSCRIBE_CHANNELS")
	overrideInt(&cfg.Transcribe.PartialEveryMS, "CHATTA_TRANSCRIBE_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Transcribe.PublishInterim, "CHATTA_TRANSCRIBE_PUBLISH_INTERIM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.Selector.CacheTTLMS < 0 {
		return errors.New("selector.cache_ttl_ms must be >= 0")
	}
	if cfg.Selector.SuccessWeight < 0 || cfg.Selector.LatencyWeight < 0 {
		return errors.New("selector weights must be >= 0")
	}
	if cfg.Selector.RecencyWindowMS < 0 {
		return errors.New("selector.recency_window_ms must be >= 0")
	}
	if cfg.Selector.RecencyPenalty < 0 || cfg.Selector.RecencyPenalty > 1 {
		return errors.New("selector.recency_penalty must be in [0,1]")
	}
	if cfg.Estimator.DefaultWordsPerMinute <= 0 {
		return errors.New("estimator.default_words_per_minute must be positive")
	}
	if cfg.Buffer.TargetPercentage <= 0 || cfg.Buffer.TargetPercentage > 1 {
		return errors.New("buffer.target_percentage must be in (0,1]")
	}
	if cfg.Buffer.MinBufferMS < 0 {
		return errors.New("buffer.min_buffer_ms must be >= 0")
	}
	if cfg.Rate.MinRate <= 0 || cfg.Rate.MaxRate < cfg.Rate.MinRate {
		return errors.New("rate.min_rate must be positive and <= rate.max_rate")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.TimeoutMS <= 0 {
		return errors.New("breaker.timeout_ms must be positive")
	}
	seen := map[string]bool{}
	var ttsCount, sttCount int
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("providers[].name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "stt":
			sttCount++
		case "tts":
			ttsCount++
		default:
			return fmt.Errorf("provider %q: kind must be one of stt|tts", p.Name)
		}
		switch p.Mode {
		case "openai":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: base_url must be set when mode=openai", p.Name)
			}
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("provider %q: command must be set when mode=exec", p.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("provider %q: mode must be one of openai|exec|mock", p.Name)
		}
	}
	if cfg.Speak.Enabled {
		if ttsCount == 0 {
			return errors.New("speak.enabled requires at least one provider with kind=tts")
		}
		if cfg.Speak.SampleRate <= 0 {
			return errors.New("speak.sample_rate must be positive")
		}
		if cfg.Speak.Channels <= 0 {
			return errors.New("speak.channels must be positive")
		}
	}
	if cfg.Transcribe.Enabled {
		if sttCount == 0 {
			return errors.New("transcribe.enabled requires at least one provider with kind=stt")
		}
		if cfg.Transcribe.SampleRate <= 0 {
			return errors.New("transcribe.sample_rate must be positive")
		}
		if cfg.Transcribe.Channels <= 0 {
			return errors.New("transcribe.channels must be positive")
		}
	}
	return nil
}

// ProvidersOfKind returns the configured providers matching kind, in
// declaration order.
func (c Config) ProvidersOfKind(kind string) []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}
