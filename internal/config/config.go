package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Output      OutputConfig     `yaml:"output"`
	Fallback    FallbackConfig   `yaml:"fallback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthesisConfig selects and tunes the speech synthesis backend.
type SynthesisConfig struct {
	Mode              string   `yaml:"mode"` // http, exec, bus, mock, chain
	Endpoint          string   `yaml:"endpoint"`
	APIKey            string   `yaml:"api_key"`
	Voice             string   `yaml:"voice"`
	Format            string   `yaml:"format"`
	Command           string   `yaml:"command"`
	Subject           string   `yaml:"subject"`
	Chain             []string `yaml:"chain"`
	TimeoutMS         int      `yaml:"timeout_ms"`
	MaxInFlight       int      `yaml:"max_in_flight"`
	Retries           int      `yaml:"retries"`
	RetryDelayMS      int      `yaml:"retry_delay_ms"`
	DefaultSampleRate int      `yaml:"default_sample_rate"`
	ServeOnBus        bool     `yaml:"serve_on_bus"`
}

type PipelineConfig struct {
	ChunkMaxLen      int `yaml:"chunk_max_len"`
	TargetSampleRate int `yaml:"target_sample_rate"`
	MaxQueuedBuffers int `yaml:"max_queued_buffers"`
}

type OutputConfig struct {
	Mode            string `yaml:"mode"` // exec, discard
	Command         string `yaml:"command"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type FallbackConfig struct {
	Mode    string `yaml:"mode"` // exec, none
	Command string `yaml:"command"`
	Voice   string `yaml:"voice"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Synthesis: SynthesisConfig{
			Mode:              "mock",
			Endpoint:          "http://localhost:5002",
			Voice:             "female_en",
			Format:            "wav",
			Subject:           "tts.synthesize",
			Chain:             []string{"http", "exec"},
			TimeoutMS:         30000,
			MaxInFlight:       2,
			Retries:           1,
			RetryDelayMS:      250,
			DefaultSampleRate: 24000,
		},
		Pipeline: PipelineConfig{
			ChunkMaxLen:      1000,
			TargetSampleRate: 24000,
			MaxQueuedBuffers: 3,
		},
		Output: OutputConfig{
			Mode:            "exec",
			Command:         "aplay -q -t raw -f S16_LE -r 24000 -c 1 -",
			FrameDurationMS: 20,
		},
		Fallback: FallbackConfig{
			Mode:    "exec",
			Command: "espeak-ng --stdin -v {voice}",
			Voice:   "en-us",
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "NARRATOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NARRATOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "NARRATOR_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "NARRATOR_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "NARRATOR_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Voice, "NARRATOR_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.Format, "NARRATOR_SYNTHESIS_FORMAT")
	overrideString(&cfg.Synthesis.Command, "NARRATOR_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Subject, "NARRATOR_SYNTHESIS_SUBJECT")
	overrideStringSlice(&cfg.Synthesis.Chain, "NARRATOR_SYNTHESIS_CHAIN")
	overrideInt(&cfg.Synthesis.TimeoutMS, "NARRATOR_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.MaxInFlight, "NARRATOR_SYNTHESIS_MAX_IN_FLIGHT")
	overrideInt(&cfg.Synthesis.Retries, "NARRATOR_SYNTHESIS_RETRIES")
	overrideInt(&cfg.Synthesis.RetryDelayMS, "NARRATOR_SYNTHESIS_RETRY_DELAY_MS")
	overrideInt(&cfg.Synthesis.DefaultSampleRate, "NARRATOR_SYNTHESIS_DEFAULT_SAMPLE_RATE")
	overrideBool(&cfg.Synthesis.ServeOnBus, "NARRATOR_SYNTHESIS_SERVE_ON_BUS")
	overrideInt(&cfg.Pipeline.ChunkMaxLen, "NARRATOR_PIPELINE_CHUNK_MAX_LEN")
	overrideInt(&cfg.Pipeline.TargetSampleRate, "NARRATOR_PIPELINE_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.MaxQueuedBuffers, "NARRATOR_PIPELINE_MAX_QUEUED_BUFFERS")
	overrideString(&cfg.Output.Mode, "NARRATOR_OUTPUT_MODE")
	overrideString(&cfg.Output.Command, "NARRATOR_OUTPUT_COMMAND")
	overrideInt(&cfg.Output.FrameDurationMS, "NARRATOR_OUTPUT_FRAME_DURATION_MS")
	overrideString(&cfg.Fallback.Mode, "NARRATOR_FALLBACK_MODE")
	overrideString(&cfg.Fallback.Command, "NARRATOR_FALLBACK_COMMAND")
	overrideString(&cfg.Fallback.Voice, "NARRATOR_FALLBACK_VOICE")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateSynthesisMode(cfg, cfg.Synthesis.Mode); err != nil {
		return err
	}
	if cfg.Synthesis.Mode == "chain" {
		if len(cfg.Synthesis.Chain) == 0 {
			return errors.New("synthesis.chain must not be empty when mode=chain")
		}
		for _, mode := range cfg.Synthesis.Chain {
			if mode == "chain" {
				return errors.New("synthesis.chain must not contain chain")
			}
			if err := validateSynthesisMode(cfg, mode); err != nil {
				return err
			}
		}
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Synthesis.MaxInFlight < 1 {
		return errors.New("synthesis.max_in_flight must be >= 1")
	}
	if cfg.Synthesis.Retries < 0 {
		return errors.New("synthesis.retries must be >= 0")
	}
	if !validRate(cfg.Synthesis.DefaultSampleRate) {
		return fmt.Errorf("synthesis.default_sample_rate must be within [%d, %d]", audio.MinSampleRate, audio.MaxSampleRate)
	}
	if cfg.Synthesis.ServeOnBus && !cfg.Bus.Enabled {
		return errors.New("synthesis.serve_on_bus requires bus.enabled")
	}
	if cfg.Pipeline.ChunkMaxLen <= 0 {
		return errors.New("pipeline.chunk_max_len must be positive")
	}
	if !validRate(cfg.Pipeline.TargetSampleRate) {
		return fmt.Errorf("pipeline.target_sample_rate must be within [%d, %d]", audio.MinSampleRate, audio.MaxSampleRate)
	}
	if cfg.Pipeline.MaxQueuedBuffers < 1 {
		return errors.New("pipeline.max_queued_buffers must be >= 1")
	}
	switch cfg.Output.Mode {
	case "discard":
	case "exec":
		if cfg.Output.Command == "" {
			return errors.New("output.command must be set when mode=exec")
		}
	default:
		return errors.New("output.mode must be one of exec|discard")
	}
	if cfg.Output.FrameDurationMS <= 0 {
		return errors.New("output.frame_duration_ms must be positive")
	}
	switch cfg.Fallback.Mode {
	case "none":
	case "exec":
		if cfg.Fallback.Command == "" {
			return errors.New("fallback.command must be set when mode=exec")
		}
	default:
		return errors.New("fallback.mode must be one of exec|none")
	}
	return nil
}

func validateSynthesisMode(cfg Config, mode string) error {
	switch mode {
	case "mock", "chain":
	case "http":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=http")
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("synthesis mode=bus requires bus.enabled")
		}
		if cfg.Synthesis.Subject == "" {
			return errors.New("synthesis.subject must be set when mode=bus")
		}
	default:
		return fmt.Errorf("synthesis.mode %q must be one of http|exec|bus|mock|chain", mode)
	}
	return nil
}

func validRate(hz int) bool {
	return hz >= audio.MinSampleRate && hz <= audio.MaxSampleRate
}
