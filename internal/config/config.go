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
	LogLevel       string `yaml:"log_level"`
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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Denoise     DenoiseConfig    `yaml:"denoise"`
	Recorder    RecorderConfig   `yaml:"recorder"`
}

type BusConfig struct {
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes the ingest side. The speech engine consumes
// TargetSampleRate mono audio.
type AudioConfig struct {
	TargetSampleRate   int `yaml:"target_sample_rate"`
	MaxInputSampleRate int `yaml:"max_input_sample_rate"`
	BlockSize          int `yaml:"block_size"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Engine     string `yaml:"engine"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	ScorerPath string `yaml:"scorer_path"`
	HotWords   string `yaml:"hot_words"`
	Language   string `yaml:"language"`

	// Decode mode flags; see stt.ModeFromConfig for precedence.
	ExtendedMetadata   bool `yaml:"extended_metadata"`
	JSONOutput         bool `yaml:"json_output"`
	JSONCandidates     int  `yaml:"json_candidates"`
	StreamSize         int  `yaml:"stream_size"`
	ExtendedStreamSize int  `yaml:"extended_stream_size"`

	PublishInterim  bool `yaml:"publish_interim"`
	PartialEveryMS  int  `yaml:"partial_every_ms"`
	DecodeTimeoutMS int  `yaml:"decode_timeout_ms"`
}

type DenoiseConfig struct {
	Enabled     bool    `yaml:"enabled"`
	FrameSize   int     `yaml:"frame_size"`
	ThresholdDB float64 `yaml:"threshold_db"`
	Attack      float64 `yaml:"attack"`
}

type RecorderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	QueueBlocks int    `yaml:"queue_blocks"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			TargetSampleRate:   16000,
			MaxInputSampleRate: 96000,
			BlockSize:          512,
		},
		STT: STTConfig{
			Enabled:         true,
			Engine:          "mock",
			JSONCandidates:  3,
			PartialEveryMS:  800,
			DecodeTimeoutMS: 45000,
		},
		Denoise: DenoiseConfig{
			Enabled:     false,
			FrameSize:   480,
			ThresholdDB: -50,
			Attack:      0.9,
		},
		Recorder: RecorderConfig{
			Enabled:     false,
			Directory:   "./data/recordings",
			QueueBlocks: 64,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.TargetSampleRate, "LOQA_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MaxInputSampleRate, "LOQA_AUDIO_MAX_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Audio.BlockSize, "LOQA_AUDIO_BLOCK_SIZE")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.ScorerPath, "LOQA_STT_SCORER_PATH")
	overrideString(&cfg.STT.HotWords, "LOQA_STT_HOT_WORDS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.STT.ExtendedMetadata, "LOQA_STT_EXTENDED_METADATA")
	overrideBool(&cfg.STT.JSONOutput, "LOQA_STT_JSON_OUTPUT")
	overrideInt(&cfg.STT.JSONCandidates, "LOQA_STT_JSON_CANDIDATES")
	overrideInt(&cfg.STT.StreamSize, "LOQA_STT_STREAM_SIZE")
	overrideInt(&cfg.STT.ExtendedStreamSize, "LOQA_STT_EXTENDED_STREAM_SIZE")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "LOQA_STT_DECODE_TIMEOUT_MS")
	overrideBool(&cfg.Denoise.Enabled, "LOQA_DENOISE_ENABLED")
	overrideInt(&cfg.Denoise.FrameSize, "LOQA_DENOISE_FRAME_SIZE")
	overrideFloat(&cfg.Denoise.ThresholdDB, "LOQA_DENOISE_THRESHOLD_DB")
	overrideFloat(&cfg.Denoise.Attack, "LOQA_DENOISE_ATTACK")
	overrideBool(&cfg.Recorder.Enabled, "LOQA_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Directory, "LOQA_RECORDER_DIRECTORY")
	overrideInt(&cfg.Recorder.QueueBlocks, "LOQA_RECORDER_QUEUE_BLOCKS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	if cfg.Audio.MaxInputSampleRate < cfg.Audio.TargetSampleRate {
		return errors.New("audio.max_input_sample_rate must be >= audio.target_sample_rate")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Engine {
		case "mock", "exec":
		default:
			return errors.New("stt.engine must be one of mock|exec")
		}
		if cfg.STT.Engine == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when engine=exec")
		}
		if cfg.STT.JSONCandidates <= 0 {
			return errors.New("stt.json_candidates must be positive")
		}
		if cfg.STT.StreamSize < 0 || cfg.STT.ExtendedStreamSize < 0 {
			return errors.New("stt.stream_size and stt.extended_stream_size must be >= 0")
		}
		if cfg.STT.DecodeTimeoutMS <= 0 {
			return errors.New("stt.decode_timeout_ms must be positive")
		}
	}
	if cfg.Denoise.Enabled {
		if cfg.Denoise.FrameSize <= 0 {
			return errors.New("denoise.frame_size must be positive")
		}
		if cfg.Denoise.Attack < 0 || cfg.Denoise.Attack >= 1 {
			return errors.New("denoise.attack must be in [0, 1)")
		}
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Directory == "" {
			return errors.New("recorder.directory must not be empty when recording is enabled")
		}
		if cfg.Recorder.QueueBlocks <= 0 {
			return errors.New("recorder.queue_blocks must be >= 1")
		}
	}
	return nil
}
