// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the englishpro server.
package config

import "time"

// LogLevel controls log verbosity.
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

// StoreBackend selects where profiles and learned words are kept.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
	StoreSQLite   StoreBackend = "sqlite"
)

// IsValid reports whether b is a recognised backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StorePostgres, StoreSQLite:
		return true
	}
	return false
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader];
// both apply defaults and validate.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Store      StoreConfig      `yaml:"store"`
	Curriculum CurriculumConfig `yaml:"curriculum"`
	Speech     SpeechConfig     `yaml:"speech"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel can be changed without restart. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TraceSampleRatio is the share of new traces sampled. 0 samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the backend for each external service by name.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKey may be a literal or "env:NAME" to read the environment
	// variable NAME.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// GatewayConfig tunes the LLM failover chain.
type GatewayConfig struct {
	// Models is the failover order. Empty uses the built-in list.
	Models []string `yaml:"models"`

	// WordsModel and TranslateModel are tried first for vocabulary
	// generation and translation.
	WordsModel     string `yaml:"words_model"`
	TranslateModel string `yaml:"translate_model"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-model circuit breakers.
type BreakerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend defaults to "memory".
	Backend StoreBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string. May be "env:NAME".
	DSN string `yaml:"dsn"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// ReadOnly makes the memory backend reject profile writes.
	ReadOnly bool `yaml:"read_only"`
}

// CurriculumConfig locates the topic catalog.
type CurriculumConfig struct {
	// Path of a YAML catalog. Empty uses the built-in one.
	Path string `yaml:"path"`
}

// SpeechConfig tunes the live speech channel.
type SpeechConfig struct {
	// PreferredVoice is matched against voice names first. Default
	// "Google US English".
	PreferredVoice string `yaml:"preferred_voice"`

	// Language of recognition. Default "en-US".
	Language string `yaml:"language"`

	// NoSpeechTimeout ends a silent recognition segment. Default 8s.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`

	// MeterInterval is the input level sampling cadence. Default 16ms.
	MeterInterval time.Duration `yaml:"meter_interval"`
}

// MCPConfig controls the MCP tool endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is where the endpoint is mounted. Default "/mcp".
	Path string `yaml:"path"`
}
