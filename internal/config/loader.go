package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultPreferredVoice  = "Google US English"
	DefaultLanguage        = "en-US"
	DefaultNoSpeechTimeout = 8 * time.Second
	DefaultMeterInterval   = 16 * time.Millisecond
	DefaultMCPPath         = "/mcp"
)

// ValidProviderNames lists the built-in provider names per kind. Unknown
// names only produce a warning so third-party factories can be registered.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "groq", "anthropic", "gemini", "mistral", "deepseek", "ollama", "llamacpp", "mock"},
	"stt": {"whisper", "deepgram", "mock"},
	"tts": {"elevenlabs", "coqui", "mock"},
	"vad": {"energy"},
}

// keylessLLM are LLM providers that run without an API key.
var keylessLLM = []string{"ollama", "llamacpp", "mock"}

// MissingLLMKey reports whether e names an LLM provider that needs an API key
// but has none after env: resolution.
func MissingLLMKey(e ProviderEntry) bool {
	return e.Name != "" && e.APIKey == "" && !slices.Contains(keylessLLM, e.Name)
}

// Load reads and validates the YAML file at path.
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

// LoadFromReader decodes YAML from r, resolves env: references, applies
// defaults and validates. Unknown keys are rejected. An empty document is a
// valid config made of defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ResolveSecrets(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveSecrets replaces "env:NAME" values of secret fields with the value of
// the environment variable NAME.
func ResolveSecrets(cfg *Config) {
	for _, e := range []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.STT, &cfg.Providers.TTS, &cfg.Providers.VAD} {
		e.APIKey = resolveEnv(e.APIKey)
	}
	cfg.Store.DSN = resolveEnv(cfg.Store.DSN)
}

func resolveEnv(v string) string {
	name, ok := strings.CutPrefix(v, "env:")
	if !ok {
		return v
	}
	return os.Getenv(name)
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Speech.PreferredVoice == "" {
		cfg.Speech.PreferredVoice = DefaultPreferredVoice
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = DefaultLanguage
	}
	if cfg.Speech.NoSpeechTimeout == 0 {
		cfg.Speech.NoSpeechTimeout = DefaultNoSpeechTimeout
	}
	if cfg.Speech.MeterInterval == 0 {
		cfg.Speech.MeterInterval = DefaultMeterInterval
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
}

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// A missing LLM credential is not fatal: replies say so instead.
	llmEntry := cfg.Providers.LLM
	switch {
	case llmEntry.Name == "":
		slog.Warn("providers.llm is not configured; replies will report a missing API key")
	case MissingLLMKey(llmEntry):
		slog.Warn("providers.llm.api_key is empty; replies will report a missing API key", "provider", llmEntry.Name)
	}

	seen := make(map[string]int, len(cfg.Gateway.Models))
	for i, m := range cfg.Gateway.Models {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("gateway.models[%d] is empty", i))
			continue
		}
		if prev, ok := seen[m]; ok {
			errs = append(errs, fmt.Errorf("gateway.models[%d] %q is a duplicate of gateway.models[%d]", i, m, prev))
		}
		seen[m] = i
	}
	if cfg.Gateway.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("gateway.breaker.max_failures must not be negative"))
	}
	if cfg.Gateway.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("gateway.breaker.reset_timeout must not be negative"))
	}

	switch {
	case !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, sqlite", cfg.Store.Backend))
	case cfg.Store.Backend == StorePostgres && cfg.Store.DSN == "":
		errs = append(errs, errors.New("store.dsn is required when backend is postgres"))
	case cfg.Store.Backend == StoreSQLite && cfg.Store.Path == "":
		errs = append(errs, errors.New("store.path is required when backend is sqlite"))
	}
	if cfg.Store.ReadOnly && cfg.Store.Backend != StoreMemory {
		slog.Warn("store.read_only only applies to the memory backend", "backend", cfg.Store.Backend)
	}

	if cfg.Speech.NoSpeechTimeout < 0 {
		errs = append(errs, errors.New("speech.no_speech_timeout must not be negative"))
	}
	if cfg.Speech.MeterInterval < 0 {
		errs = append(errs, errors.New("speech.meter_interval must not be negative"))
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Info("providers.tts is not configured; replies will not be spoken")
	}

	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName warns when name is not a built-in provider of kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; it must be registered by the caller",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString returns the string option key of opts, or "".
func OptString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// OptFloat returns the numeric option key of opts, or 0. YAML integers are
// accepted.
func OptFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// OptDuration returns the duration option key of opts, or 0. Values are
// duration strings such as "800ms".
func OptDuration(opts map[string]any, key string) time.Duration {
	s := OptString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration option", "key", key, "value", s)
		return 0
	}
	return d
}
