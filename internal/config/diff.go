package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level, model
// chain and preferred voice are applied live; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ModelsChanged bool
	NewModels     []string

	// AuxModelsChanged covers the words and translate models.
	AuxModelsChanged bool

	PreferredVoiceChanged bool
	NewPreferredVoice     string

	// RestartRequired names the changed sections that are not reloadable.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ModelsChanged && !d.AuxModelsChanged &&
		!d.PreferredVoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Gateway.Models, new.Gateway.Models) {
		d.ModelsChanged = true
		d.NewModels = slices.Clone(new.Gateway.Models)
	}
	if old.Gateway.WordsModel != new.Gateway.WordsModel || old.Gateway.TranslateModel != new.Gateway.TranslateModel {
		d.AuxModelsChanged = true
	}
	if old.Speech.PreferredVoice != new.Speech.PreferredVoice {
		d.PreferredVoiceChanged = true
		d.NewPreferredVoice = new.Speech.PreferredVoice
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio)
	restart("providers", !reflect.DeepEqual(old.Providers, new.Providers))
	restart("gateway.breaker", old.Gateway.Breaker != new.Gateway.Breaker)
	restart("store", old.Store != new.Store)
	restart("curriculum", old.Curriculum != new.Curriculum)
	restart("speech.language", old.Speech.Language != new.Speech.Language)
	restart("mcp", old.MCP != new.MCP)
	return d
}
