package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that can
// be hot-reloaded are tracked individually; everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultsChanged is true when the device defaults block changed.
	// Existing device files are unaffected; only new devices pick it up.
	DefaultsChanged bool

	// MediaChanged is true when the media playback settings changed.
	MediaChanged bool

	// RestartRequired is true when a change was detected that cannot be
	// applied at runtime (providers, listen address, TLS, store DSN).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !deviceConfigEqual(old.Devices.Defaults, new.Devices.Defaults) {
		d.DefaultsChanged = true
	}
	if old.Media != new.Media {
		d.MediaChanged = true
	}

	// ProviderEntry carries a free-form options map, so a deep comparison
	// is needed here.
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = true
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.WebsocketPath != new.Server.WebsocketPath ||
		old.Server.AuthToken != new.Server.AuthToken ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Devices.Dir != new.Devices.Dir ||
		old.Store.PostgresDSN != new.Store.PostgresDSN {
		d.RestartRequired = true
	}

	return d
}

func deviceConfigEqual(a, b DeviceConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Persona == b.Persona &&
		a.Volume == b.Volume &&
		slices.Equal(a.Workflows, b.Workflows)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
