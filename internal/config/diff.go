package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Log level and grace period apply live; every other tracked change needs a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GracePeriodChanged bool
	NewGracePeriod     time.Duration

	// The fields below cannot be applied to a running process.
	ServerChanged     bool
	PipelineChanged   bool
	RecordingChanged  bool
	WatchListChanged  bool
	ResilienceChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Recording.GracePeriodSeconds != new.Recording.GracePeriodSeconds {
		d.GracePeriodChanged = true
		d.NewGracePeriod = new.Recording.GracePeriod()
	}

	d.ServerChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.PipelineChanged = old.Pipeline != new.Pipeline

	oldRec, newRec := old.Recording, new.Recording
	oldRec.GracePeriodSeconds, newRec.GracePeriodSeconds = 0, 0
	d.RecordingChanged = oldRec != newRec

	d.WatchListChanged = !slices.Equal(old.WatchList.ClassIDs, new.WatchList.ClassIDs) ||
		!slices.Equal(old.WatchList.MinProbabilities, new.WatchList.MinProbabilities)
	d.ResilienceChanged = old.Resilience != new.Resilience

	return d
}

// RestartRequired lists the config sections whose changes only take effect
// after a restart.
func (d ConfigDiff) RestartRequired() []string {
	var sections []string
	if d.ServerChanged {
		sections = append(sections, "server.listen_addr")
	}
	if d.PipelineChanged {
		sections = append(sections, "pipeline")
	}
	if d.RecordingChanged {
		sections = append(sections, "recording")
	}
	if d.WatchListChanged {
		sections = append(sections, "watch_list")
	}
	if d.ResilienceChanged {
		sections = append(sections, "resilience")
	}
	return sections
}
