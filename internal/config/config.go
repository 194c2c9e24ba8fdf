// Package config provides the configuration schema, loader, hot-reload
// watcher and media engine registry for the ivrec recording service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/ivrec/pkg/detection"
)

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

// Level converts l to an [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultEngine             = "gstreamer"
	DefaultStateChangeTimeout = time.Second
	DefaultDrainTimeout       = 5 * time.Second
	DefaultDirectory          = "."
	DefaultFilenameTemplate   = "intelligent_recording_02-01-2006_15_04_05.000"
	DefaultExtension          = ".mp4"
	DefaultVideoSink          = "autovideosink"
	DefaultBackend            = "coral"
	DefaultAttachMaxFailures  = 5
	DefaultAttachResetTimeout = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Recording  RecordingConfig  `yaml:"recording"`
	WatchList  WatchListConfig  `yaml:"watch_list"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health/metrics/status server
	// (e.g. ":8080"). Empty disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// PipelineConfig describes the live media pipeline.
type PipelineConfig struct {
	// Engine is the registry name of the media engine backend.
	Engine string `yaml:"engine"`

	// CameraDevice is the V4L2 device the inference pipeline captures from.
	CameraDevice string `yaml:"camera_device"`

	// ModelLocation is the path of the inference model file.
	ModelLocation string `yaml:"model_location"`

	// LabelsLocation is the path of the label file ("<id>  <label>" per line).
	LabelsLocation string `yaml:"labels_location"`

	// Arch is the inference element architecture (e.g. "mobilenetv2").
	Arch string `yaml:"arch"`

	// Backend is the inference backend (e.g. "coral", "tflite").
	Backend string `yaml:"backend"`

	// VideoSink is the display sink element.
	VideoSink string `yaml:"videosink"`

	// Width and Height set the inference caps. Zero keeps the engine default.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// StateChangeTimeout bounds waits for pipeline state changes.
	StateChangeTimeout time.Duration `yaml:"state_change_timeout"`

	// DrainTimeout bounds the wait for a recording's end-of-stream
	// acknowledgement.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// InferenceBuffer is the capacity of the engine's inference channel.
	// Zero keeps the engine default.
	InferenceBuffer int `yaml:"inference_buffer"`
}

// RecordingConfig controls where and how recordings are written.
type RecordingConfig struct {
	// Directory receives the recording files. It must exist and be writable.
	Directory string `yaml:"directory"`

	// FilenameTemplate is a Go time layout applied to the session start time.
	FilenameTemplate string `yaml:"filename_template"`

	// Extension is appended to every file name.
	Extension string `yaml:"extension"`

	// GracePeriodSeconds is how long detection may be lost before a
	// recording stops. Hot-reloadable.
	GracePeriodSeconds float64 `yaml:"grace_period_seconds"`
}

// GracePeriod returns GracePeriodSeconds as a duration.
func (r RecordingConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSeconds * float64(time.Second))
}

// WatchListConfig lists the watched classes as two parallel lists.
type WatchListConfig struct {
	ClassIDs         []int     `yaml:"class_ids"`
	MinProbabilities []float64 `yaml:"min_probabilities"`
}

// Build converts the parallel lists into a [detection.WatchList].
func (w WatchListConfig) Build() (detection.WatchList, error) {
	classes := make([]detection.ClassID, len(w.ClassIDs))
	for i, id := range w.ClassIDs {
		classes[i] = detection.ClassID(id)
	}
	return detection.WatchListFromLists(classes, w.MinProbabilities)
}

// ResilienceConfig tunes the circuit breaker guarding recording-branch
// attachment.
type ResilienceConfig struct {
	// AttachMaxFailures is the number of consecutive failed starts that open
	// the breaker.
	AttachMaxFailures int `yaml:"attach_max_failures"`

	// AttachResetTimeout is how long the breaker stays open.
	AttachResetTimeout time.Duration `yaml:"attach_reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	p := &cfg.Pipeline
	if p.Engine == "" {
		p.Engine = DefaultEngine
	}
	if p.Backend == "" {
		p.Backend = DefaultBackend
	}
	if p.VideoSink == "" {
		p.VideoSink = DefaultVideoSink
	}
	if p.StateChangeTimeout == 0 {
		p.StateChangeTimeout = DefaultStateChangeTimeout
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	r := &cfg.Recording
	if r.Directory == "" {
		r.Directory = DefaultDirectory
	}
	if r.FilenameTemplate == "" {
		r.FilenameTemplate = DefaultFilenameTemplate
	}
	if r.Extension == "" {
		r.Extension = DefaultExtension
	}
	if cfg.Resilience.AttachMaxFailures == 0 {
		cfg.Resilience.AttachMaxFailures = DefaultAttachMaxFailures
	}
	if cfg.Resilience.AttachResetTimeout == 0 {
		cfg.Resilience.AttachResetTimeout = DefaultAttachResetTimeout
	}
}
