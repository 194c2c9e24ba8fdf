package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.Engine == "" {
		errs = append(errs, errors.New("pipeline.engine is required"))
	}
	if p.CameraDevice == "" {
		errs = append(errs, errors.New("pipeline.camera_device is required"))
	}
	if p.ModelLocation == "" {
		errs = append(errs, errors.New("pipeline.model_location is required"))
	}
	if p.LabelsLocation == "" {
		errs = append(errs, errors.New("pipeline.labels_location is required"))
	}
	if p.Width < 0 || p.Height < 0 {
		errs = append(errs, fmt.Errorf("pipeline.width/height %dx%d must not be negative", p.Width, p.Height))
	}
	if p.StateChangeTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.state_change_timeout %s must not be negative", p.StateChangeTimeout))
	}
	if p.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.drain_timeout %s must not be negative", p.DrainTimeout))
	}
	if p.InferenceBuffer < 0 {
		errs = append(errs, fmt.Errorf("pipeline.inference_buffer %d must not be negative", p.InferenceBuffer))
	}

	// Recording
	rec := cfg.Recording
	if rec.GracePeriodSeconds < 0 {
		errs = append(errs, fmt.Errorf("recording.grace_period_seconds %v must not be negative", rec.GracePeriodSeconds))
	}
	if rec.Directory != "" {
		if err := CheckWritableDir(rec.Directory); err != nil {
			errs = append(errs, fmt.Errorf("recording.directory: %w", err))
		}
	}
	if rec.FilenameTemplate != "" && !hasTimeElement(rec.FilenameTemplate) {
		errs = append(errs, fmt.Errorf("recording.filename_template %q contains no time layout element", rec.FilenameTemplate))
	}
	if strings.ContainsRune(rec.FilenameTemplate, filepath.Separator) {
		errs = append(errs, fmt.Errorf("recording.filename_template %q must not contain a path separator", rec.FilenameTemplate))
	}
	if rec.Extension != "" && !strings.HasPrefix(rec.Extension, ".") {
		errs = append(errs, fmt.Errorf("recording.extension %q must start with a dot", rec.Extension))
	}

	// Watch list
	wl := cfg.WatchList
	if len(wl.ClassIDs) == 0 {
		errs = append(errs, errors.New("watch_list.class_ids must list at least one class"))
	}
	if len(wl.ClassIDs) != len(wl.MinProbabilities) {
		errs = append(errs, fmt.Errorf("watch_list: %d class_ids but %d min_probabilities", len(wl.ClassIDs), len(wl.MinProbabilities)))
	}
	seen := make(map[int]int, len(wl.ClassIDs))
	for i, id := range wl.ClassIDs {
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("watch_list.class_ids[%d] %d is a duplicate of class_ids[%d]", i, id, prev))
			continue
		}
		seen[id] = i
	}
	for i, p := range wl.MinProbabilities {
		if !(p >= 0 && p <= 1) {
			errs = append(errs, fmt.Errorf("watch_list.min_probabilities[%d] %v is out of range [0, 1]", i, p))
		}
	}

	// Resilience
	if cfg.Resilience.AttachMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.attach_max_failures %d must not be negative", cfg.Resilience.AttachMaxFailures))
	}
	if cfg.Resilience.AttachResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.attach_reset_timeout %s must not be negative", cfg.Resilience.AttachResetTimeout))
	}

	return errors.Join(errs...)
}

// CheckWritableDir reports an error unless dir is an existing directory in
// which a file can be created.
func CheckWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".ivrec-write-check-*")
	if err != nil {
		return fmt.Errorf("%q is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// hasTimeElement reports whether layout renders differently for two instants
// that differ in every calendar and clock field.
func hasTimeElement(layout string) bool {
	a := time.Date(2001, 2, 3, 4, 5, 6, 7_000_000, time.UTC)
	b := time.Date(2012, 11, 14, 15, 16, 17, 180_000_000, time.UTC)
	return a.Format(layout) != b.Format(layout)
}
