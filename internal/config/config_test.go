package config_test

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ivrec/internal/config"
	"github.com/MrWong99/ivrec/pkg/detection"
	"github.com/MrWong99/ivrec/pkg/media"
	"github.com/MrWong99/ivrec/pkg/media/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// sampleYAML returns a complete config whose recording directory is dir.
func sampleYAML(dir string) string {
	return fmt.Sprintf(`
server:
  listen_addr: ":8080"
  log_level: info

pipeline:
  engine: gstreamer
  camera_device: /dev/video0
  model_location: ./mobilenet_ssd_v2_coco_quant_postprocess_edgetpu.tflite
  labels_location: ./coco_labels.txt
  arch: mobilenetv2ssd
  backend: coral
  videosink: glimagesink
  width: 1280
  height: 720
  state_change_timeout: 2s
  drain_timeout: 8s

recording:
  directory: %q
  filename_template: "cam_2006-01-02T15-04-05.000"
  extension: .mkv
  grace_period_seconds: 2.5

watch_list:
  class_ids: [15, 17]
  min_probabilities: [0.8, 0.6]

resilience:
  attach_max_failures: 3
  attach_reset_timeout: 1m
`, dir)
}

// minimalYAML returns the smallest valid config for dir.
func minimalYAML(dir string) string {
	return fmt.Sprintf(`
pipeline:
  camera_device: /dev/video0
  model_location: model.tflite
  labels_location: labels.txt
recording:
  directory: %q
watch_list:
  class_ids: [1]
  min_probabilities: [0.5]
`, dir)
}

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := mustLoad(t, sampleYAML(dir))

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	p := cfg.Pipeline
	if p.CameraDevice != "/dev/video0" || p.Arch != "mobilenetv2ssd" || p.VideoSink != "glimagesink" {
		t.Errorf("pipeline = %+v", p)
	}
	if p.Width != 1280 || p.Height != 720 {
		t.Errorf("size = %dx%d, want 1280x720", p.Width, p.Height)
	}
	if p.StateChangeTimeout != 2*time.Second || p.DrainTimeout != 8*time.Second {
		t.Errorf("timeouts = %s/%s, want 2s/8s", p.StateChangeTimeout, p.DrainTimeout)
	}
	if cfg.Recording.Directory != dir || cfg.Recording.Extension != ".mkv" {
		t.Errorf("recording = %+v", cfg.Recording)
	}
	if got := cfg.Recording.GracePeriod(); got != 2500*time.Millisecond {
		t.Errorf("GracePeriod() = %s, want 2.5s", got)
	}
	if cfg.Resilience.AttachMaxFailures != 3 || cfg.Resilience.AttachResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML(t.TempDir()))

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"engine", cfg.Pipeline.Engine, config.DefaultEngine},
		{"backend", cfg.Pipeline.Backend, config.DefaultBackend},
		{"videosink", cfg.Pipeline.VideoSink, config.DefaultVideoSink},
		{"state_change_timeout", cfg.Pipeline.StateChangeTimeout, time.Second},
		{"drain_timeout", cfg.Pipeline.DrainTimeout, 5 * time.Second},
		{"filename_template", cfg.Recording.FilenameTemplate, config.DefaultFilenameTemplate},
		{"extension", cfg.Recording.Extension, ".mp4"},
		{"grace_period", cfg.Recording.GracePeriod(), time.Duration(0)},
		{"attach_max_failures", cfg.Resilience.AttachMaxFailures, 5},
		{"attach_reset_timeout", cfg.Resilience.AttachResetTimeout, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML(t.TempDir()) + "\nbogus_section:\n  key: value\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/ivrec.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatchListConfig_Build(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML(t.TempDir()))

	wl, err := cfg.WatchList.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if wl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", wl.Len())
	}
	if p, ok := wl.Threshold(detection.ClassID(17)); !ok || p != 0.6 {
		t.Errorf("Threshold(17) = %v, %v; want 0.6, true", p, ok)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	eng := mock.NewEngine()
	var got config.PipelineConfig
	reg.RegisterEngine("mock", func(p config.PipelineConfig) (media.Engine, error) {
		got = p
		return eng, nil
	})
	reg.RegisterEngine("gstreamer", func(config.PipelineConfig) (media.Engine, error) {
		return nil, errors.New("unused")
	})

	e, err := reg.CreateEngine(config.PipelineConfig{Engine: "mock", CameraDevice: "/dev/video2"})
	if err != nil {
		t.Fatalf("CreateEngine() error: %v", err)
	}
	if e != eng {
		t.Error("CreateEngine() returned a different engine")
	}
	if got.CameraDevice != "/dev/video2" {
		t.Errorf("factory got camera %q, want /dev/video2", got.CameraDevice)
	}

	_, err = reg.CreateEngine(config.PipelineConfig{Engine: "v4l2"})
	if !errors.Is(err, config.ErrEngineNotRegistered) {
		t.Errorf("CreateEngine(v4l2) error = %v, want ErrEngineNotRegistered", err)
	}

	names := reg.Engines()
	if len(names) != 2 || names[0] != "gstreamer" || names[1] != "mock" {
		t.Errorf("Engines() = %v, want [gstreamer mock]", names)
	}
}
