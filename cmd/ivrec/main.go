// Command ivrec records the camera stream while watched objects are in view.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/ivrec/internal/app"
	"github.com/MrWong99/ivrec/internal/config"
	"github.com/MrWong99/ivrec/internal/observe"
	"github.com/MrWong99/ivrec/pkg/detection"
	"github.com/MrWong99/ivrec/pkg/media"
	"github.com/MrWong99/ivrec/pkg/media/graph"
	"github.com/MrWong99/ivrec/pkg/media/gstreamer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and grace period when the config file changes")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "upper bound for draining the open recording on exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ivrec: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ivrec: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("ivrec starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Media engine registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.RegisterEngine("gstreamer", newGStreamerEngine)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithGatherer(promReg),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("recorder ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newGStreamerEngine builds the GStreamer media engine from the pipeline
// settings.
func newGStreamerEngine(p config.PipelineConfig) (media.Engine, error) {
	labels, err := detection.LoadLabels(p.LabelsLocation)
	if err != nil {
		return nil, err
	}
	return gstreamer.New(graph.Live{
		CameraDevice:  p.CameraDevice,
		Arch:          p.Arch,
		Backend:       p.Backend,
		ModelLocation: p.ModelLocation,
		Labels:        detection.FormatLabels(labels),
		VideoSink:     p.VideoSink,
		Width:         p.Width,
		Height:        p.Height,
	},
		gstreamer.WithStateChangeTimeout(p.StateChangeTimeout),
		gstreamer.WithInferenceBuffer(p.InferenceBuffer),
	)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          ivrec — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Pipeline.Engine)
	printRow("Camera", cfg.Pipeline.CameraDevice)
	printRow("Model", cfg.Pipeline.ModelLocation)
	printRow("Recordings", cfg.Recording.Directory)
	printRow("Grace period", cfg.Recording.GracePeriod().String())
	printRow("Watched", fmt.Sprintf("%d classes", len(cfg.WatchList.ClassIDs)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = "…" + string(r[len(r)-18:])
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
