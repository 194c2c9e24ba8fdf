package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/ivrec/internal/app"
	"github.com/MrWong99/ivrec/internal/config"
	"github.com/MrWong99/ivrec/internal/controller"
	"github.com/MrWong99/ivrec/internal/debounce"
	"github.com/MrWong99/ivrec/internal/httpapi"
	"github.com/MrWong99/ivrec/internal/observe"
	"github.com/MrWong99/ivrec/pkg/media"
	"github.com/MrWong99/ivrec/pkg/media/mock"
)

const matchPayload = `{"classes":[{"Class":17,"Probability":0.93}]}`

// testConfig returns a valid config recording into a temporary directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			Engine:         "mock",
			CameraDevice:   "/dev/video0",
			ModelLocation:  "model.tflite",
			LabelsLocation: "labels.txt",
		},
		Recording: config.RecordingConfig{
			Directory:          t.TempDir(),
			GracePeriodSeconds: 30,
		},
		WatchList: config.WatchListConfig{ClassIDs: []int{17}, MinProbabilities: []float64{0.8}},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, eng *mock.Engine, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithEngine(eng), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

// start runs a in the background and returns a cancel func and the channel
// receiving Run's result.
func start(t *testing.T, a *app.App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Shutdown(shutdownCtx)
	})
	return cancel, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_RequiresEngineSource(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig(t), nil); err == nil {
		t.Fatal("New() expected error without engine or registry")
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(t), config.NewRegistry(), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrEngineNotRegistered) {
		t.Fatalf("New() error = %v, want ErrEngineNotRegistered", err)
	}
}

func TestNew_UsesRegistry(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	eng := mock.NewEngine()
	reg := config.NewRegistry()
	var got config.PipelineConfig
	reg.RegisterEngine("mock", func(p config.PipelineConfig) (media.Engine, error) {
		got = p
		return eng, nil
	})

	a, err := app.New(cfg, reg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got != cfg.Pipeline {
		t.Errorf("factory got %+v, want %+v", got, cfg.Pipeline)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if eng.CallCountClose != 1 {
		t.Errorf("engine Close calls = %d, want 1", eng.CallCountClose)
	}
}

func TestRun_EngineStartFails(t *testing.T) {
	t.Parallel()
	eng := mock.NewEngine()
	eng.StartError = errors.New("no such device")
	a := newApp(t, testConfig(t), eng)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error when the engine fails to start")
	}
}

func TestRun_RecordsAndDrainsOnCancel(t *testing.T) {
	t.Parallel()
	eng := mock.NewEngine()
	a := newApp(t, testConfig(t), eng)
	cancel, done := start(t, a)

	eng.EmitInference(matchPayload)
	waitFor(t, "recording", func() bool { return a.Controller().Status().Recording })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if n := eng.BranchCount(); n != 1 {
		t.Fatalf("branches = %d, want 1", n)
	}
	want := []string{"transition:playing", "eos", "await", "transition:null", "release"}
	if got := eng.Branch(0).Calls(); !slices.Equal(got, want) {
		t.Errorf("branch calls = %v, want %v", got, want)
	}
	st := a.Controller().Status()
	if st.State != debounce.Idle || st.Started != 1 || st.Stopped != 1 {
		t.Errorf("status = %+v, want idle with one started and stopped session", st)
	}
}

func TestRun_PipelineFault(t *testing.T) {
	t.Parallel()
	eng := mock.NewEngine()
	a := newApp(t, testConfig(t), eng)
	_, done := start(t, a)

	eng.EmitInference(matchPayload)
	waitFor(t, "recording", func() bool { return a.Controller().Status().Recording })

	eng.EmitFault(media.Fault{Kind: media.FaultError, Source: "display", Err: errors.New("device lost")})

	err := waitRun(t, done)
	if !errors.Is(err, controller.ErrPipelineFault) {
		t.Fatalf("Run() error = %v, want ErrPipelineFault", err)
	}
	if eos := eng.Branch(0).CallCountSendEndOfStream; eos != 1 {
		t.Errorf("end-of-stream calls = %d, want 1", eos)
	}
}

func TestRun_ShutdownStopsRun(t *testing.T) {
	t.Parallel()
	eng := mock.NewEngine()
	a := newApp(t, testConfig(t), eng)
	_, done := start(t, a)

	waitFor(t, "event loop", a.Controller().Running)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if eng.AttachCount() != 0 {
		t.Errorf("attach calls = %d, want 0", eng.AttachCount())
	}
}

func TestRun_HTTPSurface(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	eng := mock.NewEngine()
	a := newApp(t, cfg, eng, app.WithGatherer(prometheus.NewRegistry()))
	cancel, done := start(t, a)

	waitFor(t, "listener", func() bool { return a.Addr() != "" })
	waitFor(t, "event loop", a.Controller().Running)
	base := "http://" + a.Addr()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", resp.StatusCode)
	}

	eng.EmitInference(matchPayload)
	waitFor(t, "recording", func() bool { return a.Controller().Status().Recording })

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var v httpapi.StatusView
	err = json.NewDecoder(resp.Body).Decode(&v)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if v.State != "recording" || v.Session == nil || v.Session.FilePath == "" {
		t.Errorf("status = %+v", v)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	var level slog.LevelVar
	eng := mock.NewEngine()
	a := newApp(t, cfg, eng, app.WithLevelVar(&level))
	start(t, a)
	waitFor(t, "event loop", a.Controller().Running)

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Recording.GracePeriodSeconds = 2
	a.ApplyConfig(cfg, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	waitFor(t, "grace period", func() bool {
		return a.Controller().Status().GracePeriod == 2*time.Second
	})
}
