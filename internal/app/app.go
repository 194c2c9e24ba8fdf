// Package app wires the recording service together.
//
// The App struct owns the full lifecycle: New builds the media engine, the
// recording session manager, the controller and the HTTP surface; Run
// executes the processing loops; Shutdown drains the open recording and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithEngine,
// WithMetrics, WithClock). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ivrec/internal/config"
	"github.com/MrWong99/ivrec/internal/controller"
	"github.com/MrWong99/ivrec/internal/debounce"
	"github.com/MrWong99/ivrec/internal/health"
	"github.com/MrWong99/ivrec/internal/httpapi"
	"github.com/MrWong99/ivrec/internal/observe"
	"github.com/MrWong99/ivrec/internal/recorder"
	"github.com/MrWong99/ivrec/internal/resilience"
	"github.com/MrWong99/ivrec/pkg/media"
)

// readHeaderTimeout bounds request header reads on the HTTP surface.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes of the recording service.
type App struct {
	cfg *config.Config

	engine   media.Engine
	recorder *recorder.Manager
	ctrl     *controller.Controller
	server   *http.Server

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	clock    controller.Clock
	level    *slog.LevelVar

	// listener is bound by Run when the HTTP surface is enabled.
	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a media engine instead of creating one from the registry.
func WithEngine(e media.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithClock injects the controller clock.
func WithClock(c controller.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLevelVar hands the root logger's level to the app so hot-reloaded log
// levels take effect.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Media engines are looked up in reg by
// cfg.Pipeline.Engine unless one is injected with [WithEngine].
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Media engine ──────────────────────────────────────────────────
	if a.engine == nil {
		if reg == nil {
			return nil, errors.New("app: no media engine injected and no registry given")
		}
		eng, err := reg.CreateEngine(cfg.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("app: create media engine: %w", err)
		}
		a.engine = eng
	}
	a.closers = append(a.closers, a.engine.Close)

	// ── 2. Recording session manager ─────────────────────────────────────
	if err := a.initRecorder(); err != nil {
		return nil, fmt.Errorf("app: init recorder: %w", err)
	}

	// ── 3. Controller ────────────────────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initRecorder() error {
	metrics := a.metrics
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "recording-branch",
		MaxFailures:  a.cfg.Resilience.AttachMaxFailures,
		ResetTimeout: a.cfg.Resilience.AttachResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})

	rec, err := recorder.New(recorder.Config{
		Engine:             a.engine,
		Directory:          a.cfg.Recording.Directory,
		FilenameTemplate:   a.cfg.Recording.FilenameTemplate,
		Extension:          a.cfg.Recording.Extension,
		StateChangeTimeout: a.cfg.Pipeline.StateChangeTimeout,
		DrainTimeout:       a.cfg.Pipeline.DrainTimeout,
		Breaker:            breaker,
		Metrics:            metrics,
	})
	if err != nil {
		return err
	}
	a.recorder = rec
	return nil
}

func (a *App) initController() error {
	wl, err := a.cfg.WatchList.Build()
	if err != nil {
		return fmt.Errorf("build watch list: %w", err)
	}
	ctrl, err := controller.New(controller.Config{
		WatchList:   wl,
		Recorder:    a.recorder,
		GracePeriod: a.cfg.Recording.GracePeriod(),
		Clock:       a.clock,
		Metrics:     a.metrics,
		Listener:    controller.ListenerFunc(logStateChange),
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	return nil
}

func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	checks := health.New(
		health.Pipeline(a.engine.Playing),
		health.RecordingsDir(a.recorder.Directory(), config.CheckWritableDir),
		health.EventLoop(a.ctrl.Running),
	)
	a.server = &http.Server{
		Addr: a.cfg.Server.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Health:   checks,
			Status:   a.ctrl,
			Metrics:  a.metrics,
			Gatherer: a.gatherer,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// logStateChange is the recording indicator: every transition between idle,
// recording and draining is logged.
func logStateChange(from, to debounce.State, reason string) {
	slog.Info("recording state changed", "from", from, "to", to, "reason", reason)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the media engine and blocks until ctx is cancelled or a
// pipeline fault ends processing. On return the open recording, if any, has
// been drained.
//
// Run returns nil after ctx is cancelled and an error wrapping
// [controller.ErrPipelineFault] when a live pipeline failed.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start media engine: %w", err)
	}
	slog.Info("media engine playing", "engine", a.cfg.Pipeline.Engine)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ctrl.Run(gctx)
	})
	g.Go(func() error {
		a.pump(gctx)
		return nil
	})
	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			_ = a.ctrl.Shutdown(context.WithoutCancel(ctx))
			_ = g.Wait()
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		slog.Info("http surface listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-a.ctrl.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// pump forwards engine inferences and faults to the controller until the
// controller stops or the engine closes its channels.
func (a *App) pump(ctx context.Context) {
	inferences := a.engine.Inferences()
	faults := a.engine.Faults()
	for inferences != nil || faults != nil {
		select {
		case <-ctx.Done():
			return
		case <-a.ctrl.Done():
			return
		case inf, ok := <-inferences:
			if !ok {
				inferences = nil
				continue
			}
			if errors.Is(a.ctrl.OnInference(inf), controller.ErrClosed) {
				return
			}
		case f, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			if errors.Is(a.ctrl.OnFault(f), controller.ErrClosed) {
				return
			}
		}
	}
}

// Addr returns the bound HTTP address once Run is listening, or "".
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Controller returns the recording controller.
func (a *App) Controller() *controller.Controller { return a.ctrl }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of new and logs the sections
// that only take effect after a restart. It is meant as the callback of a
// [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GracePeriodChanged {
		if err := a.ctrl.SetGracePeriod(d.NewGracePeriod); err != nil {
			slog.Warn("cannot apply grace period", "grace_period", d.NewGracePeriod, "err", err)
		}
	}
	if sections := d.RestartRequired(); len(sections) > 0 {
		slog.Warn("config changes require a restart", "sections", sections)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the open recording, then runs the closers in order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Shutdown(ctx); err != nil {
			slog.Warn("controller shutdown error", "err", err)
			shutdownErr = err
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
