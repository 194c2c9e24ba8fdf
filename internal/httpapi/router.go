// Package httpapi assembles the HTTP surface of the recording service:
// health probes, Prometheus metrics and a JSON status endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/ivrec/internal/controller"
	"github.com/MrWong99/ivrec/internal/health"
	"github.com/MrWong99/ivrec/internal/observe"
)

// StatusSource reports the controller status. *controller.Controller
// satisfies it.
type StatusSource interface {
	Status() controller.Status
}

// Config holds the collaborators served by [NewRouter].
type Config struct {
	Health  *health.Handler
	Status  StatusSource
	Metrics *observe.Metrics

	// Gatherer backs /metrics. When nil, prometheus.DefaultGatherer is used.
	Gatherer prometheus.Gatherer
}

// NewRouter returns the chi router serving /healthz, /readyz, /status and
// /metrics.
func NewRouter(cfg Config) http.Handler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(metrics))

	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	if cfg.Status != nil {
		r.Get("/status", statusHandler(cfg.Status))
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// SessionView is the JSON form of an open recording.
type SessionView struct {
	ID        string    `json:"id"`
	FilePath  string    `json:"file_path"`
	StartedAt time.Time `json:"started_at"`
}

// StatusView is the JSON body of GET /status.
type StatusView struct {
	State       string       `json:"state"`
	Recording   bool         `json:"recording"`
	Session     *SessionView `json:"session,omitempty"`
	TimerArmed  bool         `json:"grace_timer_armed"`
	GracePeriod float64      `json:"grace_period_seconds"`
	LastError   string       `json:"last_error,omitempty"`
	Started     int          `json:"sessions_started"`
	Failed      int          `json:"sessions_failed"`
	Stopped     int          `json:"sessions_stopped"`
	Running     bool         `json:"running"`
	Closed      bool         `json:"closed"`
}

func newStatusView(s controller.Status) StatusView {
	v := StatusView{
		State:       s.State.String(),
		Recording:   s.Recording,
		TimerArmed:  s.TimerArmed,
		GracePeriod: s.GracePeriod.Seconds(),
		LastError:   s.LastError,
		Started:     s.Started,
		Failed:      s.Failed,
		Stopped:     s.Stopped,
		Running:     s.Running,
		Closed:      s.Closed,
	}
	if s.Recording {
		v.Session = &SessionView{ID: s.Session.ID, FilePath: s.Session.FilePath, StartedAt: s.Session.StartedAt}
	}
	return v
}

func statusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(newStatusView(src.Status())); err != nil {
			observe.Logger(r.Context()).Warn("status: encode response", "err", err)
		}
	}
}

