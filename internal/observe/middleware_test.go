package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serveRouted sends req through Middleware on a chi router exposing the
// routes of the HTTP surface.
func serveRouted(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *sdkmetric.ManualReader, *tracetest.InMemoryExporter, string) {
	t.Helper()
	m, reader := newTestMetrics(t)
	tp, exp := newTestTracerProvider(t)
	useGlobalTracerProvider(t, tp)

	var seenCID string
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/recordings/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, reader, exp, seenCID
}

func TestMiddleware_CorrelationID(t *testing.T) {
	rec, _, _, cid := serveRouted(t, httptest.NewRequest("GET", "/status", nil))

	if cid == "" {
		t.Fatal("handler saw no correlation ID")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("traceparent header not injected into the response")
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	_, _, _, cid := serveRouted(t, req)
	if cid != traceID {
		t.Errorf("correlation ID = %q, want upstream trace %q", cid, traceID)
	}
}

func TestMiddleware_SpansAndMetrics(t *testing.T) {
	tests := []struct {
		path      string
		route     string
		status    int
		wantError bool
	}{
		{path: "/status", route: "/status", status: http.StatusOK},
		{path: "/recordings/abc-123", route: "/recordings/{id}", status: http.StatusNotFound},
		{path: "/readyz", route: "/readyz", status: http.StatusServiceUnavailable, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, reader, exp, _ := serveRouted(t, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.status {
				t.Fatalf("code = %d, want %d", rec.Code, tt.status)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "HTTP GET " + tt.route; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			if got := spans[0].Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("span error = %v, want %v", got, tt.wantError)
			}

			met := findMetric(collect(t, reader), "ivrec.http.request.duration")
			if met == nil {
				t.Fatal("ivrec.http.request.duration not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("data points = %+v, want one observation", hist.DataPoints)
			}
			path, _ := hist.DataPoints[0].Attributes.Value("path")
			if path.AsString() != tt.route {
				t.Errorf("path attribute = %q, want %q", path.AsString(), tt.route)
			}
		})
	}
}

func TestMiddleware_UnroutedRequestUsesRawPath(t *testing.T) {
	m, reader := newTestMetrics(t)
	tp, exp := newTestTracerProvider(t)
	useGlobalTracerProvider(t, tp)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/plain", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("code = %d, want 418", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || !strings.HasSuffix(spans[0].Name, "POST /plain") {
		t.Errorf("spans = %v", spans)
	}
	if findMetric(collect(t, reader), "ivrec.http.request.duration") == nil {
		t.Error("duration not recorded for unrouted request")
	}
}
