package observe

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)
	return m, reader, exp
}

// testMux mirrors the shape of the companion API.
func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/history", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.Emit()
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := serve(h, http.MethodGet, "/v1/profile")
	if len(seen) != 32 {
		t.Fatalf("correlation ID = %q", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/profile", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("incoming trace not continued: %q", seen)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("traceparent not echoed: %q", rec.Header().Get("traceparent"))
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	m, _, exp := testSetup(t)
	h := Middleware(m)(testMux())

	serve(h, http.MethodGet, "/v1/history?limit=5")
	serve(h, http.MethodGet, "/nowhere")

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Name != "GET /v1/history" {
		t.Errorf("matched span name = %q", spans[0].Name)
	}
	if spans[1].Name != "HTTP GET" {
		t.Errorf("unmatched span name = %q", spans[1].Name)
	}
	var status int64
	for _, a := range spans[1].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := Middleware(m)(testMux())

	serve(h, http.MethodGet, "/v1/history?limit=1")
	serve(h, http.MethodGet, "/v1/history?limit=2")
	serve(h, http.MethodPost, "/v1/chat")
	serve(h, http.MethodGet, "/random/path/123")

	met := findMetric(collect(t, reader), "tastemate.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		key := attr(dp.Attributes, "method") + " " + attr(dp.Attributes, "route") + " " + attr(dp.Attributes, "status")
		counts[key] = dp.Count
	}
	want := map[string]uint64{
		"GET GET /v1/history 200": 2,
		"POST POST /v1/chat 502":  1,
		"GET unmatched 404":       1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%s] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := Middleware(m)(testMux())
	serve(h, http.MethodGet, "/healthz")
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}

	serve(h, http.MethodPost, "/v1/chat")
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=502") {
		t.Errorf("5xx log line = %s", out)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, statusCode: http.StatusOK}
	if got := rec.Unwrap(); got != inner {
		t.Errorf("Unwrap() = %v, want the wrapped writer", got)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack on a recorder should fail")
	}
	if rec.statusCode != http.StatusOK {
		t.Errorf("status changed to %d on failed hijack", rec.statusCode)
	}
}
