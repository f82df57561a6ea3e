package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordProviderRequest(context.Background(), "openai", "chat", "ok")

	srv := httptest.NewServer(tel.MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"tastemate_provider_requests", "go_goroutines", `service_name="tastemate"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// The service resource is merged with the SDK default, which fails when the
// two carry different schema URLs.
func TestSemconvMatchesSDKSchema(t *testing.T) {
	t.Parallel()

	if got, want := semconv.SchemaURL, resource.Default().SchemaURL(); got != want {
		t.Errorf("semconv schema = %s, SDK default resource schema = %s", got, want)
	}
}

func TestBuildVersion(t *testing.T) {
	if buildVersion() == "" {
		t.Error("buildVersion returned empty string")
	}
}
