package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// adminStub routes like the admin API: one static route and one with a
// guild wildcard.
func adminStub(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/guilds/{guild}/pause", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := adminStub(t)

	rec := serve(h, http.MethodPost, "/v1/guilds/123/pause", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if want := "HTTP POST /v1/guilds/{guild}/pause"; s.Name != want {
		t.Errorf("span name = %q, want %q", s.Name, want)
	}
	attrs := map[string]string{}
	for _, kv := range s.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["guild_id"] != "123" {
		t.Errorf("guild_id = %q, want 123", attrs["guild_id"])
	}
	if attrs["http.response.status_code"] != "204" {
		t.Errorf("status attribute = %q, want 204", attrs["http.response.status_code"])
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, reader, _ := adminStub(t)

	serve(h, http.MethodPost, "/v1/guilds/1/pause", nil)
	serve(h, http.MethodPost, "/v1/guilds/2/pause", nil)
	serve(h, http.MethodGet, "/nope", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["/v1/guilds/{guild}/pause"] != 2 {
		t.Errorf("pause samples = %d, want 2 under one route", counts["/v1/guilds/{guild}/pause"])
	}
	if counts["unmatched"] != 1 {
		t.Errorf("unmatched samples = %d, want 1", counts["unmatched"])
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := adminStub(t)

	fresh := serve(h, http.MethodGet, "/healthz", nil)
	if got := fresh.Header().Get("X-Correlation-ID"); len(got) != 32 {
		t.Errorf("generated correlation id = %q, want 32 hex chars", got)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	continued := serve(h, http.MethodGet, "/healthz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	if got := continued.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("correlation id = %q, want incoming trace %q", got, traceID)
	}
}

func TestRouteOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern string
		want    string
	}{
		{"", "unmatched"},
		{"GET /metrics", "/metrics"},
		{"DELETE /v1/guilds/{guild}", "/v1/guilds/{guild}"},
		{"/legacy", "/legacy"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Pattern = tt.pattern
		if got := routeOf(r); got != tt.want {
			t.Errorf("routeOf(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
