package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Instrument)
	r.HandleFunc("/api/conversions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversions/"+id, nil))
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/conversions/{id}", "404"))
	assert.Equal(t, 3.0, got)
}

func TestCircuitGauge(t *testing.T) {
	m := New()
	m.SetCircuitState("docai", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("docai")))

	m.SetCircuitState("docai", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitState.WithLabelValues("docai")))

	m.SetCircuitState("docai", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuitState.WithLabelValues("docai")))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.ObserveConversion("markitdown", "completed", 2*time.Second)
	m.ObserveAI("outline", "ok")
	m.ObserveJob("failed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for _, want := range []string{
		`mdraft_conversions_total{engine="markitdown",status="completed"} 1`,
		`mdraft_ai_requests_total{status="ok",tool="outline"} 1`,
		`mdraft_queue_jobs_total{status="failed"} 1`,
		"mdraft_conversion_duration_seconds_bucket",
	} {
		assert.True(t, strings.Contains(string(body), want), "missing %s", want)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveConversion("x", "y", time.Second)
	m.ObserveAI("x", "y")
	m.ObserveJob("x")
	m.SetCircuitState("x", gobreaker.StateClosed, gobreaker.StateOpen)

	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
