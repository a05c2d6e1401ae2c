package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"labmapa/internal/mapa"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("save", "", 20*time.Millisecond)
	m.ObserveCall("save", mapa.KindTransport, time.Second)
	m.ObserveCall("save", mapa.KindTransport, time.Second)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("save", "ok")); got != 1 {
		t.Fatalf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("save", "Transport")); got != 2 {
		t.Fatalf("transport calls = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.callDuration); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
}

func TestObserveRows(t *testing.T) {
	m := New()
	m.ObserveRows("vistar", []mapa.RowResult{
		{IDResultado: 1, Success: true},
		{IDResultado: 2, Erro: mapa.KindFrozen, Motivo: mapa.ReasonAlreadySigned},
		{IDResultado: 3},
	})
	if got := testutil.ToFloat64(m.rows.WithLabelValues("vistar", "ok")); got != 1 {
		t.Fatalf("ok rows = %v", got)
	}
	if got := testutil.ToFloat64(m.rows.WithLabelValues("vistar", "Frozen")); got != 1 {
		t.Fatalf("frozen rows = %v", got)
	}
	if got := testutil.ToFloat64(m.rows.WithLabelValues("vistar", "ValidationFailed")); got != 1 {
		t.Fatalf("unlabelled failures = %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveCall("load", "", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mapa_calls_total{op="load",outcome="ok"} 1`) {
		t.Fatalf("missing counter in output:\n%s", rec.Body.String())
	}
}
