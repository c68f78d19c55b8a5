package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.Sweeps.Inc()
	m.Claims.WithLabelValues("claimed").Add(2)
	m.ObserveDispatch("partial", time.Now())

	if got := testutil.ToFloat64(m.Claims.WithLabelValues("claimed")); got != 2 {
		t.Fatalf("claims = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"herald_sweeps_total 1", `herald_dispatches_total{outcome="partial"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	t.Parallel()
	// two instances must not collide on registration
	a, b := New(), New()
	if a.Registry() == b.Registry() {
		t.Fatal("registries are shared")
	}
}
