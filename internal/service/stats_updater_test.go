package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestStatsUpdaterRefreshesGauges(t *testing.T) {
	h := newHarness(t)
	p := h.createPost("stub:a")
	h.createPost("stub:b")
	h.schedule(p.ID, time.Minute)

	s := NewStatsUpdater(h.orch, h.metrics, zap.NewNop(), time.Hour)
	s.updateStats(context.Background())
	s.Stop()

	if v := testutil.ToFloat64(h.metrics.PostsByStatus.WithLabelValues("draft")); v != 1 {
		t.Fatalf("draft gauge = %v", v)
	}
	if v := testutil.ToFloat64(h.metrics.PostsByStatus.WithLabelValues("scheduled")); v != 1 {
		t.Fatalf("scheduled gauge = %v", v)
	}
	if v := testutil.ToFloat64(h.metrics.JobsPending); v != 1 {
		t.Fatalf("jobs pending = %v", v)
	}
}
