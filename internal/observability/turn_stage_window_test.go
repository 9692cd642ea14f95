package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe(StageChatRoundtrip, 500)
	w.Observe(StageChatRoundtrip, 700)
	w.Observe(StageChatRoundtrip, 900)
	w.ObserveIndicator("chat_retry")
	w.ObserveIndicator("chat_retry")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageChatRoundtrip {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageChatRoundtrip)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 4000 {
		t.Fatalf("TargetP95MS = %.2f, want 4000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one chat_retry with count 2", snap.Indicators)
	}
}

func TestTurnStageWindowWrapsAround(t *testing.T) {
	w := newTurnStageWindow(3)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		w.Observe(StageBatchWait, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.AvgMS != 40 {
		t.Fatalf("AvgMS = %.2f, want 40 (oldest samples evicted)", s.AvgMS)
	}
}

func TestTurnStageWindowIgnoresInvalidSamples(t *testing.T) {
	w := newTurnStageWindow(4)
	w.Observe("", 10)
	w.Observe(StageTurnTotal, -1)
	w.ObserveIndicator("   ")
	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestMetricsHandlerServesOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("companion_test", reg, reg)
	m.ChatAttempts.WithLabelValues("ok").Inc()
	m.ObserveTurnStage(StageTurnTotal, 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `companion_test_chat_attempts_total{result="ok"} 1`) {
		t.Fatalf("metrics body missing chat attempt counter:\n%s", body)
	}

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("stages = %+v, want turn_total 1500ms", snap.Stages)
	}

	// A second registry must not collide with the first.
	_ = NewMetricsWithRegistry("companion_test", prometheus.NewRegistry(), nil)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurnStage(StageTurnTotal, time.Second)
	m.ObserveTurnIndicator("x")
	m.ObserveChatLatency(time.Second)
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v, want empty", snap)
	}
}
