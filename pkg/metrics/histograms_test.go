package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserveAccumulates(t *testing.T) {
	h := NewHistogram("status_lookup")
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
	} {
		h.Observe(d)
	}

	snap := h.Snapshot()
	if snap.Name != "status_lookup" {
		t.Fatalf("name = %q", snap.Name)
	}
	if snap.Count != 5 {
		t.Fatalf("count = %d, want 5", snap.Count)
	}
	if snap.Sum < 1.7 || snap.Sum > 1.8 {
		t.Fatalf("sum = %f, want ~1.76", snap.Sum)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewHistogram("cumulative")
	h.Observe(3 * time.Millisecond)
	h.Observe(40 * time.Millisecond)

	snap := h.Snapshot()
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Count != 2 {
		t.Fatalf("top bucket count = %d, want 2", last.Count)
	}
	for i := 1; i < len(snap.Buckets); i++ {
		if snap.Buckets[i].Count < snap.Buckets[i-1].Count {
			t.Fatalf("bucket %d count decreased: %+v", i, snap.Buckets)
		}
	}
}

func TestHistogramPercentileUpperBound(t *testing.T) {
	h := NewHistogram("uniform")
	for i := 0; i < 100; i++ {
		h.Observe(10 * time.Millisecond)
	}
	for _, p := range []float64{0.50, 0.95, 0.99} {
		if got := h.Percentile(p); got != 0.01 {
			t.Fatalf("percentile(%v) = %f, want 0.01", p, got)
		}
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram("empty")
	if p := h.Percentile(0.50); p != 0 {
		t.Fatalf("empty p50 = %f", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 || snap.P99 != 0 {
		t.Fatalf("empty snapshot = %+v", snap)
	}
}

func TestHistogramSnapshotSplitsTail(t *testing.T) {
	h := NewHistogram("tail")
	for i := 0; i < 90; i++ {
		h.Observe(5 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}

	snap := h.Snapshot()
	if snap.P50 != 0.005 {
		t.Fatalf("p50 = %f, want 0.005", snap.P50)
	}
	if snap.P99 != 2.5 {
		t.Fatalf("p99 = %f, want 2.5", snap.P99)
	}
}

func TestHistogramRegistryGetIsStable(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.ObserveDuration("GET /v1/agents/{agent_id}", 100*time.Millisecond)
	reg.ObserveDuration("GET /v1/agents/{agent_id}", 200*time.Millisecond)
	reg.ObserveDuration("POST /v1/agents/register", 50*time.Millisecond)

	if h1, h2 := reg.Get("GET /v1/agents/{agent_id}"), reg.Get("GET /v1/agents/{agent_id}"); h1 != h2 {
		t.Fatal("Get must return the same histogram instance")
	}

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "GET /v1/agents/{agent_id}" || snaps[1].Name != "POST /v1/agents/register" {
		t.Fatalf("snapshots not ordered by name: %q, %q", snaps[0].Name, snaps[1].Name)
	}
	if snaps[0].Count != 2 || snaps[1].Count != 1 {
		t.Fatalf("counts = %d, %d", snaps[0].Count, snaps[1].Count)
	}
}

func TestRegistryObserveLatencyFeedsHistograms(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram, got %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Fatalf("histogram count = %d, want 2", snap.Histograms[0].Count)
	}
}
