package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	transitions   map[string]int64
	rejections    map[string]int64
	signals       map[string]int64
	anchors       map[string]int64
	gauges        map[string]float64
	revocations   int64
	verifyLatency VerifyLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Transitions     map[string]int64        `json:"transitions"`
	Rejections      map[string]int64        `json:"rejections"`
	Signals         map[string]int64        `json:"signals"`
	Anchors         map[string]int64        `json:"anchors"`
	Gauges          map[string]float64      `json:"gauges"`
	Revocations     int64                   `json:"revocations_total"`
	VerifyLatencyMS VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		transitions: map[string]int64{},
		rejections:  map[string]int64{},
		signals:     map[string]int64{},
		anchors:     map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncTransition counts a committed level transition by the target level
// label (confirmed, verified, ...).
func (r *Registry) IncTransition(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	r.mu.Lock()
	r.transitions[label]++
	r.mu.Unlock()
}

// IncRejection counts a failed verification attempt by target label.
func (r *Registry) IncRejection(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	r.mu.Lock()
	r.rejections[label]++
	r.mu.Unlock()
}

// IncSignal counts a sybil signal by its type.
func (r *Registry) IncSignal(signalType string) {
	signalType = strings.TrimSpace(signalType)
	if signalType == "" {
		return
	}
	r.mu.Lock()
	r.signals[signalType]++
	r.mu.Unlock()
}

// IncAnchor counts anchor dispatch outcomes: sent, failed, retried,
// exhausted.
func (r *Registry) IncAnchor(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.anchors[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncRevocation() {
	r.mu.Lock()
	r.revocations++
	r.mu.Unlock()
}

// ObserveVerifyLatency tracks the foreground time spent in a verification
// call, whatever its protocol.
func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Transitions: make(map[string]int64, len(r.transitions)),
		Rejections:  make(map[string]int64, len(r.rejections)),
		Signals:     make(map[string]int64, len(r.signals)),
		Anchors:     make(map[string]int64, len(r.anchors)),
		Gauges:      make(map[string]float64, len(r.gauges)),
		Revocations: r.revocations,
		VerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.transitions {
		out.Transitions[k] = v
	}
	for k, v := range r.rejections {
		out.Rejections[k] = v
	}
	for k, v := range r.signals {
		out.Signals[k] = v
	}
	for k, v := range r.anchors {
		out.Anchors[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP moltverify_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE moltverify_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moltverify_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP moltverify_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE moltverify_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moltverify_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP moltverify_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE moltverify_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moltverify_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP moltverify_transition_total committed level transitions by target label\n")
		b.WriteString("# TYPE moltverify_transition_total counter\n")
		for _, label := range SortedKeys(snap.Transitions) {
			fmt.Fprintf(b, "moltverify_transition_total{label=%q} %d\n", label, snap.Transitions[label])
		}
		b.WriteString("# HELP moltverify_rejection_total failed verification attempts by target label\n")
		b.WriteString("# TYPE moltverify_rejection_total counter\n")
		for _, label := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "moltverify_rejection_total{label=%q} %d\n", label, snap.Rejections[label])
		}
		b.WriteString("# HELP moltverify_signal_total sybil signals emitted by type\n")
		b.WriteString("# TYPE moltverify_signal_total counter\n")
		for _, signalType := range SortedKeys(snap.Signals) {
			fmt.Fprintf(b, "moltverify_signal_total{type=%q} %d\n", signalType, snap.Signals[signalType])
		}
		b.WriteString("# HELP moltverify_anchor_total anchor dispatch outcomes\n")
		b.WriteString("# TYPE moltverify_anchor_total counter\n")
		for _, outcome := range SortedKeys(snap.Anchors) {
			fmt.Fprintf(b, "moltverify_anchor_total{outcome=%q} %d\n", outcome, snap.Anchors[outcome])
		}
		b.WriteString("# HELP moltverify_revocation_total agents revoked\n")
		b.WriteString("# TYPE moltverify_revocation_total counter\n")
		fmt.Fprintf(b, "moltverify_revocation_total %d\n", snap.Revocations)
		b.WriteString("# HELP moltverify_gauge operational gauge metrics\n")
		b.WriteString("# TYPE moltverify_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "moltverify_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP moltverify_verify_latency_ms verification call latency in ms\n")
		b.WriteString("# TYPE moltverify_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "moltverify_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "moltverify_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "moltverify_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP moltverify_latency_seconds latency histogram\n")
			b.WriteString("# TYPE moltverify_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "moltverify_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "moltverify_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "moltverify_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "moltverify_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "moltverify_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "moltverify_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "moltverify_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
