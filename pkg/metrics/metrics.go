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
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	gateState   map[string]int64
	cause       map[string]int64
	escalation  map[string]int64
	gauges      map[string]float64
	checkTotal  int64
	reviewTotal int64
	tickLatency TickLatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type TickLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	GateTotals       map[string]int64        `json:"gate_totals"`
	CauseTotals      map[string]int64        `json:"cause_totals"`
	EscalationTotals map[string]int64        `json:"escalation_totals"`
	Gauges           map[string]float64      `json:"gauges"`
	ChecksTotal      int64                   `json:"checks_total"`
	ReviewsTotal     int64                   `json:"reviews_total"`
	TickLatencyMS    TickLatencyStat         `json:"tick_latency_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		gateState:  map[string]int64{},
		cause:      map[string]int64{},
		escalation: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
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

// IncGateState counts one transition into the given gate state.
func (r *Registry) IncGateState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.gateState[state]++
	r.mu.Unlock()
}

// IncCause counts one transition by its cause code.
func (r *Registry) IncCause(cause string) {
	cause = strings.TrimSpace(strings.ToUpper(cause))
	if cause == "" {
		return
	}
	r.mu.Lock()
	r.cause[cause]++
	r.mu.Unlock()
}

// IncEscalation counts one fired deadline, split by tier escalations and
// forced resolutions.
func (r *Registry) IncEscalation(forced bool) {
	key := "tier"
	if forced {
		key = "forced"
	}
	r.mu.Lock()
	r.escalation[key]++
	r.mu.Unlock()
}

func (r *Registry) IncCheck() {
	r.mu.Lock()
	r.checkTotal++
	r.mu.Unlock()
}

func (r *Registry) IncReview() {
	r.mu.Lock()
	r.reviewTotal++
	r.mu.Unlock()
}

// ObserveTick records the duration of one scheduler sweep.
func (r *Registry) ObserveTick(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLatency.Count++
	r.tickLatency.TotalMS += ms
	r.tickLatency.LastMS = ms
	if ms > r.tickLatency.MaxMS {
		r.tickLatency.MaxMS = ms
	}
	r.tickLatency.AvgMS = float64(r.tickLatency.TotalMS) / float64(r.tickLatency.Count)
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
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		GateTotals:       make(map[string]int64, len(r.gateState)),
		CauseTotals:      make(map[string]int64, len(r.cause)),
		EscalationTotals: make(map[string]int64, len(r.escalation)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		ChecksTotal:      r.checkTotal,
		ReviewsTotal:     r.reviewTotal,
		TickLatencyMS:    r.tickLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gateState {
		out.GateTotals[k] = v
	}
	for k, v := range r.cause {
		out.CauseTotals[k] = v
	}
	for k, v := range r.escalation {
		out.EscalationTotals[k] = v
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
		b.WriteString("# HELP gatekeeper_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gatekeeper_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP gatekeeper_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gatekeeper_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP gatekeeper_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gatekeeper_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gatekeeper_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP gatekeeper_gate_total gate transitions by resulting state\n")
		b.WriteString("# TYPE gatekeeper_gate_total counter\n")
		for _, state := range SortedKeys(snap.GateTotals) {
			fmt.Fprintf(b, "gatekeeper_gate_total{state=%q} %d\n", state, snap.GateTotals[state])
		}
		b.WriteString("# HELP gatekeeper_cause_total gate transitions by cause\n")
		b.WriteString("# TYPE gatekeeper_cause_total counter\n")
		for _, cause := range SortedKeys(snap.CauseTotals) {
			fmt.Fprintf(b, "gatekeeper_cause_total{cause=%q} %d\n", cause, snap.CauseTotals[cause])
		}
		b.WriteString("# HELP gatekeeper_escalation_total fired deadlines by outcome\n")
		b.WriteString("# TYPE gatekeeper_escalation_total counter\n")
		for _, kind := range SortedKeys(snap.EscalationTotals) {
			fmt.Fprintf(b, "gatekeeper_escalation_total{outcome=%q} %d\n", kind, snap.EscalationTotals[kind])
		}
		b.WriteString("# HELP gatekeeper_checks_total automated check results applied\n")
		b.WriteString("# TYPE gatekeeper_checks_total counter\n")
		fmt.Fprintf(b, "gatekeeper_checks_total %d\n", snap.ChecksTotal)
		b.WriteString("# HELP gatekeeper_reviews_total manual reviews applied\n")
		b.WriteString("# TYPE gatekeeper_reviews_total counter\n")
		fmt.Fprintf(b, "gatekeeper_reviews_total %d\n", snap.ReviewsTotal)
		b.WriteString("# HELP gatekeeper_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gatekeeper_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gatekeeper_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP gatekeeper_tick_latency_ms scheduler sweep latency in ms\n")
		b.WriteString("# TYPE gatekeeper_tick_latency_ms gauge\n")
		fmt.Fprintf(b, "gatekeeper_tick_latency_ms{stat=%q} %d\n", "last", snap.TickLatencyMS.LastMS)
		fmt.Fprintf(b, "gatekeeper_tick_latency_ms{stat=%q} %.3f\n", "avg", snap.TickLatencyMS.AvgMS)
		fmt.Fprintf(b, "gatekeeper_tick_latency_ms{stat=%q} %d\n", "max", snap.TickLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP gatekeeper_latency_seconds latency histogram\n")
			b.WriteString("# TYPE gatekeeper_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gatekeeper_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gatekeeper_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gatekeeper_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "gatekeeper_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gatekeeper_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "gatekeeper_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "gatekeeper_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
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
