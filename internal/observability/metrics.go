package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names recorded by the engine.
const (
	MetricTasks           = "dealgate_tasks_total"
	MetricRetries         = "dealgate_validation_retries_total"
	MetricWaves           = "dealgate_waves_total"
	MetricRunsSealed      = "dealgate_runs_sealed_total"
	MetricLockContention  = "dealgate_lock_contention_total"
	MetricEvidence        = "dealgate_evidence_added_total"
	MetricActiveRuns      = "dealgate_active_runs"
	MetricTaskLatencyMS   = "dealgate_task_latency_ms_sum"
	MetricCollabFailures  = "dealgate_collaborator_failures_total"
	MetricWebhookFailures = "dealgate_webhook_failures_total"
)

type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []Point `json:"counters"`
	Gauges   []Point `json:"gauges"`
}

// Registry is an in-process store of counters and gauges keyed by name and
// label set.
type Registry struct {
	mu       sync.Mutex
	counters map[string]Point
	gauges   map[string]Point
}

func NewRegistry() *Registry {
	return &Registry{counters: map[string]Point{}, gauges: map[string]Point{}}
}

// Add increments a counter. A nil registry ignores the call.
func (r *Registry) Add(name string, labels map[string]string, delta float64) {
	if r == nil || delta == 0 {
		return
	}
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.counters[k]
	if !ok {
		p = Point{Name: name, Labels: clone(labels)}
	}
	p.Value += delta
	r.counters[k] = p
}

func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, labels, 1)
}

// Gauge sets the current value of a gauge.
func (r *Registry) Gauge(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = Point{Name: name, Labels: clone(labels), Value: value}
}

// AddGauge moves a gauge by delta.
func (r *Registry) AddGauge(name string, labels map[string]string, delta float64) {
	if r == nil {
		return
	}
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.gauges[k]
	if !ok {
		p = Point{Name: name, Labels: clone(labels)}
	}
	p.Value += delta
	r.gauges[k] = p
}

// Value returns the counter or gauge value for name and labels.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	if r == nil {
		return 0
	}
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.counters[k]; ok {
		return p.Value
	}
	return r.gauges[k].Value
}

func (r *Registry) Snapshot() Snapshot {
	out := Snapshot{Counters: []Point{}, Gauges: []Point{}}
	if r == nil {
		return out
	}
	r.mu.Lock()
	for _, p := range r.counters {
		out.Counters = append(out.Counters, Point{Name: p.Name, Labels: clone(p.Labels), Value: p.Value})
	}
	for _, p := range r.gauges {
		out.Gauges = append(out.Gauges, Point{Name: p.Name, Labels: clone(p.Labels), Value: p.Value})
	}
	r.mu.Unlock()
	less := func(ps []Point) func(i, j int) bool {
		return func(i, j int) bool {
			if ps[i].Name != ps[j].Name {
				return ps[i].Name < ps[j].Name
			}
			return key("", ps[i].Labels) < key("", ps[j].Labels)
		}
	}
	sort.Slice(out.Counters, less(out.Counters))
	sort.Slice(out.Gauges, less(out.Gauges))
	return out
}

// Prometheus renders the snapshot in the text exposition format.
func (r *Registry) Prometheus() string {
	s := r.Snapshot()
	var b strings.Builder
	for _, p := range append(s.Counters, s.Gauges...) {
		b.WriteString(p.Name)
		if len(p.Labels) > 0 {
			names := make([]string, 0, len(p.Labels))
			for k := range p.Labels {
				names = append(names, k)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, k := range names {
				parts = append(parts, fmt.Sprintf("%s=%q", k, p.Labels[k]))
			}
			b.WriteString("{" + strings.Join(parts, ",") + "}")
		}
		b.WriteString(" " + strconv.FormatFloat(p.Value, 'f', -1, 64) + "\n")
	}
	return b.String()
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func clone(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
