// Package profiler tracks per-endpoint compute time, load-balance, and
// per-expert activation counts, with its counters also exposed to
// Prometheus for external scraping.
package profiler

import (
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// endpointStats is the mutex-guarded (samples, sum_ns, min_ns, max_ns)
// accumulator kept for one endpoint.
type endpointStats struct {
	samples        uint64
	sumNs          int64
	minNs          int64
	maxNs          int64
	transportFails uint64
}

// EndpointSnapshot is one endpoint's accumulated statistics at the
// moment Snapshot was called.
type EndpointSnapshot struct {
	Endpoint       string
	Samples        uint64
	MeanNs         float64
	MinNs          int64
	MaxNs          int64
	TransportFails uint64
}

// Snapshot is the immutable, allocation-cheap read returned by
// Profiler.Snapshot.
type Snapshot struct {
	PerEndpoint []EndpointSnapshot
	LoadBalance float64
	TopExperts  []ExpertActivation
}

// ExpertActivation pairs an expert id with its observed activation
// count, used for the top_experts ranking in a Snapshot.
type ExpertActivation struct {
	ExpertID int32
	Count    uint64
}

// Profiler is process-wide state guarded by one mutex, enabled or
// disabled via Enable/Disable. It also registers a set of Prometheus
// instruments on construction so an operator can scrape the same data
// this package's in-process Snapshot reads, without either path gating
// the other.
type Profiler struct {
	mu       sync.Mutex
	enabled  bool
	stats    map[string]*endpointStats
	order    []string // first-seen endpoint order, for stable snapshots
	activity map[int32]uint64

	latencyGauge   *prometheus.GaugeVec
	activationCtr  *prometheus.CounterVec
	loadBalanceVal prometheus.Gauge
}

// New constructs an enabled Profiler and registers its instruments with
// reg. A nil reg skips Prometheus registration entirely, useful for
// unit tests that don't want a registry side effect.
func New(reg prometheus.Registerer) *Profiler {
	p := &Profiler{
		enabled:  true,
		stats:    make(map[string]*endpointStats),
		activity: make(map[int32]uint64),
		latencyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcsplit",
			Name:      "endpoint_mean_latency_seconds",
			Help:      "Mean observed latency of dispatch requests (MUL_MAT_ID_PARTIAL, or DOWNLOAD on the gather path) per endpoint.",
		}, []string{"endpoint"}),
		activationCtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcsplit",
			Name:      "expert_activations_total",
			Help:      "Count of tokens routed to each expert id.",
		}, []string{"expert"}),
		loadBalanceVal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcsplit",
			Name:      "dispatch_load_balance",
			Help:      "1/(1+stddev/mean) over per-endpoint mean compute time; 1.0 is perfectly balanced.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.latencyGauge, p.activationCtr, p.loadBalanceVal)
	}
	return p
}

// Enable turns profiling on; Record/RecordActivation become no-ops
// while disabled.
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable turns profiling off without discarding accumulated state.
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// Record updates the (samples, sum, min, max) accumulator for endpoint,
// and increments its transport-failure counter when transportErr is
// true.
func (p *Profiler) Record(endpoint string, elapsedNs int64, transportErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	s, ok := p.stats[endpoint]
	if !ok {
		s = &endpointStats{minNs: elapsedNs, maxNs: elapsedNs}
		p.stats[endpoint] = s
		p.order = append(p.order, endpoint)
	}
	if transportErr {
		s.transportFails++
		return
	}

	s.samples++
	s.sumNs += elapsedNs
	if elapsedNs < s.minNs || s.samples == 1 {
		s.minNs = elapsedNs
	}
	if elapsedNs > s.maxNs {
		s.maxNs = elapsedNs
	}

	if s.samples > 0 {
		p.latencyGauge.WithLabelValues(endpoint).Set(float64(s.sumNs) / float64(s.samples) / 1e9)
	}
}

// RecordActivation increments the activation counter for expertID.
func (p *Profiler) RecordActivation(expertID int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	p.activity[expertID]++
	p.activationCtr.WithLabelValues(expertIDLabel(expertID)).Inc()
}

// RecordActivations increments the activation counter for every entry
// in routing, a convenience for the dispatcher which always has a
// batch of routed ids on hand.
func (p *Profiler) RecordActivations(routing []int32) {
	for _, id := range routing {
		p.RecordActivation(id)
	}
}

// Snapshot returns the current per-endpoint statistics, the load
// balance score, and the top-activated experts. It never blocks on I/O
// and is safe to call from any goroutine.
func (p *Profiler) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := make([]EndpointSnapshot, 0, len(p.order))
	means := make([]float64, 0, len(p.order))
	for _, ep := range p.order {
		s := p.stats[ep]
		mean := 0.0
		if s.samples > 0 {
			mean = float64(s.sumNs) / float64(s.samples)
		}
		per = append(per, EndpointSnapshot{
			Endpoint:       ep,
			Samples:        s.samples,
			MeanNs:         mean,
			MinNs:          s.minNs,
			MaxNs:          s.maxNs,
			TransportFails: s.transportFails,
		})
		if s.samples > 0 {
			means = append(means, mean)
		}
	}

	lb := loadBalance(means)
	p.loadBalanceVal.Set(lb)

	top := make([]ExpertActivation, 0, len(p.activity))
	for id, count := range p.activity {
		top = append(top, ExpertActivation{ExpertID: id, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].ExpertID < top[j].ExpertID
	})

	return Snapshot{PerEndpoint: per, LoadBalance: lb, TopExperts: top}
}

// loadBalance computes 1/(1+σ/μ) over per-endpoint mean times. A
// single endpoint, or no samples at all, is defined as perfectly
// balanced.
func loadBalance(means []float64) float64 {
	if len(means) <= 1 {
		return 1.0
	}
	mu := 0.0
	for _, m := range means {
		mu += m
	}
	mu /= float64(len(means))
	if mu == 0 {
		return 1.0
	}

	variance := 0.0
	for _, m := range means {
		d := m - mu
		variance += d * d
	}
	variance /= float64(len(means))
	sigma := math.Sqrt(variance)

	return 1.0 / (1.0 + sigma/mu)
}

func expertIDLabel(id int32) string {
	return strconv.Itoa(int(id))
}
