package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callguard"

// Event names. They are exported as the `event` label of
// callguard_events_total.
const (
	EventPeerConnected        = "peer_connected"
	EventPeerDisconnected     = "peer_disconnected"
	EventPeerRejectedCapacity = "peer_rejected_capacity"
	EventOriginRejected       = "origin_rejected"
	EventMessageRelayed       = "signaling_message_relayed"
	EventMessageBinary        = "signaling_message_binary"
	EventMessageMalformed     = "signaling_message_malformed"
	EventMessageUnknownKind   = "signaling_message_unknown_kind"
	EventMessageServerOnly    = "signaling_message_server_only"
	EventMessageRateLimited   = "signaling_message_rate_limited"
	EventKeepaliveTimeout     = "signaling_keepalive_timeout"
	EventRelaySendFailed      = "relay_send_failed"
	EventNumberVerified       = "number_verified"
	EventNumberFlagged        = "number_flagged"
	EventReportStored         = "report_stored"
	EventReportPublishFailed  = "report_publish_failed"
	EventPanicRecovered       = "http_panic_recovered"
)

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry. Counts are mirrored in memory so tests and the
// admin surface can read them without scraping.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	peers  prometheus.Gauge

	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of signaling peers currently registered.",
		}),
		m: make(map[string]uint64),
	}
	reg.MustRegister(m.events, m.peers)
	return m
}

// Registry returns the Prometheus registry holding this instance's
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// Snapshot returns a copy of all event counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Names returns the recorded event names in sorted order.
func (m *Metrics) Names() []string {
	snap := m.Snapshot()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
