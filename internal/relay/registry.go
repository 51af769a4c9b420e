package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/metrics"
)

// Handle identifies one registered connection.
type Handle string

// Conn is the send side of a registered connection.
type Conn interface {
	Send(data []byte) error
	RemoteAddr() string
}

type entry struct {
	conn         Conn
	remoteAddr   string
	registeredAt time.Time
}

type Registry struct {
	capacity int
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	peers map[Handle]entry
}

// NewRegistry returns an empty registry. capacity <= 0 means unlimited.
func NewRegistry(capacity int, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		capacity: capacity,
		log:      logger,
		metrics:  m,
		peers:    make(map[Handle]entry),
	}
}

func (r *Registry) Register(conn Conn) (Handle, error) {
	r.mu.Lock()
	if r.capacity > 0 && len(r.peers) >= r.capacity {
		n := len(r.peers)
		r.mu.Unlock()
		r.metrics.Inc(metrics.EventPeerRejectedCapacity)
		r.log.Warn("peer rejected: registry full", "remote", conn.RemoteAddr(), "peers", n, "capacity", r.capacity)
		return "", ErrCapacityExceeded
	}

	h := Handle(uuid.NewString())
	r.peers[h] = entry{conn: conn, remoteAddr: conn.RemoteAddr(), registeredAt: time.Now()}
	n := len(r.peers)
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventPeerConnected)
	r.metrics.SetPeers(n)
	r.log.Info("peer connected", "handle", string(h), "remote", conn.RemoteAddr(), "peers", n)
	return h, nil
}

// Unregister removes h. Removing an unknown handle is a no-op.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	e, ok := r.peers[h]
	if ok {
		delete(r.peers, h)
	}
	n := len(r.peers)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.Inc(metrics.EventPeerDisconnected)
	r.metrics.SetPeers(n)
	r.log.Info("peer disconnected", "handle", string(h), "remote", e.remoteAddr,
		"connected_for", time.Since(e.registeredAt).Round(time.Millisecond), "peers", n)
}

// BroadcastExcept delivers data to every registered connection other than
// sender and returns the number of successful deliveries. Recipients are
// snapshotted under the lock; a failed send is logged and skipped.
func (r *Registry) BroadcastExcept(sender Handle, data []byte) int {
	type recipient struct {
		h    Handle
		conn Conn
	}
	r.mu.Lock()
	recipients := make([]recipient, 0, len(r.peers))
	for h, e := range r.peers {
		if h == sender {
			continue
		}
		recipients = append(recipients, recipient{h: h, conn: e.conn})
	}
	r.mu.Unlock()

	delivered := 0
	for _, rc := range recipients {
		if err := rc.conn.Send(data); err != nil {
			r.metrics.Inc(metrics.EventRelaySendFailed)
			r.log.Warn("relay send failed", "from", string(sender), "to", string(rc.h), "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Handles returns the registered handles in sorted order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.peers))
	for h := range r.peers {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
