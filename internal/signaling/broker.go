package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/relay"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes int64 = 64 * 1024
	DefaultIdleTimeout           = 60 * time.Second
	DefaultPingInterval          = 20 * time.Second
)

type Config struct {
	Registry *relay.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// MaxMessageBytes bounds a single inbound frame. Larger frames close the
	// connection.
	MaxMessageBytes int64
	// MaxMessagesPerSecond throttles each connection. Messages over the rate
	// are dropped. <= 0 disables the limit.
	MaxMessagesPerSecond int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// CheckOrigin is passed to the websocket upgrader. nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool

	Clock ratelimit.Clock
}

// Broker is the WebSocket endpoint peers use to exchange signaling
// envelopes.
type Broker struct {
	registry *relay.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	maxMessageBytes      int64
	maxMessagesPerSecond int
	idleTimeout          time.Duration
	pingInterval         time.Duration

	mu     sync.Mutex
	conns  map[*peerConn]struct{}
	closed bool
}

func NewBroker(cfg Config) *Broker {
	b := &Broker{
		registry:             cfg.Registry,
		log:                  cfg.Logger,
		metrics:              cfg.Metrics,
		clock:                cfg.Clock,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		conns:                make(map[*peerConn]struct{}),
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.registry == nil {
		b.registry = relay.NewRegistry(0, b.log, b.metrics)
	}
	if b.clock == nil {
		b.clock = ratelimit.RealClock{}
	}
	if b.maxMessageBytes <= 0 {
		b.maxMessageBytes = DefaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return b
}

func (b *Broker) Registry() *relay.Registry { return b.registry }

// RegisterRoutes mounts the broker at /signal and at the root path, where
// browser clients connect by default.
func (b *Broker) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", b)
	mux.Handle("GET /{$}", b)
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	pc := &peerConn{
		conn:   conn,
		remote: r.RemoteAddr,
		done:   make(chan struct{}),
	}
	if !b.track(pc) {
		pc.closeWith(websocket.CloseGoingAway, "shutting down")
		pc.Close()
		return
	}
	defer b.untrack(pc)

	// Hold the write lock across registration so the ack is always the first
	// frame the peer sees, ahead of any relayed envelope.
	pc.writeMu.Lock()
	h, err := b.registry.Register(pc)
	if err != nil {
		pc.writeMu.Unlock()
		pc.closeWith(websocket.CloseTryAgainLater, "try again later")
		pc.Close()
		return
	}
	pc.handle = h
	defer func() {
		b.registry.Unregister(h)
		pc.Close()
	}()

	err = pc.writeLocked(connectionAck)
	pc.writeMu.Unlock()
	if err != nil {
		b.log.Debug("connection ack failed", "handle", string(h), "err", err)
		return
	}

	b.run(pc)
}

func (b *Broker) run(pc *peerConn) {
	conn := pc.conn
	conn.SetReadLimit(b.maxMessageBytes)

	if b.idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		})
	}
	if b.pingInterval > 0 {
		go pc.keepalive(b.pingInterval)
	}

	limiter := ratelimit.NewMessageLimiter(b.clock, b.maxMessagesPerSecond)
	log := b.log.With("handle", string(pc.handle), "remote", pc.remote)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				b.metrics.Inc(metrics.EventKeepaliveTimeout)
				log.Info("signaling connection idle, closing")
				pc.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla already sent 1009 Message Too Big.
				log.Warn("signaling message too large, closing", "limit", b.maxMessageBytes)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("signaling connection closed by peer")
			default:
				log.Debug("signaling read failed", "err", err)
			}
			return
		}

		// Rate limit after reading so the frame is consumed either way.
		if !limiter.Allow() {
			b.metrics.Inc(metrics.EventMessageRateLimited)
			log.Warn("signaling message dropped: rate limited")
			continue
		}
		if msgType != websocket.TextMessage {
			b.metrics.Inc(metrics.EventMessageBinary)
			log.Warn("signaling message dropped: expected text frame")
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			switch {
			case errors.Is(err, ErrUnknownKind):
				b.metrics.Inc(metrics.EventMessageUnknownKind)
			case errors.Is(err, ErrServerOnlyKind):
				b.metrics.Inc(metrics.EventMessageServerOnly)
			default:
				b.metrics.Inc(metrics.EventMessageMalformed)
			}
			log.Warn("signaling message dropped", "err", err)
			continue
		}

		n := b.registry.BroadcastExcept(pc.handle, env.Raw)
		b.metrics.Inc(metrics.EventMessageRelayed)
		log.Debug("signaling message relayed", "kind", string(env.Kind), "recipients", n)
	}
}

// Close disconnects every open peer. New connections are refused afterwards.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*peerConn, 0, len(b.conns))
	for pc := range b.conns {
		conns = append(conns, pc)
	}
	b.mu.Unlock()

	for _, pc := range conns {
		pc.closeWith(websocket.CloseGoingAway, "shutting down")
		pc.Close()
	}
}

func (b *Broker) track(pc *peerConn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[pc] = struct{}{}
	return true
}

func (b *Broker) untrack(pc *peerConn) {
	b.mu.Lock()
	delete(b.conns, pc)
	b.mu.Unlock()
}

// peerConn is one accepted WebSocket connection. It implements relay.Conn.
type peerConn struct {
	conn   *websocket.Conn
	remote string
	handle relay.Handle

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (pc *peerConn) Send(data []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.writeLocked(data)
}

func (pc *peerConn) writeLocked(data []byte) error {
	_ = pc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return pc.conn.WriteMessage(websocket.TextMessage, data)
}

func (pc *peerConn) RemoteAddr() string { return pc.remote }

func (pc *peerConn) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-t.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (pc *peerConn) closeWith(code int, reason string) {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (pc *peerConn) Close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		_ = pc.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
