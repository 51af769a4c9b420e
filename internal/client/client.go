// Package client is the peer side of the signaling broker. A Client holds one
// broker connection, one session.Machine and at most one WebRTC audio peer.
//
// All session state is owned by a single event-loop goroutine. Inbound
// envelopes, pion callbacks and user intents (Call, Answer, Hangup,
// Transcript) are posted to that loop, so the Machine is never touched
// concurrently.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/report"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/session"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/webrtcpeer"
)

const (
	wsWriteWait       = 1 * time.Second
	DefaultAckTimeout = 5 * time.Second
)

var (
	ErrClosed  = errors.New("client: closed")
	ErrNoAck   = errors.New("client: broker did not acknowledge the connection")
	ErrNoOffer = errors.New("client: no incoming call to answer")
)

// ReportSink receives scam reports raised during a call.
type ReportSink interface {
	Publish(ctx context.Context, r report.Report) error
}

type Config struct {
	// URL is the broker's WebSocket URL (ws:// or wss://).
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// Number identifies this peer. It is sent on outgoing offers so the
	// callee can check it against its flagged set.
	Number string
	// AutoAnswer accepts incoming offers as soon as they ring.
	AutoAnswer bool

	Lexicon *risk.Lexicon
	Flagged session.FlaggedNumberSet
	Reports ReportSink

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Observer           func(session.Snapshot)
	OnRemoteTranscript func(text string)

	Logger     *slog.Logger
	Now        func() time.Time
	AckTimeout time.Duration
}

type Client struct {
	cfg  Config
	log  *slog.Logger
	conn *websocket.Conn
	now  func() time.Time

	writeMu sync.Mutex

	// Owned by the loop goroutine.
	machine *session.Machine
	peer    *webrtcpeer.Peer
	offer   *webrtc.SessionDescription
	remote  string

	last atomic.Pointer[session.Snapshot]

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// SignalURL converts the relay's HTTP base URL into its broker URL.
func SignalURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay url %q: missing host", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial connects to the broker and waits for its ConnectionAck.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(ackTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoAck, err)
	}
	if msgType != websocket.TextMessage || !signaling.IsConnectionAck(data) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: first frame was %q", ErrNoAck, data)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		cfg:    cfg,
		log:    logger.With("component", "client"),
		conn:   conn,
		now:    now,
		events: make(chan func()),
		done:   make(chan struct{}),
	}
	c.machine = session.NewMachine(session.Config{
		Lexicon:  cfg.Lexicon,
		Flagged:  cfg.Flagged,
		Observer: c.observe,
		Logger:   logger,
		Now:      now,
	})
	initial := c.machine.Snapshot()
	c.last.Store(&initial)

	c.log.Info("connected to broker", "url", cfg.URL)

	go c.loop()
	go c.readLoop()
	return c, nil
}

// Snapshot returns the most recent session snapshot.
func (c *Client) Snapshot() session.Snapshot {
	return *c.last.Load()
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the client shut down, nil after Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Call starts an outgoing call to number.
func (c *Client) Call(ctx context.Context, number string) (session.Outcome, error) {
	var (
		outcome session.Outcome
		callErr error
	)
	if err := c.do(ctx, func() { outcome, callErr = c.call(ctx, number) }); err != nil {
		return session.OutcomeFailed, err
	}
	return outcome, callErr
}

// Answer accepts the incoming call that is currently ringing.
func (c *Client) Answer(ctx context.Context) error {
	var answerErr error
	if err := c.do(ctx, func() { answerErr = c.answer() }); err != nil {
		return err
	}
	return answerErr
}

// Hangup ends the current call. The session stays Ended, so the number can
// still be flagged, until the next call starts.
func (c *Client) Hangup(ctx context.Context) error {
	var hangupErr error
	if err := c.do(ctx, func() {
		if hangupErr = c.machine.CallEnd(); hangupErr == nil {
			c.finishCall()
		}
	}); err != nil {
		return err
	}
	return hangupErr
}

// Transcript scores one locally transcribed line and forwards it to the
// remote party.
func (c *Client) Transcript(ctx context.Context, text string) (session.Result, error) {
	var res session.Result
	if err := c.do(ctx, func() { res = c.transcript(ctx, text) }); err != nil {
		return session.Result{}, err
	}
	return res, nil
}

// FlagNumber adds the current or most recent remote number to the flagged
// set.
func (c *Client) FlagNumber(ctx context.Context) error {
	var flagErr error
	if err := c.do(ctx, func() { flagErr = c.machine.FlagNumber(ctx) }); err != nil {
		return err
	}
	return flagErr
}

func (c *Client) observe(s session.Snapshot) {
	c.last.Store(&s)
	if c.cfg.Observer != nil {
		c.cfg.Observer(s)
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (c *Client) do(ctx context.Context, fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	finished := make(chan struct{})
	select {
	case c.events <- func() { defer close(finished); fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post queues fn without waiting. It gives up once the client is closed.
func (c *Client) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			c.closePeer()
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Warn("broker connection lost", "err", err)
			c.post(func() { c.transportError(err) })
			c.shutdown(fmt.Errorf("broker connection lost: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			c.log.Debug("ignoring signaling message", "err", err)
			continue
		}
		msg, err := env.Decode()
		if err != nil {
			c.log.Debug("ignoring signaling message", "kind", env.Kind, "err", err)
			continue
		}
		c.post(func() { c.handle(msg) })
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) send(m signaling.Message) error {
	data, err := signaling.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) call(ctx context.Context, number string) (session.Outcome, error) {
	c.resetIfEnded()
	outcome, err := c.machine.CallStart(ctx, number)
	if outcome != session.OutcomeRinging {
		return outcome, err
	}
	c.remote = strings.TrimSpace(number)

	peer, err := c.newPeer()
	if err != nil {
		c.transportError(err)
		return session.OutcomeFailed, err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		c.transportError(err)
		return session.OutcomeFailed, err
	}
	sdp := signaling.SDPFromPion(offer)
	if err := c.send(signaling.Message{Kind: signaling.KindOffer, SDP: &sdp, Number: c.cfg.Number}); err != nil {
		c.transportError(err)
		return session.OutcomeFailed, fmt.Errorf("send offer: %w", err)
	}
	return outcome, nil
}

func (c *Client) answer() error {
	if c.machine.State() != session.StateRinging || c.offer == nil || c.peer == nil {
		return ErrNoOffer
	}
	answer, err := c.peer.AcceptOffer(*c.offer)
	if err != nil {
		c.transportError(err)
		return err
	}
	c.offer = nil
	sdp := signaling.SDPFromPion(answer)
	if err := c.send(signaling.Message{Kind: signaling.KindAnswer, SDP: &sdp}); err != nil {
		c.transportError(err)
		return fmt.Errorf("send answer: %w", err)
	}
	return c.machine.LocalAnswerReady()
}

func (c *Client) handle(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer:
		c.handleOffer(msg)
	case signaling.KindAnswer:
		if c.machine.State() != session.StateRinging || c.peer == nil || c.offer != nil || msg.SDP == nil {
			c.log.Debug("ignoring answer", "state", c.machine.State().String())
			return
		}
		desc, err := msg.SDP.ToPion()
		if err == nil {
			err = c.peer.AcceptAnswer(desc)
		}
		if err != nil {
			c.transportError(err)
			return
		}
		if err := c.machine.RemoteAnswerReceived(); err != nil {
			c.log.Warn("remote answer rejected", "err", err)
		}
	case signaling.KindIceCandidate:
		if c.peer == nil || msg.Candidate == nil {
			c.log.Debug("ignoring ice candidate without a call")
			return
		}
		if err := c.peer.AddCandidate(msg.Candidate.ToPion()); err != nil {
			c.log.Warn("add remote ice candidate failed", "err", err)
		}
	case signaling.KindTranscriptChunk:
		c.log.Debug("remote transcript", "text", msg.Text)
		if c.cfg.OnRemoteTranscript != nil {
			c.cfg.OnRemoteTranscript(msg.Text)
		}
	}
}

func (c *Client) handleOffer(msg signaling.Message) {
	c.resetIfEnded()
	if c.machine.State() != session.StateIdle {
		c.log.Info("ignoring offer: busy", "state", c.machine.State().String())
		return
	}
	if msg.SDP == nil {
		c.log.Warn("ignoring offer without sdp")
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		c.log.Warn("ignoring offer", "err", err)
		return
	}

	outcome, err := c.machine.CallStart(context.Background(), msg.Number)
	switch outcome {
	case session.OutcomeRinging:
	case session.OutcomeNumberFlagged:
		c.log.Warn("incoming call blocked: number flagged", "number", msg.Number)
		return
	default:
		c.log.Warn("incoming call not started", "outcome", string(outcome), "err", err)
		return
	}

	c.remote = strings.TrimSpace(msg.Number)
	if _, err := c.newPeer(); err != nil {
		c.transportError(err)
		return
	}
	c.offer = &desc
	c.log.Info("incoming call ringing", "number", msg.Number)

	if c.cfg.AutoAnswer {
		if err := c.answer(); err != nil {
			c.log.Warn("auto-answer failed", "err", err)
		}
	}
}

func (c *Client) transcript(ctx context.Context, text string) session.Result {
	res := c.machine.Transcript(text)
	if res.Discarded {
		return res
	}

	if err := c.send(signaling.Message{Kind: signaling.KindTranscriptChunk, Text: text}); err != nil {
		c.log.Warn("send transcript chunk failed", "err", err)
	}

	if res.Warning || res.Forced {
		rep := report.FromResult(c.remote, res, c.now())
		c.log.Warn("scam risk detected",
			"number", rep.PhoneNumber,
			"score", res.Score,
			"scam_type", rep.ScamType,
			"reason", rep.Reason,
		)
		if c.cfg.Reports != nil {
			if err := c.cfg.Reports.Publish(ctx, rep); err != nil {
				c.log.Warn("scam report publish failed", "id", rep.ID, "err", err)
			}
		}
	}

	if res.Forced {
		c.finishCall()
	}
	return res
}

func (c *Client) newPeer() (*webrtcpeer.Peer, error) {
	peer, err := webrtcpeer.NewPeer(c.cfg.API, c.cfg.ICEServers, c.log)
	if err != nil {
		return nil, err
	}
	peer.OnCandidate(func(ci webrtc.ICECandidateInit) {
		go c.post(func() {
			if c.peer != peer {
				return
			}
			cand := signaling.CandidateFromPion(ci)
			if err := c.send(signaling.Message{Kind: signaling.KindIceCandidate, Candidate: &cand}); err != nil {
				c.log.Warn("send ice candidate failed", "err", err)
			}
		})
	})
	peer.OnConnectionState(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", state.String())
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		go c.post(func() {
			if c.peer != peer {
				return
			}
			c.transportError(fmt.Errorf("peer connection %s", state))
		})
	})
	c.peer = peer
	return peer, nil
}

// transportError ends an in-progress call after a signaling or media
// failure.
func (c *Client) transportError(err error) {
	c.machine.TransportError(err)
	if c.machine.State() == session.StateEnded {
		c.finishCall()
	}
}

// finishCall releases the media peer of an ended call.
func (c *Client) finishCall() {
	c.closePeer()
	c.offer = nil
}

func (c *Client) resetIfEnded() {
	if c.machine.State() != session.StateEnded {
		return
	}
	if err := c.machine.Reset(); err != nil {
		c.log.Warn("session reset failed", "err", err)
	}
	c.remote = ""
}

func (c *Client) closePeer() {
	if c.peer == nil {
		return
	}
	peer := c.peer
	c.peer = nil
	if err := peer.Close(); err != nil {
		c.log.Debug("peer close failed", "err", err)
	}
}
