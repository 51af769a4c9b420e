package webrtcpeer_test

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/webrtcpeer"
)

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func newPeer(t *testing.T, n *vnet.Net) *webrtcpeer.Peer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{Logger: log, Net: n})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	p, err := webrtcpeer.NewPeer(api, nil, log)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitConnected(t *testing.T, name string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s to connect", name)
	}
}

func connectedSignal(p *webrtcpeer.Peer) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	p.OnConnectionState(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(ch) })
		}
	})
	return ch
}

func TestPeer_OfferAnswerTrickleICE(t *testing.T) {
	netA, netB := newVNetPair(t)
	caller := newPeer(t, netA)
	callee := newPeer(t, netB)

	// Candidates are delivered out of band, possibly before the remote
	// description, exactly as they would be through the broker.
	caller.OnCandidate(func(c webrtc.ICECandidateInit) {
		if err := callee.AddCandidate(c); err != nil {
			t.Errorf("callee AddCandidate: %v", err)
		}
	})
	callee.OnCandidate(func(c webrtc.ICECandidateInit) {
		if err := caller.AddCandidate(c); err != nil {
			t.Errorf("caller AddCandidate: %v", err)
		}
	})

	callerUp := connectedSignal(caller)
	calleeUp := connectedSignal(callee)

	remoteAudio := make(chan string, 1)
	callee.OnRemoteAudio(func(track *webrtc.TrackRemote) {
		select {
		case remoteAudio <- track.Codec().MimeType:
		default:
		}
	})

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !bytes.Contains([]byte(offer.SDP), []byte("opus/48000")) {
		t.Fatalf("offer does not carry opus:\n%s", offer.SDP)
	}

	answer, err := callee.AcceptOffer(offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type=%s", answer.Type)
	}
	if err := caller.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	waitConnected(t, "caller", callerUp)
	waitConnected(t, "callee", calleeUp)

	// Drive some silence so the callee sees the remote track.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		silence := []byte{0xf8, 0xff, 0xfe}
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = caller.AudioTrack().WriteSample(media.Sample{Data: silence, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case mime := <-remoteAudio:
		if mime != webrtc.MimeTypeOpus {
			t.Fatalf("remote track mime=%q, want %q", mime, webrtc.MimeTypeOpus)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for remote audio track")
	}
}

func TestPeer_RejectsWrongDescriptionType(t *testing.T) {
	netA, _ := newVNetPair(t)
	p := newPeer(t, netA)

	if _, err := p.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); err == nil {
		t.Fatalf("AcceptOffer(answer) should fail")
	}
	if err := p.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err == nil {
		t.Fatalf("AcceptAnswer(offer) should fail")
	}
}

func TestPeer_AddCandidateAfterClose(t *testing.T) {
	netA, _ := newVNetPair(t)
	p := newPeer(t, netA)

	if err := p.AddCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.9 5000 typ host"}); err != nil {
		t.Fatalf("queued AddCandidate: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.AddCandidate(webrtc.ICECandidateInit{Candidate: "x"}); err != webrtcpeer.ErrClosed {
		t.Fatalf("AddCandidate after close err=%v, want ErrClosed", err)
	}
}

func TestLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := webrtcpeer.NewLoggerFactory(log).NewLogger("ice")

	l.Debugf("hidden %d", 1)
	l.Warnf("candidate %s failed", "host")

	out := buf.String()
	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("debug output leaked at info level: %s", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("candidate host failed")) || !bytes.Contains(buf.Bytes(), []byte("scope=ice")) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
