package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/callguard/internal/config"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/flagstore"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/report"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/risk"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/session"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/callguard/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	baseURL string
	flags   *flagstore.Memory
	reports *report.Log
}

// startRelay serves the HTTP API and the broker from one handler, the way the
// relay binary wires them.
func startRelay(t *testing.T) testRelay {
	t.Helper()
	log := discardLogger()
	flags := flagstore.NewMemory()
	reports := report.NewLog(10)

	srv := httpserver.New(config.Config{ReportLogLimit: 10}, log, httpserver.BuildInfo{}, httpserver.Deps{
		Flags:   flags,
		Reports: reports,
	})
	broker := signaling.NewBroker(signaling.Config{Logger: log})
	broker.RegisterRoutes(srv.Mux())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(broker.Close)
	return testRelay{baseURL: ts.URL, flags: flags, reports: reports}
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis []*webrtc.API
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{Logger: discardLogger(), Net: n})
		if err != nil {
			t.Fatalf("NewAPI: %v", err)
		}
		apis = append(apis, api)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis[0], apis[1]
}

type snapshots chan session.Snapshot

func (s snapshots) observe(snap session.Snapshot) {
	select {
	case s <- snap:
	default:
	}
}

func (s snapshots) waitFor(t *testing.T, name string, pred func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap := <-s:
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for snapshot", name)
		}
	}
}

func inState(state session.State) func(session.Snapshot) bool {
	return func(s session.Snapshot) bool { return s.State == state }
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report.Report
}

func (r *recordingSink) Publish(_ context.Context, rep report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingSink) all() []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Report(nil), r.reports...)
}

func testLexicon(t *testing.T) *risk.Lexicon {
	t.Helper()
	lx, err := risk.NewLexicon([]risk.Entry{
		{Keyword: "gift card", Weight: 30, Category: risk.CategoryGiftCard},
	}, nil)
	if err != nil {
		t.Fatalf("NewLexicon: %v", err)
	}
	return lx
}

func dial(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSignalURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:5000":          "ws://localhost:5000/signal",
		"https://relay.example.com/":     "wss://relay.example.com/signal",
		"ws://10.0.0.1:5000/base?x=1#f":  "ws://10.0.0.1:5000/base/signal",
		" http://relay.example.com:80  ": "ws://relay.example.com:80/signal",
	}
	for in, want := range cases {
		got, err := SignalURL(in)
		if err != nil {
			t.Fatalf("SignalURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("SignalURL(%q)=%q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"ftp://relay", "http://", "::"} {
		if _, err := SignalURL(bad); err == nil {
			t.Fatalf("SignalURL(%q) should fail", bad)
		}
	}
}

func TestDial_RequiresConnectionAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"kind":"TranscriptChunk","text":"hi"}`))
		_, _, _ = c.ReadMessage()
	}))
	t.Cleanup(ts.Close)

	_, err := Dial(context.Background(), Config{
		URL:        "ws" + strings.TrimPrefix(ts.URL, "http"),
		Logger:     discardLogger(),
		AckTimeout: time.Second,
	})
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("Dial err=%v, want ErrNoAck", err)
	}
}

func TestClients_CallScoreAndForcedEnd(t *testing.T) {
	relay := startRelay(t)
	signalURL, err := SignalURL(relay.baseURL)
	if err != nil {
		t.Fatal(err)
	}
	apiA, apiB := newVNetAPIs(t)
	lexicon := testLexicon(t)
	relayAPI := NewRelayAPI(relay.baseURL, nil)
	sink := &recordingSink{}

	snapsA := make(snapshots, 64)
	snapsB := make(snapshots, 64)
	remoteText := make(chan string, 8)

	caller := dial(t, Config{
		URL:      signalURL,
		Number:   "5550001",
		Lexicon:  lexicon,
		Flagged:  relayAPI,
		Reports:  sink,
		API:      apiA,
		Observer: snapsA.observe,
	})
	callee := dial(t, Config{
		URL:        signalURL,
		Number:     "5550002",
		AutoAnswer: true,
		Lexicon:    lexicon,
		Flagged:    relayAPI,
		API:        apiB,
		Observer:   snapsB.observe,
		OnRemoteTranscript: func(text string) {
			remoteText <- text
		},
	})

	ctx := context.Background()
	outcome, err := caller.Call(ctx, "5550002")
	if err != nil || outcome != session.OutcomeRinging {
		t.Fatalf("Call=%v,%v want ringing", outcome, err)
	}

	got := snapsB.waitFor(t, "callee active", inState(session.StateActive))
	if got.Number != "5550001" {
		t.Fatalf("callee sees number %q, want 5550001", got.Number)
	}
	if s := callee.Snapshot(); s.State != session.StateActive {
		t.Fatalf("callee Snapshot state=%s, want active", s.StateName)
	}
	got = snapsA.waitFor(t, "caller active", inState(session.StateActive))
	if got.StartedAt.IsZero() {
		t.Fatalf("startedAt not recorded")
	}

	lines := []string{"hello, this is your bank", "please buy a gift card", "another gift card now", "one more gift card"}
	var results []session.Result
	for _, line := range lines {
		res, err := caller.Transcript(ctx, line)
		if err != nil {
			t.Fatalf("Transcript(%q): %v", line, err)
		}
		results = append(results, res)
	}

	if results[0].Delta != 0 || results[1].Score != 30 {
		t.Fatalf("unexpected early scores: %+v %+v", results[0], results[1])
	}
	if !results[2].Warning || results[2].Score != 60 || results[2].Forced {
		t.Fatalf("third chunk=%+v, want warning at 60", results[2])
	}
	if !results[3].Forced || results[3].Score != 90 || results[3].Warning {
		t.Fatalf("fourth chunk=%+v, want forced at 90 without a second warning", results[3])
	}

	snap := caller.Snapshot()
	if snap.State != session.StateEnded || snap.EndReason != session.EndReasonForced {
		t.Fatalf("caller snapshot=%+v, want ended/forced", snap)
	}
	if snap.RiskScore != 0 || snap.WarningIssued || len(snap.MatchedKeywords) != 0 {
		t.Fatalf("risk not cleared on end: %+v", snap)
	}

	reps := sink.all()
	if len(reps) != 2 {
		t.Fatalf("reports=%d, want 2", len(reps))
	}
	if reps[0].Reason != report.ReasonWarning || reps[1].Reason != report.ReasonAutoDisconnect {
		t.Fatalf("report reasons=%q,%q", reps[0].Reason, reps[1].Reason)
	}
	if reps[1].PhoneNumber != "5550002" || reps[1].ScamType != string(risk.CategoryGiftCard) || reps[1].Confidence != 0.9 {
		t.Fatalf("forced report=%+v", reps[1])
	}

	for i := range lines {
		select {
		case text := <-remoteText:
			if text != lines[i] {
				t.Fatalf("remote transcript %d=%q, want %q", i, text, lines[i])
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for remote transcript %d", i)
		}
	}

	// A chunk after the call ended is discarded and not relayed.
	res, err := caller.Transcript(ctx, "gift card")
	if err != nil || !res.Discarded {
		t.Fatalf("Transcript after end=%+v,%v want discarded", res, err)
	}

	if err := caller.FlagNumber(ctx); err != nil {
		t.Fatalf("FlagNumber: %v", err)
	}
	if ok, _ := relay.flags.Contains(ctx, "5550002"); !ok {
		t.Fatalf("relay flag store does not contain the ended call's number")
	}

	// The next call to a flagged number never rings.
	outcome, err = caller.Call(ctx, "555-0002")
	if err != nil || outcome != session.OutcomeNumberFlagged {
		t.Fatalf("Call flagged=%v,%v want number_flagged", outcome, err)
	}
	if s := caller.Snapshot(); s.State != session.StateIdle {
		t.Fatalf("state after flagged call=%s, want idle", s.StateName)
	}
}

func TestClients_FlaggedCallerIsBlocked(t *testing.T) {
	relay := startRelay(t)
	signalURL, _ := SignalURL(relay.baseURL)
	apiA, apiB := newVNetAPIs(t)
	ctx := context.Background()

	calleeFlags := flagstore.NewMemory()
	if err := calleeFlags.Add(ctx, "5550001"); err != nil {
		t.Fatal(err)
	}

	snapsB := make(snapshots, 64)
	caller := dial(t, Config{URL: signalURL, Number: "5550001", API: apiA})
	callee := dial(t, Config{
		URL:        signalURL,
		Number:     "5550002",
		AutoAnswer: true,
		Flagged:    calleeFlags,
		API:        apiB,
		Observer:   snapsB.observe,
	})

	outcome, err := caller.Call(ctx, "5550002")
	if err != nil || outcome != session.OutcomeRinging {
		t.Fatalf("Call=%v,%v", outcome, err)
	}

	// A blocked CallStart emits an idle snapshot carrying the number.
	got := snapsB.waitFor(t, "callee blocked", func(s session.Snapshot) bool {
		return s.Number == "5550001"
	})
	if got.State != session.StateIdle {
		t.Fatalf("callee state=%s, want idle", got.StateName)
	}
	if s := callee.Snapshot(); s.State != session.StateIdle {
		t.Fatalf("callee state=%s, want idle", s.StateName)
	}
	if s := caller.Snapshot(); s.State != session.StateRinging {
		t.Fatalf("caller state=%s, want ringing", s.StateName)
	}

	if err := caller.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if s := caller.Snapshot(); s.State != session.StateEnded || s.EndReason != session.EndReasonUser {
		t.Fatalf("caller after hangup=%+v", s)
	}
}

func TestClient_AnswerWithoutOffer(t *testing.T) {
	relay := startRelay(t)
	signalURL, _ := SignalURL(relay.baseURL)
	c := dial(t, Config{URL: signalURL})

	if err := c.Answer(context.Background()); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("Answer err=%v, want ErrNoOffer", err)
	}
	if err := c.Hangup(context.Background()); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("Hangup idle err=%v, want ErrInvalidTransition", err)
	}
}

func TestClient_CloseStopsIntents(t *testing.T) {
	relay := startRelay(t)
	signalURL, _ := SignalURL(relay.baseURL)
	c := dial(t, Config{URL: signalURL})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed")
	}
	if _, err := c.Call(context.Background(), "5550100"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call after Close err=%v, want ErrClosed", err)
	}
	if c.Err() != nil {
		t.Fatalf("Err after Close=%v, want nil", c.Err())
	}
}

func TestRelayAPI(t *testing.T) {
	relay := startRelay(t)
	api := NewRelayAPI(relay.baseURL+"/", nil)
	ctx := context.Background()

	if ok, err := api.Contains(ctx, "5550100"); err != nil || ok {
		t.Fatalf("Contains=%v,%v want false,nil", ok, err)
	}
	if err := api.Add(ctx, "555-0100"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, err := api.Contains(ctx, "5550100"); err != nil || !ok {
		t.Fatalf("Contains after Add=%v,%v want true,nil", ok, err)
	}
	if nums, err := api.List(ctx); err != nil || len(nums) != 1 || nums[0] != "5550100" {
		t.Fatalf("List=%v,%v want [5550100]", nums, err)
	}
	if err := api.Add(ctx, "not a number"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("Add invalid err=%v, want 400", err)
	}

	if err := api.Publish(ctx, report.Report{PhoneNumber: "5550100", ScamType: "BANKING_SCAM", Confidence: 0.5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if relay.reports.Len() != 1 {
		t.Fatalf("relay reports=%d, want 1", relay.reports.Len())
	}
	if err := api.Publish(ctx, report.Report{ScamType: "BANKING_SCAM", Confidence: 2}); err == nil {
		t.Fatalf("Publish invalid report should fail")
	}

	servers, err := api.ICEServers(ctx)
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("ICEServers=%v, want none", servers)
	}
}
