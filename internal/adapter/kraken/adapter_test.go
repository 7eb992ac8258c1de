package kraken

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/bookreplay/internal/adapter"
	"github.com/caesar-terminal/bookreplay/internal/engine"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recordingApplier records every applied message.
type recordingApplier struct {
	mu   sync.Mutex
	msgs []adapter.BookMessage
}

func (r *recordingApplier) Apply(msg adapter.BookMessage) (engine.State, error) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return engine.State{}, nil
}

// staleRecorder records MarkStale calls.
type staleRecorder struct {
	mu    sync.Mutex
	marks []string
}

func (s *staleRecorder) MarkStale(instrument string) {
	s.mu.Lock()
	s.marks = append(s.marks, instrument)
	s.mu.Unlock()
}

func (s *staleRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func newTestAdapter(t *testing.T, url string, sink Applier, health StaleMarker) (*KrakenAdapter, *adapter.WSClient) {
	t.Helper()
	cfg := adapter.DefaultWSConfig(url)
	cfg.Lossless = true
	cfg.HeartbeatTimeout = 5 * time.Second
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	ws := adapter.NewWSClient(cfg, testLogger())
	ka := New(Config{Ticker: "ZEC", Pair: "ZEC/USD", Depth: 10}, ws, sink, health, testLogger(), nil)
	return ka, ws
}

func TestPairFor(t *testing.T) {
	cases := map[string]string{
		"ZEC": "ZEC/USD",
		"btc": "BTC/USD",
		"ETH": "ETH/USD",
		"XMR": "XMR/USD",
	}
	for ticker, want := range cases {
		if got := PairFor(ticker, "usd"); got != want {
			t.Fatalf("PairFor(%q) = %q, want %q", ticker, got, want)
		}
	}
	if got := PairFor("SOL", ""); got != "SOL/USD" {
		t.Fatalf("expected USD default quote, got %q", got)
	}
	if got := PairFor("ETH", "EUR"); got != "ETH/EUR" {
		t.Fatalf("expected ETH/EUR, got %q", got)
	}
}

func TestValidDepth(t *testing.T) {
	for _, d := range []int{10, 25, 100, 500, 1000} {
		if !ValidDepth(d) {
			t.Fatalf("depth %d should be valid", d)
		}
	}
	for _, d := range []int{0, 5, 50, 2000} {
		if ValidDepth(d) {
			t.Fatalf("depth %d should be invalid", d)
		}
	}
}

func TestParseFrame_Snapshot(t *testing.T) {
	ka, _ := newTestAdapter(t, "ws://unused", &recordingApplier{}, nil)
	frame := `[336,{"as":[["41.20","1.5","1700000000.1"],["41.30","2.0","1700000000.2"]],
		"bs":[["41.10","3.0","1700000000.3"]]},"book-10","ZEC/USD"]`

	msg, ok, err := ka.parseFrame([]byte(frame))
	if err != nil || !ok {
		t.Fatalf("parseFrame: ok=%v err=%v", ok, err)
	}
	if msg.Kind != adapter.KindSnapshot || msg.Ticker != "ZEC" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Asks) != 2 || msg.Asks[0].Price != "41.20" || msg.Asks[1].Volume != "2.0" {
		t.Fatalf("unexpected asks %+v", msg.Asks)
	}
	if len(msg.Bids) != 1 || msg.Bids[0].Price != "41.10" {
		t.Fatalf("unexpected bids %+v", msg.Bids)
	}
}

func TestParseFrame_DeltaWithTwoPayloads(t *testing.T) {
	ka, _ := newTestAdapter(t, "ws://unused", &recordingApplier{}, nil)
	frame := `[336,{"a":[["41.20","0.00000000","1700000001.1"]]},
		{"b":[["41.15","0.5","1700000001.2","r"]],"c":"974942666"},"book-10","ZEC/USD"]`

	msg, ok, err := ka.parseFrame([]byte(frame))
	if err != nil || !ok {
		t.Fatalf("parseFrame: ok=%v err=%v", ok, err)
	}
	if msg.Kind != adapter.KindDelta {
		t.Fatalf("expected delta, got %s", msg.Kind)
	}
	if len(msg.Asks) != 1 || msg.Asks[0].Volume != "0.00000000" {
		t.Fatalf("unexpected asks %+v", msg.Asks)
	}
	if len(msg.Bids) != 1 || msg.Bids[0].Price != "41.15" {
		t.Fatalf("unexpected bids %+v", msg.Bids)
	}
}

func TestParseFrame_IgnoresOtherChannelsAndPairs(t *testing.T) {
	ka, _ := newTestAdapter(t, "ws://unused", &recordingApplier{}, nil)

	for _, frame := range []string{
		`[1,{"a":[["1","1","1"]]},"book-10","XBT/USD"]`,
		`[2,[["5541.2","0.1","1534614057.3","s","l",""]],"trade","ZEC/USD"]`,
	} {
		_, ok, err := ka.parseFrame([]byte(frame))
		if err != nil || ok {
			t.Fatalf("expected frame ignored, got ok=%v err=%v for %s", ok, err, frame)
		}
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	ka, _ := newTestAdapter(t, "ws://unused", &recordingApplier{}, nil)

	for _, frame := range []string{
		`[1,"book-10","ZEC/USD"]`,
		`[1,{"a":[["1","1"]]},"book-10","ZEC/USD"]`,
		`[1,{"a":[[1,1,1]]},"book-10","ZEC/USD"]`,
		`[1,"oops","book-10","ZEC/USD"]`,
		`[1,{"a":[]},7,"ZEC/USD"]`,
	} {
		_, _, err := ka.parseFrame([]byte(frame))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %s, got %v", frame, err)
		}
	}
}

func TestHandleMessage_Events(t *testing.T) {
	sink := &recordingApplier{}
	ka, _ := newTestAdapter(t, "ws://unused", sink, nil)

	ok := []string{
		`{"event":"heartbeat"}`,
		`{"connectionID":1,"event":"systemStatus","status":"online","version":"1.9.0"}`,
		`{"channelID":336,"channelName":"book-10","event":"subscriptionStatus","pair":"ZEC/USD","status":"subscribed","subscription":{"depth":10,"name":"book"}}`,
	}
	for _, m := range ok {
		if err := ka.handleMessage([]byte(m)); err != nil {
			t.Fatalf("unexpected error for %s: %v", m, err)
		}
	}

	rejected := `{"errorMessage":"Currency pair not supported","event":"subscriptionStatus","pair":"ZZZ/USD","status":"error"}`
	if err := ka.handleMessage([]byte(rejected)); !errors.Is(err, ErrSubscriptionRejected) {
		t.Fatalf("expected ErrSubscriptionRejected, got %v", err)
	}
	if err := ka.handleMessage([]byte("not json")); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("events must not reach the applier, got %d messages", len(sink.msgs))
	}
}

// feedServer accepts connections, records every client message, and
// writes frames to each new connection after its subscribe arrives. When
// dropFirst is set the first connection is closed after its frames.
type feedServer struct {
	*httptest.Server
	mu        sync.Mutex
	received  []string
	conns     int
	frames    []string
	dropFirst bool
}

func newFeedServer(t *testing.T, dropFirst bool, frames ...string) *feedServer {
	t.Helper()
	fs := &feedServer{frames: frames, dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		fs.mu.Lock()
		fs.conns++
		n := fs.conns
		fs.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			fs.mu.Lock()
			fs.received = append(fs.received, string(msg))
			fs.mu.Unlock()

			for _, f := range fs.frames {
				if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			}
			if fs.dropFirst && n == 1 {
				return
			}
		}
	}))
	return fs
}

func (fs *feedServer) subscribes() []subscribeMsg {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []subscribeMsg
	for _, raw := range fs.received {
		var m subscribeMsg
		if json.Unmarshal([]byte(raw), &m) == nil && m.Event == "subscribe" {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestKrakenAdapter_SubscribesAndApplies(t *testing.T) {
	srv := newFeedServer(t, false,
		`{"channelID":336,"channelName":"book-10","event":"subscriptionStatus","pair":"ZEC/USD","status":"subscribed","subscription":{"depth":10,"name":"book"}}`,
		`[336,{"as":[["41.20","1.5","1.1"],["41.30","2.0","1.2"]],"bs":[["41.10","3.0","1.3"],["41.00","1.0","1.4"]]},"book-10","ZEC/USD"]`,
		`[336,{"b":[["41.10","0.00000000","2.1"]]},"book-10","ZEC/USD"]`,
	)
	defer srv.Close()

	reg := adapter.NewRegistry(10, testLogger(), nil)
	ka, ws := newTestAdapter(t, wsURL(srv.Server), reg, nil)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go ka.Run(ctx)

	waitFor(t, "delta applied", func() bool {
		inst, ok := reg.Lookup("ZEC")
		if !ok {
			return false
		}
		st := inst.Engine.State()
		return len(st.Bids) == 1 && st.LastPrice != nil
	})

	subs := srv.subscribes()
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscribe, got %d", len(subs))
	}
	s := subs[0]
	if len(s.Pair) != 1 || s.Pair[0] != "ZEC/USD" || s.Subscription.Name != "book" || s.Subscription.Depth != 10 {
		t.Fatalf("unexpected subscribe message %+v", s)
	}

	inst, _ := reg.Lookup("ZEC")
	st := inst.Engine.State()
	if st.Bids[0].Price != 41.0 {
		t.Fatalf("expected best bid 41.00, got %v", st.Bids[0].Price)
	}
	if *st.LastPrice != 41.0 {
		t.Fatalf("expected consumed best bid to record 41.00, got %v", *st.LastPrice)
	}
	if len(st.Asks) != 2 || st.Asks[0].Price != 41.2 {
		t.Fatalf("unexpected asks %+v", st.Asks)
	}
}

func TestKrakenAdapter_ResubscribesAfterReconnect(t *testing.T) {
	srv := newFeedServer(t, true,
		`[336,{"as":[["41.20","1.5","1.1"]],"bs":[["41.10","3.0","1.3"]]},"book-10","ZEC/USD"]`,
	)
	defer srv.Close()

	sink := &recordingApplier{}
	health := &staleRecorder{}
	ka, ws := newTestAdapter(t, wsURL(srv.Server), sink, health)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go ka.Run(ctx)

	waitFor(t, "second subscription", func() bool { return len(srv.subscribes()) >= 2 })
	waitFor(t, "second snapshot", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.msgs) >= 2
	})

	sink.mu.Lock()
	for i, m := range sink.msgs[:2] {
		if m.Kind != adapter.KindSnapshot {
			t.Errorf("message %d: expected snapshot, got %s", i, m.Kind)
		}
	}
	sink.mu.Unlock()
	if health.count() == 0 {
		t.Fatal("expected instrument marked stale on reconnect")
	}
}

func TestKrakenAdapter_RunRetriesConnect(t *testing.T) {
	srv := newFeedServer(t, false)
	url := wsURL(srv.Server)
	srv.Close()

	ka, ws := newTestAdapter(t, url, &recordingApplier{}, nil)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := ka.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Run to give up with the context, got %v", err)
	}
}
