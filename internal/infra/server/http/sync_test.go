package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pivox/tradingV3/internal/app/syncer"
	"github.com/pivox/tradingV3/internal/position"
)

type stubStream struct {
	mu         sync.Mutex
	channels   []string
	subscribes []string
	messages   chan map[string]any
}

func newStubStream(channels ...string) *stubStream {
	return &stubStream{channels: channels, messages: make(chan map[string]any, 16)}
}

func (s *stubStream) Listen(ctx context.Context, handler func(map[string]any)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.messages:
			handler(msg)
		}
	}
}

func (s *stubStream) Subscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes = append(s.subscribes, channel)
	s.channels = append(s.channels, channel)
	return nil
}

func (s *stubStream) Unsubscribe(context.Context, string) error { return nil }

func (s *stubStream) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}

func (s *stubStream) Close() error { return nil }

func (s *stubStream) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscribes))
	copy(out, s.subscribes)
	return out
}

type stubSnapshot struct{}

func (stubSnapshot) FetchPositions(context.Context) (map[string]any, error) {
	return map[string]any{"data": []any{}}, nil
}

type stubStore struct{}

func (stubStore) Upsert(context.Context, *position.Position) error { return nil }

func (stubStore) FetchActive(context.Context, string) (map[string]*position.Position, error) {
	return map[string]*position.Position{}, nil
}

func newSyncFixture(t *testing.T) (*syncer.Service, *stubStream, *httptest.Server) {
	t.Helper()
	stream := newStubStream("futures/position")
	svc := syncer.New(syncer.Config{}, stream, stubSnapshot{}, stubStore{})
	srv := httptest.NewServer(NewSyncHandler(svc))
	t.Cleanup(func() {
		srv.Close()
		svc.Shutdown()
	})
	return svc, stream, srv
}

func doRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request %s %s: %v", method, url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func httpWaitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wireRecord(symbol, size string) map[string]any {
	return map[string]any{
		"data": []any{map[string]any{
			"symbol":      symbol,
			"hold_side":   1,
			"size":        size,
			"entry_price": "100",
		}},
	}
}

func TestStatusAndLifecycleEndpoints(t *testing.T) {
	_, _, srv := newSyncFixture(t)

	var status struct {
		Running     bool     `json:"running"`
		Sequence    uint64   `json:"sequence"`
		Subscribers int      `json:"subscribers"`
		Channels    []string `json:"channels"`
	}
	resp := doRequest(t, http.MethodGet, srv.URL+statusPath, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status: got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &status)
	if status.Running || status.Sequence != 0 {
		t.Fatalf("fresh service should be idle: %+v", status)
	}
	if len(status.Channels) != 1 || status.Channels[0] != "futures/position" {
		t.Fatalf("unexpected channels: %v", status.Channels)
	}

	var result map[string]string
	resp = doRequest(t, http.MethodPost, srv.URL+controlStartPath, nil)
	decodeBody(t, resp, &result)
	if result["status"] != "started" {
		t.Fatalf("first start: got %q", result["status"])
	}
	resp = doRequest(t, http.MethodPost, srv.URL+controlStartPath, nil)
	decodeBody(t, resp, &result)
	if result["status"] != "already_running" {
		t.Fatalf("second start: got %q", result["status"])
	}

	resp = doRequest(t, http.MethodGet, srv.URL+statusPath, nil)
	decodeBody(t, resp, &status)
	if !status.Running {
		t.Fatal("status should report running after start")
	}

	resp = doRequest(t, http.MethodPost, srv.URL+controlStopPath, nil)
	decodeBody(t, resp, &result)
	if result["status"] != "stopped" {
		t.Fatalf("first stop: got %q", result["status"])
	}
	resp = doRequest(t, http.MethodPost, srv.URL+controlStopPath, nil)
	decodeBody(t, resp, &result)
	if result["status"] != "not_running" {
		t.Fatalf("second stop: got %q", result["status"])
	}

	resp = doRequest(t, http.MethodGet, srv.URL+controlStartPath, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /control/start: got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header: got %q", allow)
	}
	_ = resp.Body.Close()
}

func TestSubscriptionEndpoints(t *testing.T) {
	_, stream, srv := newSyncFixture(t)

	var result map[string]string
	resp := doRequest(t, http.MethodPost, srv.URL+subscriptionPrefix+"ethusdt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe: got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &result)
	if result["status"] != "subscribed" || result["symbol"] != "ETHUSDT" {
		t.Fatalf("subscribe response: %v", result)
	}
	subs := stream.subscribed()
	if len(subs) != 1 || subs[0] != "futures/position:ETHUSDT" {
		t.Fatalf("channel subscription not forwarded: %v", subs)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+subscriptionPrefix+"ethusdt", nil)
	decodeBody(t, resp, &result)
	if result["status"] != "unsubscribed" || result["symbol"] != "ETHUSDT" {
		t.Fatalf("unsubscribe response: %v", result)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+subscriptionPrefix, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("blank symbol: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = doRequest(t, http.MethodPut, srv.URL+subscriptionPrefix+"ethusdt", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT subscription: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

type streamFramePayload struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	Positions []struct {
		ContractSymbol string `json:"contractSymbol"`
		Side           string `json:"side"`
	} `json:"positions"`
	Position *struct {
		ContractSymbol string `json:"contractSymbol"`
		Side           string `json:"side"`
	} `json:"position"`
}

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + positionStreamPath
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFramePayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame streamFramePayload
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}

func TestPositionStreamSnapshotThenEvents(t *testing.T) {
	svc, stream, srv := newSyncFixture(t)
	if !svc.Start(context.Background()) {
		t.Fatal("start failed")
	}

	stream.messages <- wireRecord("btcusdt", "2")
	httpWaitUntil(t, "first update applied", func() bool { return svc.CurrentSequence() >= 1 })

	conn := dialStream(t, srv, "")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	frame := readFrame(t, conn)
	if frame.Type != "snapshot" {
		t.Fatalf("first frame must be a snapshot, got %q", frame.Type)
	}
	if frame.Seq < 1 || len(frame.Positions) != 1 {
		t.Fatalf("snapshot frame mismatch: seq=%d positions=%d", frame.Seq, len(frame.Positions))
	}
	if frame.Positions[0].ContractSymbol != "BTCUSDT" {
		t.Fatalf("snapshot symbol: got %q", frame.Positions[0].ContractSymbol)
	}

	stream.messages <- wireRecord("ethusdt", "1")
	evt := readFrame(t, conn)
	if evt.Type != string(position.EventOpened) {
		t.Fatalf("event type: got %q", evt.Type)
	}
	if evt.Position == nil || evt.Position.ContractSymbol != "ETHUSDT" {
		t.Fatalf("event position mismatch: %+v", evt.Position)
	}
	if evt.Seq <= frame.Seq {
		t.Fatalf("event seq %d must advance past snapshot seq %d", evt.Seq, frame.Seq)
	}
}

func TestPositionStreamAppliesFilter(t *testing.T) {
	svc, stream, srv := newSyncFixture(t)
	if !svc.Start(context.Background()) {
		t.Fatal("start failed")
	}

	stream.messages <- wireRecord("btcusdt", "2")
	stream.messages <- wireRecord("ethusdt", "1")
	httpWaitUntil(t, "both updates applied", func() bool { return svc.CurrentSequence() >= 2 })

	conn := dialStream(t, srv, "symbols=ETHUSDT")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	frame := readFrame(t, conn)
	if frame.Type != "snapshot" || len(frame.Positions) != 1 {
		t.Fatalf("filtered snapshot mismatch: type=%q positions=%d", frame.Type, len(frame.Positions))
	}
	if frame.Positions[0].ContractSymbol != "ETHUSDT" {
		t.Fatalf("filtered snapshot symbol: got %q", frame.Positions[0].ContractSymbol)
	}

	// The BTC update must be filtered out; the next frame this subscriber
	// sees is the later ETH update.
	stream.messages <- wireRecord("btcusdt", "3")
	stream.messages <- wireRecord("ethusdt", "4")

	evt := readFrame(t, conn)
	if evt.Position == nil || evt.Position.ContractSymbol != "ETHUSDT" {
		t.Fatalf("filter leaked a foreign symbol: %+v", evt.Position)
	}
	if evt.Type != string(position.EventQuantityChanged) {
		t.Fatalf("event type: got %q", evt.Type)
	}
}

func TestPositionStreamRejectsNonGet(t *testing.T) {
	_, _, srv := newSyncFixture(t)
	resp := doRequest(t, http.MethodPost, srv.URL+positionStreamPath, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /ws/positions: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
