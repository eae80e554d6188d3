package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pivox/tradingV3/internal/app/dispatcher"
	"github.com/pivox/tradingV3/internal/bucket"
	"github.com/pivox/tradingV3/internal/infra/callback"
)

type stubActivity struct {
	mu    sync.Mutex
	calls []string
}

func (a *stubActivity) Dispatch(_ context.Context, payload callback.Payload) callback.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, _ := payload.Params["id"].(string)
	a.calls = append(a.calls, id)
	return callback.Result{Status: callback.StatusOK, Code: http.StatusOK, CallbackURL: payload.URLCallback}
}

func (a *stubActivity) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newDispatchFixture(t *testing.T) (*stubActivity, *httptest.Server) {
	t.Helper()
	activity := &stubActivity{}
	worker := dispatcher.New(dispatcher.Config{
		WorkerID:   "http-test",
		Tick:       time.Millisecond,
		MinSpacing: 3 * time.Millisecond,
	}, activity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	srv := httptest.NewServer(NewDispatchHandler(worker))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return activity, srv
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func submitItem(id string) map[string]any {
	return map[string]any{
		"url_callback": "http://callbacks.local/hook",
		"params":       map[string]any{"id": id},
	}
}

func TestSubmitEnqueuesAndDispatches(t *testing.T) {
	activity, srv := newDispatchFixture(t)

	body := jsonBody(t, map[string]any{"regular": []any{submitItem("a")}})
	resp := doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: got %d", resp.StatusCode)
	}
	var result map[string]string
	decodeBody(t, resp, &result)
	if result["status"] != "accepted" {
		t.Fatalf("submit response: %v", result)
	}

	httpWaitUntil(t, "item dispatched", func() bool { return activity.count() == 1 })
}

func TestSubmitRejectsBadInput(t *testing.T) {
	_, srv := newDispatchFixture(t)

	body := jsonBody(t, map[string]any{"bogus": []any{submitItem("a")}})
	resp := doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown bucket: got %d", resp.StatusCode)
	}
	var result map[string]string
	decodeBody(t, resp, &result)
	if result["status"] != "error" || result["error"] == "" {
		t.Fatalf("error envelope: %v", result)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, strings.NewReader("not json"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, strings.NewReader("{}"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty bucket map: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestPauseResumeFlow(t *testing.T) {
	activity, srv := newDispatchFixture(t)

	resp := doRequest(t, http.MethodPost, srv.URL+signalPausePath, jsonBody(t, map[string]any{"buckets": []string{"regular"}}))
	var result map[string]any
	decodeBody(t, resp, &result)
	if result["status"] != "paused" {
		t.Fatalf("pause response: %v", result)
	}

	body := jsonBody(t, map[string]any{"regular": []any{submitItem("a"), submitItem("b")}})
	resp = doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit while paused: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	var size map[string]int
	resp = doRequest(t, http.MethodGet, srv.URL+queueSizePath, nil)
	decodeBody(t, resp, &size)
	if size["size"] != 2 {
		t.Fatalf("queue size while paused: got %d", size["size"])
	}

	var stats dispatcher.Stats
	resp = doRequest(t, http.MethodGet, srv.URL+statsPath, nil)
	decodeBody(t, resp, &stats)
	if len(stats.Paused) != 1 || stats.Paused[0] != "regular" {
		t.Fatalf("stats paused: %v", stats.Paused)
	}
	if stats.PerBucket["regular"] != 2 {
		t.Fatalf("stats per_bucket: %v", stats.PerBucket)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+signalResumePath, jsonBody(t, map[string]any{"buckets": []string{"regular"}}))
	decodeBody(t, resp, &result)
	if result["status"] != "resumed" {
		t.Fatalf("resume response: %v", result)
	}

	httpWaitUntil(t, "paused items dispatched", func() bool { return activity.count() == 2 })

	resp = doRequest(t, http.MethodPost, srv.URL+signalPausePath, jsonBody(t, map[string]any{"buckets": []string{}}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty pause list: got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestPriorityOrderEndpoint(t *testing.T) {
	_, srv := newDispatchFixture(t)

	labels := bucket.Default().Labels()
	reordered := make([]string, 0, len(labels))
	reordered = append(reordered, "regular")
	for _, label := range labels {
		if label != "regular" {
			reordered = append(reordered, label)
		}
	}

	resp := doRequest(t, http.MethodPut, srv.URL+priorityOrderPath, jsonBody(t, map[string]any{"order": reordered}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reorder: got %d", resp.StatusCode)
	}
	var result map[string]string
	decodeBody(t, resp, &result)
	if result["status"] != "ok" {
		t.Fatalf("reorder response: %v", result)
	}

	resp = doRequest(t, http.MethodPut, srv.URL+priorityOrderPath, jsonBody(t, map[string]any{"order": []string{"regular"}}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("partial order: got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &result)
	if result["status"] != "error" {
		t.Fatalf("partial order envelope: %v", result)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+priorityOrderPath, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST priority order: got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPut {
		t.Fatalf("Allow header: got %q", allow)
	}
	_ = resp.Body.Close()
}

func TestStatsReportsFullBucketTable(t *testing.T) {
	_, srv := newDispatchFixture(t)

	var stats dispatcher.Stats
	resp := doRequest(t, http.MethodGet, srv.URL+statsPath, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &stats)

	if len(stats.PerBucket) != bucket.Default().Len() {
		t.Fatalf("per_bucket entries: got %d", len(stats.PerBucket))
	}
	if len(stats.ActiveOrder) == 0 || stats.ActiveOrder[0] != "position_prior" {
		t.Fatalf("active order: %v", stats.ActiveOrder)
	}
	if stats.ProcessedInRun != 0 {
		t.Fatalf("fresh run processed count: got %d", stats.ProcessedInRun)
	}
}

func TestCloseTransitionsToStopped(t *testing.T) {
	_, srv := newDispatchFixture(t)

	resp := doRequest(t, http.MethodPost, srv.URL+signalClosePath, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close: got %d", resp.StatusCode)
	}
	var result map[string]string
	decodeBody(t, resp, &result)
	if result["status"] != "closing" {
		t.Fatalf("close response: %v", result)
	}

	httpWaitUntil(t, "worker to stop", func() bool {
		resp := doRequest(t, http.MethodGet, srv.URL+queueSizePath, nil)
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusServiceUnavailable
	})

	body := jsonBody(t, map[string]any{"regular": []any{submitItem("late")}})
	resp = doRequest(t, http.MethodPost, srv.URL+signalSubmitPath, body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit after stop: got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &result)
	if result["status"] != "error" {
		t.Fatalf("stopped envelope: %v", result)
	}
}

func TestSubmitMethodGuard(t *testing.T) {
	_, srv := newDispatchFixture(t)
	resp := doRequest(t, http.MethodGet, srv.URL+signalSubmitPath, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /signals/submit: got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header: got %q", allow)
	}
	_ = resp.Body.Close()
}
