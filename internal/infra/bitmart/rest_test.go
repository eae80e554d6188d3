package bitmart

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pivox/tradingV3/errs"
)

func newTestRestClient(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRestClient(srv.URL, "key-123", NewSigner("secret", "memo"))
}

func TestFetchPositionsSendsSignedHeaders(t *testing.T) {
	var gotPath, gotKey, gotTS, gotSign string
	client := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-BM-KEY")
		gotTS = r.Header.Get("X-BM-TIMESTAMP")
		gotSign = r.Header.Get("X-BM-SIGN")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":1000,"message":"Ok","data":[{"symbol":"BTCUSDT"}]}`))
	})

	payload, err := client.FetchPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/contract/private/position-v2" {
		t.Fatalf("path: got %q", gotPath)
	}
	if gotKey != "key-123" {
		t.Fatalf("X-BM-KEY: got %q", gotKey)
	}
	if gotTS == "" || gotSign == "" {
		t.Fatalf("missing auth headers: ts=%q sign=%q", gotTS, gotSign)
	}
	wantSign := NewSigner("secret", "memo").Sign(gotTS, "GET\n/contract/private/position-v2\n")
	if gotSign != wantSign {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", gotSign, wantSign)
	}
	data, ok := payload["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("payload data not preserved: %v", payload)
	}
}

func TestFetchPositionsVenueErrorCodeIsProtocol(t *testing.T) {
	client := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":30000,"message":"signature invalid"}`))
	})

	_, err := client.FetchPositions(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errs.KindOf(err); kind != errs.KindProtocol {
		t.Fatalf("expected protocol kind, got %s (%v)", kind, err)
	}
}

func TestFetchPositionsHTTPErrorIsTransient(t *testing.T) {
	client := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := client.FetchPositions(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errs.KindOf(err); kind != errs.KindTransient {
		t.Fatalf("expected transient kind, got %s (%v)", kind, err)
	}
}

func TestFetchPositionsUndecodableBodyIsProtocol(t *testing.T) {
	client := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := client.FetchPositions(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := errs.KindOf(err); kind != errs.KindProtocol {
		t.Fatalf("expected protocol kind, got %s (%v)", kind, err)
	}
}
