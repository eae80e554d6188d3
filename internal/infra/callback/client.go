// Package callback performs the outbound HTTP delivery of queued dispatch
// envelopes. Delivery is best-effort and at-most-once: every outcome is
// reported as a Result, never as a panic or a retry loop.
package callback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// StatusOK marks a 2xx delivery.
	StatusOK = "ok"
	// StatusError marks everything else: bad input, transport failure, or a
	// non-2xx response.
	StatusError = "error"

	dispatchTimeout = 10 * time.Second

	// bodyLimit caps how much of the callback response is retained.
	bodyLimit = 4 << 10
)

// Result describes one dispatch attempt.
type Result struct {
	Status      string `json:"status"`
	Code        int    `json:"code,omitempty"`
	Body        string `json:"body,omitempty"`
	Message     string `json:"message,omitempty"`
	CallbackURL string `json:"callback_url"`
}

// OK reports whether the callback was delivered with a 2xx response.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Payload is the resolved envelope content this package delivers. It mirrors
// envelope.Payload without importing it, keeping the dependency pointing from
// the dispatcher down to this activity.
type Payload struct {
	URLCallback string
	BaseURL     string
	Method      string
	Encoding    string
	Params      map[string]any
}

// Client delivers callbacks. The zero value is usable; a fresh http.Client is
// built per call so one slow endpoint never starves another through shared
// connection state.
type Client struct{}

// NewClient returns a dispatch client.
func NewClient() *Client {
	return &Client{}
}

// Dispatch delivers one callback and reports the outcome. GET requests carry
// params as query values; every other method sends them as a compact JSON
// body.
func (c *Client) Dispatch(ctx context.Context, p Payload) Result {
	target := resolveURL(p.BaseURL, p.URLCallback)
	if target == "" {
		return Result{Status: StatusError, Message: "missing callback url"}
	}

	req, err := buildRequest(ctx, p, target)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error(), CallbackURL: target}
	}

	client := &http.Client{Timeout: dispatchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error(), CallbackURL: target}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	result := Result{
		Code:        resp.StatusCode,
		Body:        string(body),
		CallbackURL: target,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusOK
	} else {
		result.Status = StatusError
		result.Message = resp.Status
	}
	return result
}

func buildRequest(ctx context.Context, p Payload, target string) (*http.Request, error) {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}

	if method == http.MethodGet {
		if len(p.Params) > 0 {
			query := url.Values{}
			for key, value := range p.Params {
				query.Set(key, fmt.Sprint(value))
			}
			separator := "?"
			if strings.Contains(target, "?") {
				separator = "&"
			}
			target += separator + query.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}

	body, err := json.Marshal(p.Params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// resolveURL joins a relative callback onto its base. An absolute callback
// wins outright; an empty callback is an error regardless of base.
func resolveURL(base, cb string) string {
	if cb == "" {
		return ""
	}
	if strings.HasPrefix(cb, "http://") || strings.HasPrefix(cb, "https://") {
		return cb
	}
	if base == "" {
		return cb
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(cb, "/")
}
