package bitmart

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/pivox/tradingV3/errs"
)

const (
	positionsPath = "/contract/private/position-v2"

	restTimeout = 10 * time.Second

	// successCode is the only API-level code treated as success.
	successCode = 1000

	// Private futures endpoints allow a handful of requests per second; a
	// burst of one keeps snapshot polling strictly paced.
	restRequestsPerSecond = 5

	errorBodyLimit = 4 << 10
)

// RestClient calls bitmart's private futures REST API.
type RestClient struct {
	baseURL string
	apiKey  string
	signer  *Signer
	client  *http.Client
	limiter *rate.Limiter
}

// NewRestClient builds a REST client for the given API host.
func NewRestClient(baseURL, apiKey string, signer *Signer) *RestClient {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &RestClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		signer:  signer,
		client:  &http.Client{Timeout: restTimeout},
		limiter: rate.NewLimiter(rate.Limit(restRequestsPerSecond), 1),
	}
}

// FetchPositions retrieves the current position snapshot. The full decoded
// response payload is returned so callers can run the usual update-extraction
// path over it.
func (c *RestClient) FetchPositions(ctx context.Context) (map[string]any, error) {
	const op = "bitmart.rest.fetch_positions"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(op, errs.KindTransient,
			errs.WithMessage("rate limit wait interrupted"),
			errs.WithCause(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+positionsPath, nil)
	if err != nil {
		return nil, errs.New(op, errs.KindTransient,
			errs.WithMessage("build snapshot request"),
			errs.WithCause(err))
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BM-KEY", c.apiKey)
	req.Header.Set("X-BM-TIMESTAMP", ts)
	req.Header.Set("X-BM-SIGN", c.signer.Sign(ts, signaturePayload(http.MethodGet, positionsPath, "", "")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(op, errs.KindTransient,
			errs.WithMessage("snapshot request failed"),
			errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, errs.New(op, errs.KindTransient,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("snapshot request rejected"),
			errs.WithRawMessage(string(snippet)))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.New(op, errs.KindProtocol,
			errs.WithMessage("undecodable snapshot response"),
			errs.WithCause(err))
	}

	code, ok := apiCode(payload["code"])
	if !ok || code != successCode {
		return nil, errs.New(op, errs.KindProtocol,
			errs.WithMessage("snapshot rejected by venue"),
			errs.WithRawCode(coerceCodeString(payload["code"])),
			errs.WithRawMessage(coerceCodeString(payload["message"])))
	}
	return payload, nil
}

// signaturePayload builds the canonical REST signing string
// "<METHOD>\n<path>[?query]\n<body>".
func signaturePayload(method, path, query, body string) string {
	target := path
	if query != "" {
		target += "?" + query
	}
	return method + "\n" + target + "\n" + body
}

func apiCode(v any) (int64, bool) {
	switch tv := v.(type) {
	case float64:
		return int64(tv), true
	case int64:
		return tv, true
	case int:
		return int64(tv), true
	case json.Number:
		n, err := tv.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(tv, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func coerceCodeString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatInt(int64(tv), 10)
	case json.Number:
		return tv.String()
	default:
		return ""
	}
}
