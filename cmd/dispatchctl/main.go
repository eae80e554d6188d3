// Command dispatchctl provides an interactive shell for the dispatch
// daemon's control API: enqueue kline callbacks, inspect the queue, and
// request a drain-and-close.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultDispatcherAddr = "http://localhost:8082"
	defaultCallbackBase   = "http://localhost:8000"
	klineCallbackPath     = "/api/callback/bitmart/get-kline"
	defaultKlineLimit     = 270
	requestTimeout        = 10 * time.Second
)

// timeframeBuckets routes an on-demand kline fetch to the bucket that the
// worker drains for that timeframe. Unknown timeframes fall back to regular.
var timeframeBuckets = map[string]string{
	"4h":  "4h",
	"1h":  "1h",
	"15m": "15m",
	"5m":  "5m",
	"1m":  "1m",
}

func main() {
	addr := flag.String("addr", envOr("DISPATCHER_ADDR", defaultDispatcherAddr), "Dispatcher control API base URL")
	callbackBase := flag.String("callback-base", envOr("CALLBACK_BASE_URL", defaultCallbackBase), "Base URL the generated callbacks point at")
	flag.Parse()

	client := &controlClient{
		baseURL: strings.TrimRight(*addr, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
	}

	ctx := context.Background()
	size, err := client.queueSize(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach dispatcher at %s: %v\n", client.baseURL, err)
		os.Exit(1)
	}
	fmt.Printf("connected to dispatcher at %s (queue size %d)\n", client.baseURL, size)

	runMenu(ctx, bufio.NewScanner(os.Stdin), client, strings.TrimRight(*callbackBase, "/"))
}

func runMenu(ctx context.Context, in *bufio.Scanner, client *controlClient, callbackBase string) {
	for {
		fmt.Println()
		fmt.Println("Menu:")
		fmt.Println("  1. Enqueue a get-kline callback")
		fmt.Println("  2. Show queue size")
		fmt.Println("  3. Close the worker")
		fmt.Println("  4. Quit")
		choice, ok := readLine(in, "\nChoice (1-4): ")
		if !ok {
			return
		}

		switch choice {
		case "1":
			enqueueKline(ctx, in, client, callbackBase)
		case "2":
			size, err := client.queueSize(ctx)
			if err != nil {
				fmt.Printf("queue size unavailable: %v\n", err)
				continue
			}
			fmt.Printf("queue size: %d request(s)\n", size)
		case "3":
			confirm, ok := readLine(in, "Close the worker once drained? (y/N): ")
			if !ok {
				return
			}
			if strings.ToLower(confirm) != "y" {
				continue
			}
			if err := client.closeWorker(ctx); err != nil {
				fmt.Printf("close failed: %v\n", err)
				continue
			}
			fmt.Println("close requested; the worker exits after draining its queues")
			return
		case "4":
			fmt.Println("bye")
			return
		default:
			fmt.Println("invalid choice")
		}
	}
}

// enqueueKline prompts for one kline fetch and submits it as a single-item
// bucket map keyed by the timeframe's bucket.
func enqueueKline(ctx context.Context, in *bufio.Scanner, client *controlClient, callbackBase string) {
	symbol, ok := readLine(in, "Contract symbol (e.g. BTCUSDT): ")
	if !ok || symbol == "" {
		fmt.Println("symbol is required")
		return
	}
	symbol = strings.ToUpper(symbol)

	timeframe, ok := readLine(in, "Timeframe (4h/1h/15m/5m/1m) [5m]: ")
	if !ok {
		return
	}
	timeframe = strings.ToLower(timeframe)
	if timeframe == "" {
		timeframe = "5m"
	}

	limit := defaultKlineLimit
	if raw, ok := readLine(in, fmt.Sprintf("Limit (candles) [%d]: ", defaultKlineLimit)); ok && raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fmt.Printf("invalid limit %q, using %d\n", raw, defaultKlineLimit)
		} else {
			limit = parsed
		}
	}

	bucketLabel, found := timeframeBuckets[timeframe]
	if !found {
		bucketLabel = "regular"
	}

	item := map[string]any{
		"url_callback": klineCallbackPath,
		"base_url":     callbackBase,
		"method":       "POST",
		"encoding":     "json",
		"params": map[string]any{
			"symbol":    symbol,
			"timeframe": timeframe,
			"limit":     limit,
		},
	}

	if err := client.submit(ctx, map[string][]map[string]any{bucketLabel: {item}}); err != nil {
		fmt.Printf("submit failed: %v\n", err)
		return
	}
	fmt.Printf("submitted 1 request to bucket %q\n", bucketLabel)
}

func readLine(in *bufio.Scanner, prompt string) (string, bool) {
	fmt.Print(prompt)
	if !in.Scan() {
		fmt.Println()
		return "", false
	}
	return strings.TrimSpace(in.Text()), true
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type controlClient struct {
	baseURL string
	httpc   *http.Client
}

func (c *controlClient) submit(ctx context.Context, bucketMap map[string][]map[string]any) error {
	return c.do(ctx, http.MethodPost, "/signals/submit", bucketMap, nil)
}

func (c *controlClient) queueSize(ctx context.Context) (int, error) {
	var out struct {
		Size int `json:"size"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue/size", nil, &out); err != nil {
		return 0, err
	}
	return out.Size, nil
}

func (c *controlClient) closeWorker(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/signals/close", nil, nil)
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var failure struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, failure.Error)
		}
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
