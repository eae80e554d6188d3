package bitmart

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/pivox/tradingV3/errs"
	"github.com/pivox/tradingV3/internal/observability"
)

const (
	wsReconnectFloor   = 5 * time.Second
	wsReconnectCeiling = 60 * time.Second

	// pingFloor keeps the keepalive cadence sane even when config asks for
	// something aggressive.
	pingFloor = 10 * time.Second

	// idleFloor bounds how long a silent connection is tolerated before a
	// forced reconnect; the effective timeout is max(2×ping, idleFloor).
	idleFloor = 30 * time.Second

	wsWriteTimeout = 5 * time.Second
)

// WSConfig configures the authenticated futures stream.
type WSConfig struct {
	URL          string
	APIKey       string
	LoginPayload string
	Channels     []string
	PingInterval time.Duration
}

// WSClient maintains one logical subscription to bitmart's private websocket,
// reconnecting with exponential backoff and replaying the channel set after
// every connect.
type WSClient struct {
	cfg    WSConfig
	signer *Signer

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}

	reconnects otelmetric.Int64Counter
}

type wsFrame struct {
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type loginArgs struct {
	APIKey    string `json:"apiKey"`
	Timestamp string `json:"timestamp"`
	Sign      string `json:"sign"`
	Memo      string `json:"memo"`
}

// NewWSClient builds a websocket client; the initial channel set comes from
// cfg.Channels and can be changed at runtime via Subscribe/Unsubscribe.
func NewWSClient(cfg WSConfig, signer *Signer) *WSClient {
	if cfg.LoginPayload == "" {
		cfg.LoginPayload = DefaultLoginPayload
	}
	c := &WSClient{
		cfg:      cfg,
		signer:   signer,
		channels: make(map[string]struct{}, len(cfg.Channels)),
	}
	for _, channel := range cfg.Channels {
		if channel = strings.TrimSpace(channel); channel != "" {
			c.channels[channel] = struct{}{}
		}
	}
	meter := otel.Meter("positionsync")
	if counter, err := meter.Int64Counter("possync.ws.reconnects",
		otelmetric.WithDescription("Websocket reconnect attempts")); err == nil {
		c.reconnects = counter
	}
	return c
}

// Listen connects and delivers every decoded data frame to handler until ctx
// is canceled. Connection loss, login failure, and idle timeouts reconnect
// with backoff growing 5s to 60s; the delay resets once a session
// authenticates. handler runs on the read goroutine and must not block.
func (c *WSClient) Listen(ctx context.Context, handler func(map[string]any)) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = wsReconnectFloor
	policy.MaxInterval = wsReconnectCeiling
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.runSession(ctx, policy, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.reconnects != nil {
			c.reconnects.Add(ctx, 1)
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = wsReconnectCeiling
		}
		observability.Log().Warn("websocket session ended, reconnecting",
			observability.Field{Key: "error", Value: err},
			observability.Field{Key: "retry_in", Value: sleep.String()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *WSClient) runSession(ctx context.Context, policy *backoff.ExponentialBackOff, handler func(map[string]any)) error {
	const op = "bitmart.ws.session"

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return errs.New(op, errs.KindTransient,
			errs.WithMessage("dial failed"),
			errs.WithCause(err))
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "session ended") }()

	if err := c.login(ctx, conn); err != nil {
		return err
	}
	c.setConn(conn)
	defer c.setConn(nil)

	if err := c.replaySubscriptions(ctx, conn); err != nil {
		return err
	}
	policy.Reset()
	observability.Log().Info("websocket connected",
		observability.Field{Key: "url", Value: c.cfg.URL},
		observability.Field{Key: "channels", Value: c.Channels()})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(sessionCtx, conn)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()

	idle := c.idleTimeout()
	for {
		readCtx, cancelRead := context.WithTimeout(ctx, idle)
		_, data, err := conn.Read(readCtx)
		cancelRead()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return errs.New(op, errs.KindTransient,
					errs.WithMessage("no frames within idle window, forcing reconnect"))
			}
			return errs.New(op, errs.KindTransient,
				errs.WithMessage("read failed"),
				errs.WithCause(err))
		}
		if msg, ok := decodeFrame(data); ok {
			handler(msg)
		}
	}
}

// login authenticates the session. Connections without credentials stay
// anonymous, which bitmart permits for public channels.
func (c *WSClient) login(ctx context.Context, conn *websocket.Conn) error {
	const op = "bitmart.ws.login"
	if c.cfg.APIKey == "" || c.signer == nil {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	frame := wsFrame{Op: "login", Args: loginArgs{
		APIKey:    c.cfg.APIKey,
		Timestamp: ts,
		Sign:      c.signer.Sign(ts, c.cfg.LoginPayload),
		Memo:      c.signer.Memo(),
	}}
	if err := writeFrame(ctx, conn, frame); err != nil {
		return errs.New(op, errs.KindTransient,
			errs.WithMessage("login frame rejected"),
			errs.WithCause(err))
	}
	return nil
}

func (c *WSClient) replaySubscriptions(ctx context.Context, conn *websocket.Conn) error {
	channels := c.Channels()
	if len(channels) == 0 {
		return nil
	}
	if err := writeFrame(ctx, conn, wsFrame{Op: "subscribe", Args: channels}); err != nil {
		return errs.New("bitmart.ws.resubscribe", errs.KindTransient,
			errs.WithMessage("subscription replay failed"),
			errs.WithCause(err))
	}
	return nil
}

// Subscribe adds channel to the set and, when connected, sends the frame
// immediately. The set survives reconnects.
func (c *WSClient) Subscribe(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errs.BadInput("bitmart.ws.subscribe", "channel must not be empty")
	}
	c.mu.Lock()
	if _, exists := c.channels[channel]; exists {
		c.mu.Unlock()
		return nil
	}
	c.channels[channel] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return writeFrame(ctx, conn, wsFrame{Op: "subscribe", Args: []string{channel}})
}

// Unsubscribe removes channel from the set and notifies the venue when
// connected.
func (c *WSClient) Unsubscribe(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	c.mu.Lock()
	if _, exists := c.channels[channel]; !exists {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return writeFrame(ctx, conn, wsFrame{Op: "unsubscribe", Args: []string{channel}})
}

// Channels returns the current subscription set in stable order.
func (c *WSClient) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Close tears down the live connection, if any. Listen observes the closure
// as a read error and exits once its context is canceled.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client shutdown")
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(ctx, conn, wsFrame{Op: "ping"}); err != nil {
				observability.Log().Debug("ping write failed",
					observability.Field{Key: "error", Value: err})
				return
			}
		}
	}
}

func (c *WSClient) pingInterval() time.Duration {
	if c.cfg.PingInterval < pingFloor {
		return pingFloor
	}
	return c.cfg.PingInterval
}

func (c *WSClient) idleTimeout() time.Duration {
	idle := 2 * c.pingInterval()
	if idle < idleFloor {
		return idleFloor
	}
	return idle
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame wsFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// decodeFrame parses one inbound frame, dropping keepalive replies,
// subscription acks, and login acks so handlers only ever see data payloads.
func decodeFrame(data []byte) (map[string]any, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "pong" {
		return nil, false
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		observability.Log().Debug("discarding undecodable frame",
			observability.Field{Key: "error", Value: err})
		return nil, false
	}
	if event, ok := msg["event"].(string); ok {
		if event == "subscribe" || event == "login" {
			return nil, false
		}
	}
	return msg, true
}
