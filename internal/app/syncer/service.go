// Package syncer reconciles the push websocket feed with periodic REST
// snapshots into one authoritative in-memory position map, persists every
// mutation, and fans sequence-numbered events out to local subscribers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pivox/tradingV3/errs"
	"github.com/pivox/tradingV3/internal/infra/telemetry"
	"github.com/pivox/tradingV3/internal/observability"
	"github.com/pivox/tradingV3/internal/position"
)

const (
	pollFloor          = 30 * time.Second
	persistQueueSize   = 256
	persistTimeout     = 10 * time.Second
	defaultBaseChannel = "futures/position"
)

// StreamClient is the push half of the feed, satisfied by *bitmart.WSClient.
type StreamClient interface {
	Listen(ctx context.Context, handler func(map[string]any)) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Channels() []string
	Close() error
}

// SnapshotClient is the pull half, satisfied by *bitmart.RestClient.
type SnapshotClient interface {
	FetchPositions(ctx context.Context) (map[string]any, error)
}

// Config tunes the sync service.
type Config struct {
	// PollInterval is the REST reconciliation cadence, floored at 30s.
	PollInterval time.Duration
}

// Service owns the authoritative position map and its two feed loops.
type Service struct {
	ws    StreamClient
	rest  SnapshotClient
	store position.Store

	pollInterval time.Duration
	baseChannel  string
	exchange     string
	clock        func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *conc.WaitGroup

	stateMu sync.Mutex
	state   map[string]*position.Position
	seq     uint64

	loadMu sync.Mutex
	loaded bool

	hub       *hub
	persistCh chan *position.Position

	eventsPublished metric.Int64Counter
	forcedCloses    metric.Int64Counter
	persistErrors   metric.Int64Counter
}

// Option customizes service construction.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// New constructs the sync service around the stream and snapshot clients.
func New(cfg Config, stream StreamClient, snapshots SnapshotClient, store position.Store, opts ...Option) *Service {
	poll := cfg.PollInterval
	if poll < pollFloor {
		poll = pollFloor
	}
	s := &Service{
		ws:           stream,
		rest:         snapshots,
		store:        store,
		pollInterval: poll,
		baseChannel:  detectBaseChannel(stream.Channels()),
		exchange:     position.Exchange,
		clock:        time.Now,
		state:        make(map[string]*position.Position),
		persistCh:    make(chan *position.Position, persistQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("positionsync")
	s.eventsPublished, _ = meter.Int64Counter("possync.events.published",
		metric.WithDescription("Position events published to subscribers"),
		metric.WithUnit("{event}"))
	s.forcedCloses, _ = meter.Int64Counter("possync.forced_closes",
		metric.WithDescription("Positions force-closed after going missing from a snapshot"),
		metric.WithUnit("{position}"))
	s.persistErrors, _ = meter.Int64Counter("possync.persist.errors",
		metric.WithDescription("Position writes that failed or were shed"),
		metric.WithUnit("{write}"))
	subscriberGauge, _ := meter.Int64UpDownCounter("possync.subscribers",
		metric.WithDescription("Active realtime subscribers"),
		metric.WithUnit("{subscriber}"))
	dropped, _ := meter.Int64Counter("possync.delivery.dropped",
		metric.WithDescription("Events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	s.hub = newHub(subscriberGauge, dropped)

	return s
}

// Start launches the websocket consumer, the poll loop, and the persist
// worker. The loops detach from the caller's context so a control request
// cannot tear them down; Stop owns their lifetime. Reports false when
// already running.
func (s *Service) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.ensureStateLoaded(runCtx)
	s.wg = conc.NewWaitGroup()
	s.wg.Go(func() { s.consumeStream(runCtx) })
	s.wg.Go(func() { s.pollLoop(runCtx) })
	s.wg.Go(func() { s.persistLoop(runCtx) })
	s.running = true
	observability.Log().Info("position sync started",
		observability.Field{Key: "poll_interval", Value: s.pollInterval.String()},
		observability.Field{Key: "channels", Value: s.ws.Channels()},
	)
	return true
}

// Stop cancels the loops and closes the stream connection. Reports false
// when the service is not running.
func (s *Service) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cancel()
	if err := s.ws.Close(); err != nil {
		observability.Log().Warn("websocket close failed",
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
	s.wg.Wait()
	s.running = false
	observability.Log().Info("position sync stopped")
	return true
}

// Running reports whether the feed loops are active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops the loops and tears down every subscriber stream. Used on
// process exit, where subscribers must not linger on a dead feed.
func (s *Service) Shutdown() {
	s.Stop()
	s.hub.closeAll()
}

// Snapshot returns the filtered in-memory positions sorted by symbol then
// side. The initial REST load runs first if it has not happened yet.
func (s *Service) Snapshot(ctx context.Context, filter position.Filter) []*position.Position {
	s.ensureStateLoaded(ctx)
	s.stateMu.Lock()
	out := make([]*position.Position, 0, len(s.state))
	for _, rec := range s.state {
		if filter.MatchesPosition(rec) {
			out = append(out, rec)
		}
	}
	s.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractSymbol != out[j].ContractSymbol {
			return out[i].ContractSymbol < out[j].ContractSymbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// CurrentSequence returns the last allocated event sequence number.
func (s *Service) CurrentSequence() uint64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.seq
}

// Subscribe registers a filtered event stream. The initial load runs first
// so early subscribers observe a consistent baseline.
func (s *Service) Subscribe(ctx context.Context, filter position.Filter) *Subscription {
	s.ensureStateLoaded(ctx)
	return s.hub.subscribe(filter)
}

// Unsubscribe tears down the subscription and closes its channel.
func (s *Service) Unsubscribe(id string) {
	s.hub.unsubscribe(id)
}

// Subscribers reports the number of registered realtime subscribers.
func (s *Service) Subscribers() int {
	return s.hub.size()
}

// SubscribeSymbol adds the per-symbol channel to the websocket
// subscription set.
func (s *Service) SubscribeSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errs.BadInput("syncer.subscribe_symbol", "symbol required")
	}
	return s.ws.Subscribe(ctx, s.channelForSymbol(symbol))
}

// UnsubscribeSymbol removes the per-symbol channel from the websocket
// subscription set.
func (s *Service) UnsubscribeSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errs.BadInput("syncer.unsubscribe_symbol", "symbol required")
	}
	return s.ws.Unsubscribe(ctx, s.channelForSymbol(symbol))
}

// Channels lists the websocket channels currently subscribed.
func (s *Service) Channels() []string {
	return s.ws.Channels()
}

func (s *Service) consumeStream(ctx context.Context) {
	err := s.ws.Listen(ctx, func(message map[string]any) {
		for _, rec := range extractUpdates(message) {
			s.apply(ctx, rec, true)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.Log().Error("websocket consumer exited",
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	payload, err := s.rest.FetchPositions(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.Log().Warn("positions poll failed",
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
		return
	}
	s.applySnapshot(ctx, extractUpdates(payload))
}

// applySnapshot reconciles a full REST snapshot: every entry is applied,
// then any previously-active key absent from the snapshot is force-closed.
func (s *Service) applySnapshot(ctx context.Context, updates []*position.Position) {
	observed := make(map[string]struct{}, len(updates))
	for _, rec := range updates {
		observed[rec.Key()] = struct{}{}
	}
	for _, rec := range updates {
		s.apply(ctx, rec, true)
	}
	s.forceCloseMissing(ctx, observed, true)
}

// apply persists the record, swaps it into the state map, and publishes
// the resulting event while still holding the state lock so subscribers
// see sequence numbers in order.
func (s *Service) apply(ctx context.Context, rec *position.Position, notify bool) {
	s.enqueuePersist(ctx, rec)

	s.stateMu.Lock()
	key := rec.Key()
	previous := s.state[key]
	s.state[key] = rec
	if notify {
		if eventType, ok := position.DetermineEvent(previous, rec); ok {
			s.seq++
			evt := &position.Event{
				Type:      eventType,
				Seq:       s.seq,
				Position:  rec,
				Previous:  previous,
				Timestamp: s.clock().UTC(),
			}
			s.hub.publish(ctx, evt)
			if s.eventsPublished != nil {
				s.eventsPublished.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(
					telemetry.Environment(), string(eventType), rec.ContractSymbol, string(rec.Side))...))
			}
		}
	}
	s.stateMu.Unlock()
}

// forceCloseMissing closes every store-active position whose key is absent
// from the observed set.
func (s *Service) forceCloseMissing(ctx context.Context, observed map[string]struct{}, notify bool) {
	active, err := s.store.FetchActive(ctx, s.exchange)
	if err != nil {
		observability.Log().Error("active position fetch failed",
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	now := s.clock().UTC()
	for key, row := range active {
		if _, ok := observed[key]; ok {
			continue
		}
		forced := position.ForcedClose(row, now)
		s.apply(ctx, forced, notify)
		if s.forcedCloses != nil {
			s.forcedCloses.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(
				telemetry.Environment(), telemetry.EventTypeClosed, forced.ContractSymbol, string(forced.Side))...))
		}
		observability.Log().Info("position closed by snapshot reconciliation",
			observability.Field{Key: "symbol", Value: forced.ContractSymbol},
			observability.Field{Key: "side", Value: string(forced.Side)},
		)
	}
}

// ensureStateLoaded performs the one-time initial REST sync. The loaded
// flag is set even when the fetch fails so a flaky upstream cannot wedge
// every caller; the poll loop repairs the gap on its next pass.
func (s *Service) ensureStateLoaded(ctx context.Context) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return
	}
	defer func() { s.loaded = true }()

	payload, err := s.rest.FetchPositions(ctx)
	if err != nil {
		observability.Log().Warn("initial position sync failed",
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	updates := extractUpdates(payload)
	observed := make(map[string]struct{}, len(updates))
	for _, rec := range updates {
		s.apply(ctx, rec, false)
		observed[rec.Key()] = struct{}{}
	}
	s.forceCloseMissing(ctx, observed, false)
}

func (s *Service) enqueuePersist(ctx context.Context, rec *position.Position) {
	select {
	case s.persistCh <- rec:
	default:
		if s.persistErrors != nil {
			s.persistErrors.Add(ctx, 1, metric.WithAttributes(telemetry.ErrorAttributes(
				telemetry.Environment(), "queue_full", "persist queue saturated")...))
		}
		observability.Log().Warn("persist queue full, shedding write",
			observability.Field{Key: "symbol", Value: rec.ContractSymbol},
			observability.Field{Key: "side", Value: string(rec.Side)},
		)
	}
}

// persistLoop applies queued writes off the feed loops so a slow database
// never stalls reconciliation.
func (s *Service) persistLoop(ctx context.Context) {
	for {
		select {
		case rec := <-s.persistCh:
			s.persistOne(ctx, rec)
		case <-ctx.Done():
			// Flush whatever is already queued before exiting.
			for {
				select {
				case rec := <-s.persistCh:
					s.persistOne(ctx, rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persistOne(ctx context.Context, rec *position.Position) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.Upsert(opCtx, rec); err != nil {
		if s.persistErrors != nil {
			s.persistErrors.Add(opCtx, 1, metric.WithAttributes(telemetry.ErrorAttributes(
				telemetry.Environment(), "upsert_failed", "position upsert failed")...))
		}
		observability.Log().Error("position persist failed",
			observability.Field{Key: "symbol", Value: rec.ContractSymbol},
			observability.Field{Key: "side", Value: string(rec.Side)},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (s *Service) channelForSymbol(symbol string) string {
	return s.baseChannel + ":" + symbol
}

// detectBaseChannel picks the first channel without a symbol suffix; that
// is the feed-wide position channel new symbols attach to.
func detectBaseChannel(channels []string) string {
	for _, channel := range channels {
		if !strings.Contains(channel, ":") {
			return channel
		}
	}
	return defaultBaseChannel
}

// extractUpdates normalizes every position entry carried by a feed
// message, from either transport.
func extractUpdates(message map[string]any) []*position.Position {
	entries := extractData(message)
	updates := make([]*position.Position, 0, len(entries))
	for _, entry := range entries {
		if rec, ok := position.Normalize(entry); ok {
			updates = append(updates, rec)
		}
	}
	return updates
}

// extractData finds the position array inside a feed message: `data` when
// it is a list, then `data.positions`, then a top-level `positions`, then
// the message itself when it carries a symbol. Messages tagged with a
// non-position table are ignored.
func extractData(message map[string]any) []map[string]any {
	if len(message) == 0 {
		return nil
	}
	if table, ok := message["table"]; ok {
		if !strings.Contains(fmt.Sprint(table), "position") {
			return nil
		}
	}
	switch data := message["data"].(type) {
	case []any:
		return onlyMappings(data)
	case map[string]any:
		if list, ok := data["positions"].([]any); ok {
			return onlyMappings(list)
		}
	}
	if list, ok := message["positions"].([]any); ok {
		return onlyMappings(list)
	}
	if nonEmpty(message["symbol"]) {
		return []map[string]any{message}
	}
	return nil
}

func onlyMappings(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
