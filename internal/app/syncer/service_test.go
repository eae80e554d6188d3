package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivox/tradingV3/errs"
	"github.com/pivox/tradingV3/internal/position"
)

type fakeStream struct {
	mu           sync.Mutex
	channels     []string
	subscribes   []string
	unsubscribes []string
	messages     chan map[string]any
}

func newFakeStream(channels ...string) *fakeStream {
	return &fakeStream{channels: channels, messages: make(chan map[string]any, 16)}
}

func (f *fakeStream) Listen(ctx context.Context, handler func(map[string]any)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-f.messages:
			handler(msg)
		}
	}
}

func (f *fakeStream) Subscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, channel)
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, channel)
	return nil
}

func (f *fakeStream) Channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.channels))
	copy(out, f.channels)
	return out
}

func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribes))
	copy(out, f.subscribes)
	return out
}

type fakeSnapshot struct {
	mu      sync.Mutex
	payload map[string]any
	err     error
	calls   int
}

func (f *fakeSnapshot) FetchPositions(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeSnapshot) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryStore struct {
	mu        sync.Mutex
	active    map[string]*position.Position
	upserts   []*position.Position
	failFetch bool
}

func (m *memoryStore) Upsert(_ context.Context, p *position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, p)
	return nil
}

func (m *memoryStore) FetchActive(context.Context, string) (map[string]*position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFetch {
		return nil, errors.New("db down")
	}
	out := make(map[string]*position.Position, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserts)
}

func emptyPayload() map[string]any {
	return map[string]any{"data": []any{}}
}

func newTestService(snapshots *fakeSnapshot, store *memoryStore) (*Service, *fakeStream) {
	stream := newFakeStream("futures/position")
	svc := New(Config{}, stream, snapshots, store)
	return svc, stream
}

func openRecord(symbol string, side position.Side, qty string) *position.Position {
	q := decimal.RequireFromString(qty)
	entry := decimal.RequireFromString("100")
	return &position.Position{
		ContractSymbol: symbol,
		Side:           side,
		Status:         position.StatusOpen,
		Exchange:       position.Exchange,
		AmountUsdt:     q.Mul(entry),
		EntryPrice:     &entry,
		QtyContract:    &q,
		TimeInForce:    "GTC",
		LastSyncAt:     time.Now().UTC(),
		Meta:           map[string]any{},
	}
}

func recvEvent(t *testing.T, sub *Subscription) *position.Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestApplyAllocatesSequencedEvents(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "2"), true)
	evt := recvEvent(t, sub)
	if evt.Type != position.EventOpened || evt.Seq != 1 {
		t.Fatalf("expected opened seq 1, got %s seq %d", evt.Type, evt.Seq)
	}
	if evt.Previous != nil {
		t.Fatalf("first observation must carry no previous, got %+v", evt.Previous)
	}

	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "3"), true)
	evt = recvEvent(t, sub)
	if evt.Type != position.EventQuantityChanged || evt.Seq != 2 {
		t.Fatalf("expected quantity_changed seq 2, got %s seq %d", evt.Type, evt.Seq)
	}
	if evt.Previous == nil || !evt.Previous.QtyContract.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("previous record not carried: %+v", evt.Previous)
	}

	// Same record again: no tracked field changed, no event.
	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "3"), true)
	select {
	case evt := <-sub.Events():
		t.Fatalf("no event expected for an unchanged record, got %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	if got := svc.CurrentSequence(); got != 2 {
		t.Fatalf("expected sequence 2, got %d", got)
	}
}

func TestApplyWithoutNotifySkipsSequence(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "2"), false)

	select {
	case evt := <-sub.Events():
		t.Fatalf("silent apply must not publish, got %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
	if got := svc.CurrentSequence(); got != 0 {
		t.Fatalf("silent apply must not consume sequence numbers, got %d", got)
	}
}

func TestSnapshotReconciliationForceClosesMissing(t *testing.T) {
	eth := openRecord("ETHUSDT", position.SideShort, "2")
	store := &memoryStore{active: map[string]*position.Position{
		"BTCUSDT::LONG":  openRecord("BTCUSDT", position.SideLong, "1"),
		"ETHUSDT::SHORT": eth,
	}}
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	svc.store = store
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	// Fresh snapshot contains BTC only; ETH must be force-closed.
	svc.applySnapshot(ctx, []*position.Position{openRecord("BTCUSDT", position.SideLong, "1")})

	first := recvEvent(t, sub)
	if first.Type != position.EventOpened || first.Position.ContractSymbol != "BTCUSDT" {
		t.Fatalf("expected BTC opened first, got %s %s", first.Type, first.Position.ContractSymbol)
	}
	second := recvEvent(t, sub)
	if second.Type != position.EventClosed || second.Position.ContractSymbol != "ETHUSDT" {
		t.Fatalf("expected ETH closed, got %s %s", second.Type, second.Position.ContractSymbol)
	}
	closed := second.Position
	if closed.QtyContract == nil || !closed.QtyContract.IsZero() {
		t.Fatalf("forced close must zero the quantity: %+v", closed.QtyContract)
	}
	if !closed.AmountUsdt.IsZero() {
		t.Fatalf("forced close must zero the amount: %s", closed.AmountUsdt)
	}
	if closed.Status != position.StatusClosed || closed.ClosedAt == nil {
		t.Fatalf("forced close must mark the record closed: %+v", closed)
	}
	if closed.Meta["sync_status"] != "closed_by_snapshot" {
		t.Fatalf("forced close must carry the snapshot marker: %v", closed.Meta)
	}

	// The source record owned by the store must stay untouched.
	if eth.Status != position.StatusOpen {
		t.Fatalf("reconciliation mutated the fetched row: %+v", eth)
	}
}

func TestForceCloseSkipsWhenFetchFails(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{failFetch: true})
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	svc.applySnapshot(ctx, nil)

	select {
	case evt := <-sub.Events():
		t.Fatalf("no event expected when the active fetch fails, got %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequenceStaysMonotonicAcrossSources(t *testing.T) {
	store := &memoryStore{active: map[string]*position.Position{
		"ETHUSDT::SHORT": openRecord("ETHUSDT", position.SideShort, "2"),
	}}
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	svc.store = store
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	// Stream update, then a snapshot pass that bumps it and closes ETH.
	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "1"), true)
	svc.applySnapshot(ctx, []*position.Position{openRecord("BTCUSDT", position.SideLong, "2")})

	wantTypes := []position.EventType{position.EventOpened, position.EventQuantityChanged, position.EventClosed}
	for i, want := range wantTypes {
		evt := recvEvent(t, sub)
		if evt.Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, evt.Type)
		}
		if evt.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, evt.Seq)
		}
	}
}

func TestSnapshotViewIsFilteredAndSorted(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	ctx := context.Background()

	svc.apply(ctx, openRecord("ETHUSDT", position.SideLong, "1"), false)
	svc.apply(ctx, openRecord("BTCUSDT", position.SideShort, "1"), false)
	svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, "1"), false)

	all := svc.Snapshot(ctx, position.Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(all))
	}
	wantKeys := []string{"BTCUSDT::LONG", "BTCUSDT::SHORT", "ETHUSDT::LONG"}
	for i, want := range wantKeys {
		if all[i].Key() != want {
			t.Fatalf("snapshot order: expected %s at %d, got %s", want, i, all[i].Key())
		}
	}

	btc := svc.Snapshot(ctx, position.NewFilter([]string{"btcusdt"}, nil, nil, ""))
	if len(btc) != 2 {
		t.Fatalf("expected 2 BTC positions, got %d", len(btc))
	}
	for _, rec := range btc {
		if rec.ContractSymbol != "BTCUSDT" {
			t.Fatalf("filter leaked %s", rec.ContractSymbol)
		}
	}
}

func TestInitialSyncRunsExactlyOnce(t *testing.T) {
	snapshots := &fakeSnapshot{payload: emptyPayload()}
	svc, _ := newTestService(snapshots, &memoryStore{})
	ctx := context.Background()

	svc.Snapshot(ctx, position.Filter{})
	svc.Snapshot(ctx, position.Filter{})
	sub := svc.Subscribe(ctx, position.Filter{})
	svc.Unsubscribe(sub.ID)

	if got := snapshots.callCount(); got != 1 {
		t.Fatalf("initial sync must fetch exactly once, got %d calls", got)
	}
}

func TestInitialSyncFailureDoesNotWedgeCallers(t *testing.T) {
	snapshots := &fakeSnapshot{err: errors.New("upstream down")}
	svc, _ := newTestService(snapshots, &memoryStore{})
	ctx := context.Background()

	if got := svc.Snapshot(ctx, position.Filter{}); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %d", len(got))
	}
	svc.Snapshot(ctx, position.Filter{})
	if got := snapshots.callCount(); got != 1 {
		t.Fatalf("failed initial sync must not retry on every caller, got %d calls", got)
	}
}

func TestSubscriberOverflowDropsNewest(t *testing.T) {
	svc, _ := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	total := subscriberBuffer + 5
	for i := 0; i < total; i++ {
		svc.apply(ctx, openRecord("BTCUSDT", position.SideLong, decimal.NewFromInt(int64(i+1)).String()), true)
	}

	received := 0
	for {
		select {
		case evt := <-sub.Events():
			received++
			if evt.Seq != uint64(received) {
				t.Fatalf("expected the oldest events to survive, seq %d at position %d", evt.Seq, received)
			}
		default:
			if received != subscriberBuffer {
				t.Fatalf("expected exactly %d buffered events, got %d", subscriberBuffer, received)
			}
			if got := svc.CurrentSequence(); got != uint64(total) {
				t.Fatalf("sequence must advance past dropped deliveries, got %d", got)
			}
			return
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	snapshots := &fakeSnapshot{payload: emptyPayload()}
	store := &memoryStore{}
	svc, stream := newTestService(snapshots, store)
	ctx := context.Background()
	sub := svc.Subscribe(ctx, position.Filter{})
	defer svc.Unsubscribe(sub.ID)

	if !svc.Start(ctx) {
		t.Fatal("first start must succeed")
	}
	if svc.Start(ctx) {
		t.Fatal("second start must report already running")
	}
	if !svc.Running() {
		t.Fatal("service should be running")
	}

	stream.messages <- map[string]any{"data": []any{map[string]any{
		"symbol":      "btcusdt",
		"hold_side":   1,
		"size":        "2",
		"entry_price": "100",
	}}}

	evt := recvEvent(t, sub)
	if evt.Type != position.EventOpened || evt.Position.ContractSymbol != "BTCUSDT" {
		t.Fatalf("stream update not applied: %s %s", evt.Type, evt.Position.ContractSymbol)
	}
	waitUntil(t, "persisted write", func() bool { return store.upsertCount() >= 1 })

	if !svc.Stop() {
		t.Fatal("stop must succeed while running")
	}
	if svc.Stop() {
		t.Fatal("second stop must report not running")
	}
	if svc.Running() {
		t.Fatal("service should not be running after stop")
	}
}

func TestSubscribeSymbolTargetsBaseChannel(t *testing.T) {
	svc, stream := newTestService(&fakeSnapshot{payload: emptyPayload()}, &memoryStore{})
	ctx := context.Background()

	if err := svc.SubscribeSymbol(ctx, "  ethusdt  "); err != nil {
		t.Fatalf("subscribe symbol: %v", err)
	}
	subs := stream.subscribed()
	if len(subs) != 1 || subs[0] != "futures/position:ETHUSDT" {
		t.Fatalf("expected futures/position:ETHUSDT, got %v", subs)
	}

	if err := svc.SubscribeSymbol(ctx, "   "); !errs.IsBadInput(err) {
		t.Fatalf("blank symbol: expected BadInput, got %v", err)
	}

	if err := svc.UnsubscribeSymbol(ctx, "ethusdt"); err != nil {
		t.Fatalf("unsubscribe symbol: %v", err)
	}
}

func TestDetectBaseChannelSkipsSymbolSuffixes(t *testing.T) {
	if got := detectBaseChannel([]string{"futures/position:BTCUSDT", "futures/position"}); got != "futures/position" {
		t.Fatalf("expected plain channel, got %q", got)
	}
	if got := detectBaseChannel([]string{"futures/position:BTCUSDT"}); got != defaultBaseChannel {
		t.Fatalf("expected default channel, got %q", got)
	}
}

func TestExtractDataFindsPositionArrays(t *testing.T) {
	entry := map[string]any{"symbol": "BTCUSDT", "size": "1"}

	cases := []struct {
		name    string
		message map[string]any
		want    int
	}{
		{"data list", map[string]any{"data": []any{entry, "junk"}}, 1},
		{"nested positions", map[string]any{"data": map[string]any{"positions": []any{entry}}}, 1},
		{"top-level positions", map[string]any{"positions": []any{entry, entry}}, 2},
		{"bare record", map[string]any{"symbol": "BTCUSDT", "size": "3"}, 1},
		{"position table", map[string]any{"table": "futures/position", "data": []any{entry}}, 1},
		{"foreign table", map[string]any{"table": "futures/asset", "data": []any{entry}}, 0},
		{"blank symbol", map[string]any{"symbol": ""}, 0},
		{"empty", map[string]any{}, 0},
		{"data without positions", map[string]any{"data": map[string]any{"other": 1}}, 0},
	}
	for _, tc := range cases {
		if got := len(extractData(tc.message)); got != tc.want {
			t.Fatalf("%s: expected %d entries, got %d", tc.name, tc.want, got)
		}
	}
}
