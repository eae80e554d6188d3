package syncer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pivox/tradingV3/internal/infra/telemetry"
	"github.com/pivox/tradingV3/internal/position"
)

const subscriberBuffer = 100

// Subscription is a live, filtered stream of position events. The channel
// is bounded; when a consumer falls behind, new events for it are dropped
// rather than stalling the publisher.
type Subscription struct {
	ID     string
	Filter position.Filter

	ch   chan *position.Event
	once sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan *position.Event {
	return s.ch
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub fans events out to registered subscriptions. Registration is guarded
// by a mutex; publishing reads an immutable snapshot of the member list so
// it can run while the caller holds the service state lock.
type hub struct {
	mu      sync.Mutex
	members map[string]*Subscription
	snap    atomic.Pointer[[]*Subscription]

	subscriberGauge metric.Int64UpDownCounter
	dropped         metric.Int64Counter
}

func newHub(subscriberGauge metric.Int64UpDownCounter, dropped metric.Int64Counter) *hub {
	h := &hub{
		members:         make(map[string]*Subscription),
		subscriberGauge: subscriberGauge,
		dropped:         dropped,
	}
	h.rebuildLocked()
	return h
}

func (h *hub) subscribe(filter position.Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Filter: filter,
		ch:     make(chan *position.Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.members[sub.ID] = sub
	h.rebuildLocked()
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
	return sub
}

func (h *hub) unsubscribe(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	sub, ok := h.members[id]
	if ok {
		delete(h.members, id)
		h.rebuildLocked()
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
}

// publish delivers the event to every matching subscription without
// blocking. Must not take locks: callers hold the service state lock to
// keep sequence numbers and delivery order aligned.
func (h *hub) publish(ctx context.Context, evt *position.Event) {
	members := h.snap.Load()
	if members == nil {
		return
	}
	for _, sub := range *members {
		if !sub.Filter.MatchesPosition(evt.Position) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if h.dropped != nil {
				h.dropped.Add(ctx, 1, metric.WithAttributes(
					attribute.String("environment", telemetry.Environment()),
					telemetry.AttrEventType.String(string(evt.Type)),
					telemetry.AttrSymbol.String(evt.Position.ContractSymbol)))
			}
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[string]*Subscription)
	h.rebuildLocked()
	h.mu.Unlock()
	for _, sub := range members {
		sub.close()
	}
	if h.subscriberGauge != nil && len(members) > 0 {
		h.subscriberGauge.Add(context.Background(), -int64(len(members)), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment())))
	}
}

func (h *hub) rebuildLocked() {
	members := make([]*Subscription, 0, len(h.members))
	for _, sub := range h.members {
		members = append(members, sub)
	}
	h.snap.Store(&members)
}
