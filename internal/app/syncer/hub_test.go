package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pivox/tradingV3/internal/position"
)

func hubEvent(symbol string, side position.Side) *position.Event {
	qty := decimal.NewFromInt(1)
	return &position.Event{
		Type: position.EventOpened,
		Seq:  1,
		Position: &position.Position{
			ContractSymbol: symbol,
			Side:           side,
			Status:         position.StatusOpen,
			Exchange:       position.Exchange,
			QtyContract:    &qty,
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestHubDeliversToMatchingSubscribersOnly(t *testing.T) {
	h := newHub(nil, nil)
	btc := h.subscribe(position.NewFilter([]string{"BTCUSDT"}, nil, nil, ""))
	all := h.subscribe(position.Filter{})

	h.publish(context.Background(), hubEvent("ETHUSDT", position.SideLong))

	select {
	case evt := <-all.Events():
		if evt.Position.ContractSymbol != "ETHUSDT" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("unfiltered subscriber did not receive the event")
	}
	select {
	case evt := <-btc.Events():
		t.Fatalf("filtered subscriber received %v", evt.Position.ContractSymbol)
	default:
	}
}

func TestHubUnsubscribeClosesChannelOnce(t *testing.T) {
	h := newHub(nil, nil)
	sub := h.subscribe(position.Filter{})
	if h.size() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.size())
	}

	h.unsubscribe(sub.ID)
	h.unsubscribe(sub.ID)
	h.unsubscribe("")

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if h.size() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.size())
	}

	// A closed subscription must not receive later publishes.
	h.publish(context.Background(), hubEvent("BTCUSDT", position.SideLong))
}

func TestHubCloseAllTearsDownEverySubscriber(t *testing.T) {
	h := newHub(nil, nil)
	first := h.subscribe(position.Filter{})
	second := h.subscribe(position.Filter{})

	h.closeAll()

	for _, sub := range []*Subscription{first, second} {
		if _, ok := <-sub.Events(); ok {
			t.Fatal("channel should be closed after closeAll")
		}
	}
	if h.size() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.size())
	}
}
