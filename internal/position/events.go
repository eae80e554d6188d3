package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies a position lifecycle transition.
type EventType string

// Lifecycle event types, in the order the transition table checks them.
const (
	EventOpened          EventType = "position.opened"
	EventClosed          EventType = "position.closed"
	EventQuantityChanged EventType = "position.quantity_changed"
	EventUpdated         EventType = "position.updated"
)

// Event is one sequenced lifecycle notification fanned out to subscribers.
// Seq is assigned under the state lock and is strictly increasing per
// service instance.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Position  *Position `json:"position"`
	Previous  *Position `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

// DetermineEvent diffs a previous observation against the current one and
// returns the event to emit, first match wins:
//
//	no previous, current closed  -> position.closed
//	no previous                  -> position.opened
//	newly closed                 -> position.closed
//	still closed                 -> position.updated
//	quantity changed             -> position.quantity_changed
//	status changed               -> position.updated
//	entry price or pnl changed   -> position.updated
//	otherwise                    -> none
//
// The second return is false when no event should be emitted.
func DetermineEvent(previous, current *Position) (EventType, bool) {
	switch {
	case previous == nil && current.IsClosed():
		return EventClosed, true
	case previous == nil:
		return EventOpened, true
	case current.IsClosed() && !previous.IsClosed():
		return EventClosed, true
	case current.IsClosed():
		return EventUpdated, true
	case decimalChanged(previous.QtyContract, current.QtyContract):
		return EventQuantityChanged, true
	case previous.Status != current.Status:
		return EventUpdated, true
	case decimalChanged(previous.EntryPrice, current.EntryPrice),
		decimalChanged(previous.PnlUsdt, current.PnlUsdt):
		return EventUpdated, true
	default:
		return "", false
	}
}

// ForcedClose synthesizes a CLOSED record for a stored position that a REST
// snapshot no longer reports. Identity, pricing, and timing fields carry
// over; quantity and amount flatten to zero; Meta gains an audit trail of the
// forced transition. The last-known markers only backfill when the stored
// meta does not already carry them from an earlier forced close.
func ForcedClose(active *Position, now time.Time) *Position {
	now = now.UTC()
	meta := make(map[string]any, len(active.Meta)+4)
	for k, v := range active.Meta {
		meta[k] = v
	}
	if _, ok := meta["last_known_amount_usdt"]; !ok {
		meta["last_known_amount_usdt"] = active.AmountUsdt.String()
	}
	if active.QtyContract != nil {
		if _, ok := meta["last_known_qty_contract"]; !ok {
			meta["last_known_qty_contract"] = active.QtyContract.String()
		}
	}
	meta["sync_status"] = "closed_by_snapshot"
	meta["sync_closed_at"] = now.Format(time.RFC3339)

	zero := decimal.Zero
	closedStatus := string(StatusClosed)
	tif := active.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	closedAt := now

	return &Position{
		ContractSymbol:  active.ContractSymbol,
		Side:            active.Side,
		Status:          StatusClosed,
		Exchange:        active.Exchange,
		AmountUsdt:      decimal.Zero,
		EntryPrice:      active.EntryPrice,
		QtyContract:     &zero,
		Leverage:        active.Leverage,
		ExternalOrderID: active.ExternalOrderID,
		OpenedAt:        active.OpenedAt,
		ClosedAt:        &closedAt,
		StopLoss:        active.StopLoss,
		TakeProfit:      active.TakeProfit,
		PnlUsdt:         active.PnlUsdt,
		TimeInForce:     tif,
		ExpiresAt:       active.ExpiresAt,
		ExternalStatus:  &closedStatus,
		LastSyncAt:      now,
		Meta:            meta,
	}
}
