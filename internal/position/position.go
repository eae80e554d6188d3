// Package position holds the canonical position model shared by the sync
// service, its persistence layer, and the streaming API: the normalized
// record, the wire-payload normalizer, subscriber filters, and the lifecycle
// event vocabulary.
//
// Records are immutable once built. Every observation produces a fresh
// *Position; consumers may hold references indefinitely without copying.
package position

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

// Position sides.
const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status is the lifecycle state of a position. OPEN and CLOSED are assigned
// by the normalizer; anything else is the venue's own status upper-cased
// (bitmart reports NORMAL for live hedge-mode positions).
type Status string

// Normalized statuses.
const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusNormal Status = "NORMAL"
)

// KeySeparator joins symbol and side into a state key.
const KeySeparator = "::"

// Position is one normalized contract position as tracked per (symbol, side).
type Position struct {
	ContractSymbol  string           `json:"contractSymbol"`
	Side            Side             `json:"side"`
	Status          Status           `json:"status"`
	Exchange        string           `json:"exchange"`
	AmountUsdt      decimal.Decimal  `json:"amountUsdt"`
	EntryPrice      *decimal.Decimal `json:"entryPrice"`
	QtyContract     *decimal.Decimal `json:"qtyContract"`
	Leverage        *decimal.Decimal `json:"leverage"`
	ExternalOrderID *string          `json:"externalOrderId"`
	OpenedAt        *time.Time       `json:"openedAt"`
	ClosedAt        *time.Time       `json:"closedAt"`
	StopLoss        *decimal.Decimal `json:"stopLoss"`
	TakeProfit      *decimal.Decimal `json:"takeProfit"`
	PnlUsdt         *decimal.Decimal `json:"pnlUsdt"`
	TimeInForce     string           `json:"timeInForce"`
	ExpiresAt       *time.Time       `json:"expiresAt"`
	ExternalStatus  *string          `json:"externalStatus"`
	LastSyncAt      time.Time        `json:"lastSyncAt"`
	Meta            map[string]any   `json:"meta"`
}

// Key returns the state-map key, SYMBOL::SIDE.
func (p *Position) Key() string {
	return p.ContractSymbol + KeySeparator + string(p.Side)
}

// IsClosed reports whether the position is terminally flat: status CLOSED, or
// a known quantity of exactly zero. An absent quantity is not evidence of
// closure.
func (p *Position) IsClosed() bool {
	if p.Status == StatusClosed {
		return true
	}
	return p.QtyContract != nil && p.QtyContract.IsZero()
}

// MarshalJSON extends the struct fields with the computed key and isClosed
// flag so stream consumers never re-derive them.
func (p *Position) MarshalJSON() ([]byte, error) {
	type alias Position
	return json.Marshal(struct {
		*alias
		Key      string `json:"key"`
		IsClosed bool   `json:"isClosed"`
	}{
		alias:    (*alias)(p),
		Key:      p.Key(),
		IsClosed: p.IsClosed(),
	})
}

// decimalChanged reports whether two optional decimals differ, treating two
// absent values as equal.
func decimalChanged(a, b *decimal.Decimal) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	return !a.Equal(*b)
}
