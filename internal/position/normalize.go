package position

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Exchange is the venue identifier stamped on every normalized record.
const Exchange = "bitmart"

// millisEpochFloor: epoch values above this are treated as milliseconds.
// 1e10 seconds is November 2286, safely beyond any plausible second stamp.
const millisEpochFloor = 1e10

// Ordered key lists covering the payload shapes bitmart emits across its
// websocket channels and REST endpoints. First present, parseable value wins.
var (
	symbolKeys   = []string{"symbol", "contract", "contract_symbol"}
	fallbackSide = []string{"hold_side", "position_side", "holdSide"}
	qtyKeys      = []string{"size", "current_amount", "hold_volume", "position_volume", "open_size", "available"}
	entryKeys    = []string{"entry_price", "avg_entry_price", "average_price", "avg_price"}
	leverageKeys = []string{"leverage", "position_leverage", "open_leverage"}
	stopKeys     = []string{"stop_loss", "sl_price", "preset_stop_loss_price"}
	takeKeys     = []string{"take_profit", "tp_price", "preset_take_profit_price"}
	pnlKeys      = []string{
		"realised_pnl", "unrealised_pnl", "pnl",
		"unrealised_profit", "unrealisedProfit",
		"unrealized_pnl", "unrealized_profit", "unrealizedProfit",
		"unrealisedPnl", "unrealizedPnl",
		"realized_pnl", "realizedPnl", "realized_profit", "realisedProfit",
	}
	openedKeys  = []string{"open_time", "created_at", "createdTime", "open_timestamp"}
	closedKeys  = []string{"close_time", "updated_at", "closedTime"}
	orderIDKeys = []string{"order_id", "clOrdId", "client_oid", "clientOrderId"}
	stateKeys   = []string{"state", "external_status"}
)

// Numeric side encodings used by bitmart: 1 opens long, 2 opens short, and
// hedge-mode deltas report -1 for the short leg.
var numericSides = map[int64]Side{
	1:  SideLong,
	2:  SideShort,
	-1: SideShort,
}

var textSides = map[string]Side{
	"LONG":       SideLong,
	"BUY":        SideLong,
	"BID":        SideLong,
	"OPEN_LONG":  SideLong,
	"HOLD_LONG":  SideLong,
	"SHORT":      SideShort,
	"SELL":       SideShort,
	"ASK":        SideShort,
	"OPEN_SHORT": SideShort,
	"HOLD_SHORT": SideShort,
}

// Normalize converts one raw venue mapping into a Position. The second return
// is false when the mapping carries no recognizable symbol. The raw mapping
// is retained as Meta, so normalizing a record's own Meta reproduces the
// record (LastSyncAt aside).
func Normalize(raw map[string]any) (*Position, bool) {
	symbol := extractSymbol(raw)
	if symbol == "" {
		return nil, false
	}

	qty := firstDecimal(raw, qtyKeys)
	entry := firstDecimal(raw, entryKeys)

	var status Status
	switch {
	case qty == nil || qty.IsZero():
		status = StatusClosed
	default:
		if s := stringAt(raw, "status"); s != "" {
			status = Status(strings.ToUpper(s))
		} else {
			status = StatusOpen
		}
	}

	amount := decimal.Zero
	if qty != nil && entry != nil {
		amount = qty.Mul(*entry)
	}

	closedAt := firstTime(raw, closedKeys)
	if status != StatusClosed {
		closedAt = nil
	}

	var externalStatus *string
	if s := firstText(raw, stateKeys); s != nil {
		upper := strings.ToUpper(*s)
		externalStatus = &upper
	}

	tif := strings.ToUpper(stringAt(raw, "time_in_force"))
	if tif == "" {
		tif = "GTC"
	}

	return &Position{
		ContractSymbol:  symbol,
		Side:            extractSide(raw),
		Status:          status,
		Exchange:        Exchange,
		AmountUsdt:      amount,
		EntryPrice:      entry,
		QtyContract:     qty,
		Leverage:        firstDecimal(raw, leverageKeys),
		ExternalOrderID: firstText(raw, orderIDKeys),
		OpenedAt:        firstTime(raw, openedKeys),
		ClosedAt:        closedAt,
		StopLoss:        firstDecimal(raw, stopKeys),
		TakeProfit:      firstDecimal(raw, takeKeys),
		PnlUsdt:         firstDecimal(raw, pnlKeys),
		TimeInForce:     tif,
		ExpiresAt:       firstTime(raw, []string{"expires_at"}),
		ExternalStatus:  externalStatus,
		LastSyncAt:      time.Now().UTC(),
		Meta:            raw,
	}, true
}

// ParseSide maps a venue side encoding onto LONG/SHORT. Unknown or absent
// values default to LONG, matching venue behaviour for one-way positions.
func ParseSide(value any) Side {
	switch v := value.(type) {
	case string:
		if side, ok := textSides[strings.ToUpper(strings.TrimSpace(v))]; ok {
			return side
		}
	case float64:
		if side, ok := numericSides[int64(v)]; ok {
			return side
		}
	case int:
		if side, ok := numericSides[int64(v)]; ok {
			return side
		}
	case int64:
		if side, ok := numericSides[v]; ok {
			return side
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			if side, ok := numericSides[n]; ok {
				return side
			}
		}
	case Side:
		if v == SideShort {
			return SideShort
		}
	}
	return SideLong
}

func extractSymbol(raw map[string]any) string {
	for _, key := range symbolKeys {
		if s, ok := raw[key].(string); ok && s != "" {
			return strings.ToUpper(s)
		}
	}
	return ""
}

// extractSide prefers an explicit side key; only when absent does it fall
// back through the hedge-mode hold/position side aliases.
func extractSide(raw map[string]any) Side {
	if v, ok := raw["side"]; ok && v != nil {
		return ParseSide(v)
	}
	for _, key := range fallbackSide {
		v, ok := raw[key]
		if !ok || v == nil || isEmptyScalar(v) {
			continue
		}
		return ParseSide(v)
	}
	return SideLong
}

func isEmptyScalar(v any) bool {
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv) == ""
	case float64:
		return tv == 0
	case int:
		return tv == 0
	case int64:
		return tv == 0
	default:
		return false
	}
}

func firstDecimal(raw map[string]any, keys []string) *decimal.Decimal {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if d, ok := toDecimal(v); ok {
			return &d
		}
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch tv := v.(type) {
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(tv), true
	case int:
		return decimal.NewFromInt(int64(tv)), true
	case int64:
		return decimal.NewFromInt(tv), true
	case json.Number:
		d, err := decimal.NewFromString(tv.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case decimal.Decimal:
		return tv, true
	default:
		return decimal.Decimal{}, false
	}
}

func firstTime(raw map[string]any, keys []string) *time.Time {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if t, ok := toTime(v); ok {
			return &t
		}
	}
	return nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case float64:
		return fromEpoch(int64(tv)), true
	case int:
		return fromEpoch(int64(tv)), true
	case int64:
		return fromEpoch(tv), true
	case json.Number:
		if n, err := tv.Int64(); err == nil {
			return fromEpoch(n), true
		}
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n), true
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case time.Time:
		return tv.UTC(), true
	}
	return time.Time{}, false
}

func fromEpoch(n int64) time.Time {
	if n > millisEpochFloor {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// firstText returns the first key whose value coerces to a non-empty string.
func firstText(raw map[string]any, keys []string) *string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s := coerceString(v); s != "" {
			return &s
		}
	}
	return nil
}

func coerceString(v any) string {
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case json.Number:
		return tv.String()
	default:
		return ""
	}
}

func stringAt(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	return coerceString(v)
}
