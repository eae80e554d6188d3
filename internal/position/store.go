package position

import "context"

// Store persists normalized positions. Implementations upsert against the
// most recent row per (symbol, side) and report the active book for
// snapshot reconciliation.
type Store interface {
	// Upsert writes one observation, updating the freshest existing row for
	// the position's (symbol, side) pair or inserting when none exists.
	Upsert(ctx context.Context, p *Position) error

	// FetchActive returns every non-terminal position for the exchange,
	// keyed SYMBOL::SIDE.
	FetchActive(ctx context.Context, exchange string) (map[string]*Position, error)
}
