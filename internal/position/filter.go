package position

import "strings"

// Filter narrows which positions a subscriber or snapshot sees. Every
// populated dimension must contain the candidate's value; an empty dimension
// matches everything. Values are case-folded to upper on construction.
type Filter struct {
	Symbols  map[string]struct{}
	Statuses map[string]struct{}
	Sides    map[string]struct{}
	UserID   string
}

// NewFilter builds a Filter from raw value lists, dropping blanks and
// upper-casing the rest. userID is carried verbatim for audit logging only.
func NewFilter(symbols, statuses, sides []string, userID string) Filter {
	return Filter{
		Symbols:  toSet(symbols),
		Statuses: toSet(statuses),
		Sides:    toSet(sides),
		UserID:   strings.TrimSpace(userID),
	}
}

// Matches reports whether a position with the given coordinates passes the
// filter.
func (f Filter) Matches(symbol string, status Status, side Side) bool {
	if len(f.Symbols) > 0 {
		if _, ok := f.Symbols[strings.ToUpper(symbol)]; !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		if _, ok := f.Statuses[strings.ToUpper(string(status))]; !ok {
			return false
		}
	}
	if len(f.Sides) > 0 {
		if _, ok := f.Sides[strings.ToUpper(string(side))]; !ok {
			return false
		}
	}
	return true
}

// MatchesPosition applies Matches to a record.
func (f Filter) MatchesPosition(p *Position) bool {
	return f.Matches(p.ContractSymbol, p.Status, p.Side)
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
