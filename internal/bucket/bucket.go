// Package bucket defines the priority vocabulary used by the outbound
// dispatch worker. Buckets are ordered most-urgent first; the worker always
// drains the highest-priority non-empty bucket before looking at anything
// below it.
package bucket

import (
	"fmt"

	"github.com/pivox/tradingV3/errs"
)

// canonical bucket labels, highest priority first. Position work preempts
// balance work, timeframe crons preempt their raw-candle counterparts, and
// regular is the catch-all tail.
var canonical = []string{
	"position_prior",
	"position",
	"balance",
	"4h-cron",
	"1h-cron",
	"15m-cron",
	"5m-cron",
	"1m-cron",
	"1m",
	"5m",
	"15m",
	"1h",
	"4h",
	"regular",
}

// Order is an immutable priority ordering over the canonical bucket set.
// The zero value is not usable; obtain one via Default or Reorder.
type Order struct {
	labels []string
	index  map[string]int
}

// Default returns the canonical ordering.
func Default() Order {
	return fromLabels(canonical)
}

func fromLabels(labels []string) Order {
	out := Order{
		labels: make([]string, len(labels)),
		index:  make(map[string]int, len(labels)),
	}
	copy(out.labels, labels)
	for i, label := range out.labels {
		out.index[label] = i
	}
	return out
}

// Labels returns the active ordering, highest priority first. The slice is a
// copy; callers may mutate it freely.
func (o Order) Labels() []string {
	out := make([]string, len(o.labels))
	copy(out, o.labels)
	return out
}

// Len returns the number of buckets in the vocabulary.
func (o Order) Len() int {
	return len(o.labels)
}

// IsKnown reports whether label belongs to the bucket vocabulary.
func (o Order) IsKnown(label string) bool {
	_, ok := o.index[label]
	return ok
}

// IndexOf returns the position of label in the active ordering, 0 being the
// most urgent. Unknown labels return -1.
func (o Order) IndexOf(label string) int {
	idx, ok := o.index[label]
	if !ok {
		return -1
	}
	return idx
}

// Compare orders two labels by priority: negative when a outranks b, positive
// when b outranks a, zero when they rank the same.
func (o Order) Compare(a, b string) int {
	ia, ib := o.IndexOf(a), o.IndexOf(b)
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	default:
		return 0
	}
}

// NextNonEmpty walks the active ordering and returns the first label that has
// pending work (sizes reports per-bucket depth) and is not paused. The second
// return is false when every bucket is empty or paused.
func (o Order) NextNonEmpty(sizes func(label string) int, paused map[string]struct{}) (string, bool) {
	for _, label := range o.labels {
		if _, skip := paused[label]; skip {
			continue
		}
		if sizes(label) > 0 {
			return label, true
		}
	}
	return "", false
}

// Reorder builds a new Order from labels. The argument must be a permutation
// of the known bucket set; anything else reports bad_input and leaves the
// receiver unchanged.
func (o Order) Reorder(labels []string) (Order, error) {
	const op = "bucket.reorder"
	if len(labels) != len(o.labels) {
		return Order{}, errs.BadInput(op, fmt.Sprintf("expected %d buckets, got %d", len(o.labels), len(labels)))
	}
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		if !o.IsKnown(label) {
			return Order{}, errs.BadInput(op, fmt.Sprintf("unknown bucket %q", label))
		}
		if _, dup := seen[label]; dup {
			return Order{}, errs.BadInput(op, fmt.Sprintf("duplicate bucket %q", label))
		}
		seen[label] = struct{}{}
	}
	return fromLabels(labels), nil
}
