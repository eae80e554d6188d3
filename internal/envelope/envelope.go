// Package envelope models one outbound callback request as submitted to the
// dispatch worker. An envelope keeps the original input mapping verbatim so
// that residual queue contents can be checkpointed and replayed across worker
// restarts without losing fields the current build does not understand.
package envelope

import (
	"strings"

	"github.com/pivox/tradingV3/errs"
)

// Keys consumed by the resolver itself; everything else in the source mapping
// is treated as request payload when no explicit params key is present.
var metaKeys = map[string]struct{}{
	"url_callback": {},
	"endpoint":     {},
	"url":          {},
	"base_url":     {},
	"base":         {},
	"method":       {},
	"encoding":     {},
	"params":       {},
	"payload":      {},
	"data":         {},
}

var (
	urlKeys     = []string{"url_callback", "endpoint", "url"}
	baseKeys    = []string{"base_url", "base"}
	payloadKeys = []string{"params", "payload", "data"}
)

// Envelope is an immutable, resolved callback request.
type Envelope struct {
	raw         map[string]any
	urlCallback string
	baseURL     string
	method      string
	encoding    string
	params      map[string]any
}

// Payload carries the resolved fields handed to the HTTP dispatch activity.
type Payload struct {
	URLCallback string
	BaseURL     string
	Method      string
	Encoding    string
	Params      map[string]any
}

// FromMapping resolves a submitted mapping into an Envelope. The mapping is
// deep-copied first; later mutation of m by the caller cannot affect the
// envelope or its checkpointed form. A nil mapping reports bad_input.
func FromMapping(m map[string]any) (*Envelope, error) {
	if m == nil {
		return nil, errs.BadInput("envelope.from_mapping", "envelope must be a mapping, got nil")
	}
	raw := cloneMap(m)
	env := &Envelope{
		raw:         raw,
		urlCallback: firstString(raw, urlKeys),
		baseURL:     firstString(raw, baseKeys),
		method:      strings.ToUpper(stringOr(firstString(raw, []string{"method"}), "POST")),
		encoding:    strings.ToLower(stringOr(firstString(raw, []string{"encoding"}), "form")),
		params:      resolveParams(raw),
	}
	return env, nil
}

// DispatchPayload returns a fresh payload for the HTTP activity. The params
// map is copied so activity-side mutation cannot leak back into the envelope.
func (e *Envelope) DispatchPayload() Payload {
	return Payload{
		URLCallback: e.urlCallback,
		BaseURL:     e.baseURL,
		Method:      e.method,
		Encoding:    e.encoding,
		Params:      cloneMap(e.params),
	}
}

// Raw returns the original input mapping for checkpoint serialization.
// Callers must not mutate the result.
func (e *Envelope) Raw() map[string]any {
	return e.raw
}

func resolveParams(raw map[string]any) map[string]any {
	for _, key := range payloadKeys {
		if mp, ok := raw[key].(map[string]any); ok && len(mp) > 0 {
			return mp
		}
	}
	derived := make(map[string]any)
	for k, v := range raw {
		if _, meta := metaKeys[k]; meta {
			continue
		}
		derived[k] = v
	}
	return derived
}

// firstString returns the first non-empty string found under keys.
func firstString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
