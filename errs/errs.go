// Package errs provides structured error types and helpers for tradingV3 services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a failure by the handling it requires.
type Kind string

const (
	// KindBadInput indicates a malformed or unknown-vocabulary input; the
	// triggering mutation must leave state untouched.
	KindBadInput Kind = "bad_input"
	// KindTransient indicates a recoverable upstream failure handled by
	// retry or reconnect with backoff.
	KindTransient Kind = "transient"
	// KindProtocol indicates an unparseable or rejected frame; the unit of
	// work is skipped and processing continues.
	KindProtocol Kind = "protocol"
	// KindPersistent indicates a persistence failure; the in-memory state
	// remains authoritative and event propagation continues.
	KindPersistent Kind = "persistent"
	// KindFatal indicates an unrecoverable condition such as missing
	// credentials; the component cannot start or continue.
	KindFatal Kind = "fatal"
)

// E captures structured error information produced across the tradingV3 stack.
type E struct {
	Op      string
	Kind    Kind
	HTTP    int
	RawCode string
	RawMsg  string
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and failure kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Kind:    kind,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw upstream error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw upstream error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithFields merges the provided context metadata into the error envelope.
func WithFields(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			v := e.Fields[k]
			pairs = append(pairs, k+"="+strconv.Quote(v))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf reports the kind carried by err, unwrapping as needed.
// Errors outside the envelope report KindTransient: an unclassified failure
// must not terminate a component.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindTransient
}

// IsBadInput reports whether err carries KindBadInput.
func IsBadInput(err error) bool { return KindOf(err) == KindBadInput }

// IsFatal reports whether err carries KindFatal.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// HTTPStatus maps err to the response status used by the control APIs.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.HTTP > 0 {
		return e.HTTP
	}
	switch KindOf(err) {
	case KindBadInput:
		return http.StatusBadRequest
	case KindFatal:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BadInput returns a standardized error for rejected caller input.
func BadInput(op, msg string) *E {
	return New(op, KindBadInput, WithMessage(strings.TrimSpace(msg)), WithHTTP(http.StatusBadRequest))
}
