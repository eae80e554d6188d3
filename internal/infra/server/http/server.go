// Package httpserver exposes the local control APIs for the position sync
// and dispatcher daemons.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/pivox/tradingV3/errs"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

type handlerFunc func(http.ResponseWriter, *http.Request)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.Method]
		if !ok {
			methodNotAllowed(w, allowed...)
			return
		}
		handler(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if join := strings.Join(allowed, ", "); join != "" {
		w.Header().Set("Allow", join)
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: "error", Error: message})
}

// writeErr maps a service error onto an HTTP status using the error kind.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization",
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for name, value := range corsHeaders {
			header.Set(name, value)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// splitList parses a comma-separated query value into its non-blank parts.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
