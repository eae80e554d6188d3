// Package telemetry provides semantic conventions for tradingV3 observability.
package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tradingV3-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the venue the signal relates to.
	AttrExchange = attribute.Key("exchange")
	// AttrSymbol captures the contract symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrSide labels position telemetry with the LONG/SHORT direction.
	AttrSide = attribute.Key("position.side")
	// AttrStatus captures the lifecycle status carried on a record (OPEN, CLOSED, ...).
	AttrStatus = attribute.Key("position.status")
	// AttrEventType annotates counters with the lifecycle event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrBucket labels dispatcher metrics with the priority bucket involved.
	AttrBucket = attribute.Key("bucket")
	// AttrWorker identifies the dispatch worker instance.
	AttrWorker = attribute.Key("worker.id")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/drops.
	AttrReason = attribute.Key("reason")
)

// Lifecycle event type values mirrored from the position event vocabulary.
const (
	EventTypeOpened          = "position.opened"
	EventTypeClosed          = "position.closed"
	EventTypeQuantityChanged = "position.quantity_changed"
	EventTypeUpdated         = "position.updated"
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for lifecycle event metrics.
func EventAttributes(environment, eventType, symbol, side string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrSide.String(side))
	}
	return attrs
}

// BucketAttributes returns attributes for dispatcher metrics.
func BucketAttributes(environment, worker, bucket string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrWorker.String(worker),
	}
	if bucket != "" {
		attrs = append(attrs, AttrBucket.String(bucket))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

var (
	envMu             sync.RWMutex
	globalEnvironment string
)

// SetEnvironment records the deployment environment used in metric labels.
// Daemons call this once at boot after loading configuration.
func SetEnvironment(environment string) {
	envMu.Lock()
	globalEnvironment = environment
	envMu.Unlock()
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}
