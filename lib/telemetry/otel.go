// Package telemetry configures the OpenTelemetry metrics pipeline.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/pivox/tradingV3/internal/config"
)

// exportInterval is how often the periodic reader pushes accumulated metrics.
const exportInterval = 15 * time.Second

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
}

// Init configures the OTLP metric exporter from cfg. Disabled metrics or an
// empty endpoint install a no-op provider, so instrumented code never branches
// on whether telemetry is on.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Providers, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" || !cfg.EnableMetrics {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return Providers{MeterProvider: mp}, func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, endpoint, cfg.OTLPInsecure)
	if err != nil {
		return Providers{}, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(newResource(cfg.ServiceName)),
	)
	otel.SetMeterProvider(mp)
	return Providers{MeterProvider: mp}, mp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string, forceInsecure bool) (sdkmetric.Exporter, error) {
	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || forceInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return exporter, nil
}

// newResource identifies this process to the metrics backend. The instance id
// separates replicas that share a service name.
func newResource(serviceName string) *resource.Resource {
	service := strings.TrimSpace(serviceName)
	if service == "" {
		service = "tradingv3"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(service),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// parseEndpoint splits an OTLP endpoint into host:port plus a flag for
// whether the scheme implies plaintext.
func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}
