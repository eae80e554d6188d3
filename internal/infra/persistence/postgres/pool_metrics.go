package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pivox/tradingV3/internal/infra/telemetry"
)

// poolGauges maps each connection gauge to the pool statistic it reports.
var poolGauges = []struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}{
	{
		name:        "tradingv3_db_pool_connections_total",
		description: "Total connections (idle + acquired + constructing)",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) },
	},
	{
		name:        "tradingv3_db_pool_connections_idle",
		description: "Idle connections ready for checkout",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) },
	},
	{
		name:        "tradingv3_db_pool_connections_acquired",
		description: "Connections currently acquired by callers",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) },
	},
	{
		name:        "tradingv3_db_pool_connections_constructing",
		description: "Connections currently being constructed",
		read:        func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) },
	},
}

// ObservePoolMetrics registers observable instruments that report pgx pool
// health for the named pool. Registration is best-effort; a failed instrument
// never affects the pool itself.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		_, _ = meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(g.read(pool.Stat()), attrs)
				return nil
			}))
	}

	// The position store and the checkpoint writer share one pool; waits for
	// a free connection show up here before they show up as latency.
	_, _ = meter.Int64ObservableCounter("tradingv3_db_pool_empty_acquires",
		metric.WithDescription("Acquires that had to wait for a free connection"),
		metric.WithUnit("{acquire}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(pool.Stat().EmptyAcquireCount(), attrs)
			return nil
		}))
}
