package transactions

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics publishes the engine's counters through OpenTelemetry.
// Instrument creation failures degrade to nil instruments rather than
// failing coordinator construction.
type engineMetrics struct {
	attempts        metric.Int64Counter
	commits         metric.Int64Counter
	rollbacks       metric.Int64Counter
	expirations     metric.Int64Counter
	cleanupResolved metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) *engineMetrics {
	m := &engineMetrics{}
	m.attempts, _ = meter.Int64Counter("gojodb.transactions.attempts",
		metric.WithDescription("Transaction attempts started"))
	m.commits, _ = meter.Int64Counter("gojodb.transactions.commits",
		metric.WithDescription("Transactions committed"))
	m.rollbacks, _ = meter.Int64Counter("gojodb.transactions.rollbacks",
		metric.WithDescription("Attempts rolled back"))
	m.expirations, _ = meter.Int64Counter("gojodb.transactions.expirations",
		metric.WithDescription("Transactions that crossed their expiration deadline"))
	m.cleanupResolved, _ = meter.Int64Counter("gojodb.transactions.cleanup.resolved",
		metric.WithDescription("Abandoned attempts resolved by the cleanup subsystem"))
	return m
}

func (m *engineMetrics) recordAttempt(ctx context.Context) {
	if m.attempts != nil {
		m.attempts.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordCommit(ctx context.Context) {
	if m.commits != nil {
		m.commits.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordRollback(ctx context.Context) {
	if m.rollbacks != nil {
		m.rollbacks.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordExpiration(ctx context.Context) {
	if m.expirations != nil {
		m.expirations.Add(ctx, 1)
	}
}

func (m *engineMetrics) recordCleanupResolved(ctx context.Context, action string) {
	if m.cleanupResolved != nil {
		m.cleanupResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}
