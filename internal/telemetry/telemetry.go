// Package telemetry exposes the engine's OpenTelemetry counters.
//
// Counters are created once from a metric.Meter. A nil *Metrics is valid
// and records nothing, so components can take it unconditionally.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every counter.
const MeterName = "github.com/roach88/fiscalsync"

// Metrics holds the engine counters.
type Metrics struct {
	fetched          metric.Int64Counter
	stored           metric.Int64Counter
	mirrored         metric.Int64Counter
	alreadyLedgered  metric.Int64Counter
	reconciled       metric.Int64Counter
	pendencyCreated  metric.Int64Counter
	pendencyResolved metric.Int64Counter
	failures         metric.Int64Counter
	suppressed       metric.Int64Counter
}

// New creates the counters on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.fetched, "fiscalsync.documents.fetched", "Documents received from upstream"},
		{&m.stored, "fiscalsync.documents.stored", "Documents written to primary storage"},
		{&m.mirrored, "fiscalsync.documents.mirrored", "Documents newly written to the downstream mirror"},
		{&m.alreadyLedgered, "fiscalsync.documents.already_ledgered", "Documents skipped at the mirror because the ledger had them"},
		{&m.reconciled, "fiscalsync.ledger.reconciled", "Ledger keys backfilled from primary storage"},
		{&m.pendencyCreated, "fiscalsync.pendencies.created", "Manifest pendencies opened"},
		{&m.pendencyResolved, "fiscalsync.pendencies.resolved", "Manifest pendencies resolved"},
		{&m.failures, "fiscalsync.failures", "Failed (entity, period, class) units by error kind"},
		{&m.suppressed, "fiscalsync.entities.suppressed", "Units skipped by the circuit breaker"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return m, nil
}

// Scope identifies the unit a measurement belongs to.
type Scope struct {
	Period string
	Class  string
}

func (s Scope) options(extra ...attribute.KeyValue) metric.AddOption {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	if s.Period != "" {
		attrs = append(attrs, attribute.String("period", s.Period))
	}
	if s.Class != "" {
		attrs = append(attrs, attribute.String("class", s.Class))
	}
	attrs = append(attrs, extra...)
	return metric.WithAttributes(attrs...)
}

func add(ctx context.Context, c metric.Int64Counter, n int, opt metric.AddOption) {
	if n <= 0 {
		return
	}
	c.Add(ctx, int64(n), opt)
}

// Commit records the outcome counts of one committed batch.
func (m *Metrics) Commit(ctx context.Context, s Scope, fetched, stored, mirrored, alreadyLedgered int) {
	if m == nil {
		return
	}
	opt := s.options()
	add(ctx, m.fetched, fetched, opt)
	add(ctx, m.stored, stored, opt)
	add(ctx, m.mirrored, mirrored, opt)
	add(ctx, m.alreadyLedgered, alreadyLedgered, opt)
}

// Reconciled records ledger keys backfilled from storage.
func (m *Metrics) Reconciled(ctx context.Context, s Scope, n int) {
	if m == nil {
		return
	}
	add(ctx, m.reconciled, n, s.options())
}

// Pendency records opened and resolved pendencies.
func (m *Metrics) Pendency(ctx context.Context, s Scope, created, resolved int) {
	if m == nil {
		return
	}
	opt := s.options()
	add(ctx, m.pendencyCreated, created, opt)
	add(ctx, m.pendencyResolved, resolved, opt)
}

// Failure records one failed unit.
func (m *Metrics) Failure(ctx context.Context, s Scope, kind string) {
	if m == nil {
		return
	}
	add(ctx, m.failures, 1, s.options(attribute.String("kind", kind)))
}

// Suppressed records one unit skipped by the circuit breaker.
func (m *Metrics) Suppressed(ctx context.Context, s Scope) {
	if m == nil {
		return
	}
	add(ctx, m.suppressed, 1, s.options())
}
