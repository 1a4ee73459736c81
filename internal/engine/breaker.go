package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fiscalsync/internal/state"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that
	// suppresses an entity.
	DefaultBreakerThreshold = 3

	// DefaultBreakerCooldown is how long a suppressed entity is skipped.
	DefaultBreakerCooldown = time.Hour
)

// BreakerPolicy configures the circuit breaker.
type BreakerPolicy struct {
	Threshold int
	Cooldown  time.Duration
}

func (p BreakerPolicy) normalized() BreakerPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultBreakerThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultBreakerCooldown
	}
	return p
}

// breakerFailure is the pure transition for one counted failure.
func breakerFailure(cur state.BreakerEntry, now time.Time, p BreakerPolicy, reason string) state.BreakerEntry {
	p = p.normalized()
	cur.Failures++
	cur.LastError = reason
	if cur.Failures >= p.Threshold {
		cur.SuppressedUntil = now.Add(p.Cooldown)
	}
	return cur
}

// breakerTimeout is the pure transition for a hard-deadline abandonment,
// which suppresses immediately.
func breakerTimeout(cur state.BreakerEntry, now time.Time, p BreakerPolicy, reason string) state.BreakerEntry {
	p = p.normalized()
	cur.Failures++
	if cur.Failures < p.Threshold {
		cur.Failures = p.Threshold
	}
	cur.LastError = reason
	cur.SuppressedUntil = now.Add(p.Cooldown)
	return cur
}

// breakerExpired reports whether a suppression window has elapsed.
func breakerExpired(e state.BreakerEntry, now time.Time) bool {
	return !e.SuppressedUntil.IsZero() && !now.Before(e.SuppressedUntil)
}

// breakerSuppressed reports whether e currently suppresses its entity.
func breakerSuppressed(e state.BreakerEntry, now time.Time) bool {
	return !e.SuppressedUntil.IsZero() && now.Before(e.SuppressedUntil)
}

// Breaker is the persisted per-entity circuit breaker. Entries live in the
// store's metadata database so suppression survives restarts.
type Breaker struct {
	store  *state.Store
	policy BreakerPolicy
	now    func() time.Time
	logger *slog.Logger
}

// NewBreaker returns a Breaker backed by store.
func NewBreaker(store *state.Store, policy BreakerPolicy, now func() time.Time, logger *slog.Logger) *Breaker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{store: store, policy: policy.normalized(), now: now, logger: logger}
}

// IsSuppressed reports whether taxID is inside a cooldown window. An
// expired entry is deleted, so the entity starts from zero failures.
func (b *Breaker) IsSuppressed(ctx context.Context, taxID string) (bool, error) {
	e, ok, err := b.store.Breaker(ctx, taxID)
	if err != nil || !ok {
		return false, err
	}
	now := b.now()
	if breakerExpired(e, now) {
		if err := b.store.DeleteBreaker(ctx, taxID); err != nil {
			return false, fmt.Errorf("clear expired breaker %s: %w", taxID, err)
		}
		b.logger.InfoContext(ctx, "circuit breaker cooldown elapsed", "tax_id", taxID)
		return false, nil
	}
	return breakerSuppressed(e, now), nil
}

// RecordFailure counts one failure. It reports whether the entity is now
// suppressed.
func (b *Breaker) RecordFailure(ctx context.Context, taxID string, cause error) (bool, error) {
	return b.record(ctx, taxID, cause, breakerFailure)
}

// RecordTimeout suppresses the entity immediately.
func (b *Breaker) RecordTimeout(ctx context.Context, taxID string, cause error) error {
	_, err := b.record(ctx, taxID, cause, breakerTimeout)
	return err
}

// RecordSuccess clears the entity's entry.
func (b *Breaker) RecordSuccess(ctx context.Context, taxID string) error {
	return b.store.DeleteBreaker(ctx, taxID)
}

func (b *Breaker) record(ctx context.Context, taxID string, cause error,
	step func(state.BreakerEntry, time.Time, BreakerPolicy, string) state.BreakerEntry,
) (bool, error) {
	cur, ok, err := b.store.Breaker(ctx, taxID)
	if err != nil {
		return false, err
	}
	now := b.now()
	if !ok || breakerExpired(cur, now) {
		cur = state.BreakerEntry{TaxID: taxID}
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	wasSuppressed := breakerSuppressed(cur, now)
	next := step(cur, now, b.policy, reason)
	if err := b.store.PutBreaker(ctx, next); err != nil {
		return false, err
	}

	suppressed := breakerSuppressed(next, now)
	if suppressed && !wasSuppressed {
		b.logger.WarnContext(ctx, "entity suppressed by circuit breaker",
			"tax_id", taxID,
			"failures", next.Failures,
			"until", next.SuppressedUntil.Format(time.RFC3339),
		)
	}
	return suppressed, nil
}
