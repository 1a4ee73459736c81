package source

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// RateLimited wraps a Source so every call waits for a token. One limiter
// is shared by all entities since the upstream quota is global.
type RateLimited struct {
	next    Source
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls on average with bursts of burst.
func NewRateLimited(next Source, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (r *RateLimited) FetchManifest(ctx context.Context, taxID string, class fiscal.Class, period fiscal.Period) (Manifest, error) {
	if err := r.wait(ctx); err != nil {
		return Manifest{}, err
	}
	return r.next.FetchManifest(ctx, taxID, class, period)
}

func (r *RateLimited) FetchBatch(ctx context.Context, taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, offset, limit int) ([]fiscal.Document, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.FetchBatch(ctx, taxID, class, role, period, offset, limit)
}

func (r *RateLimited) FetchSingle(ctx context.Context, key fiscal.DocumentKey, class fiscal.Class) (fiscal.Document, error) {
	if err := r.wait(ctx); err != nil {
		return fiscal.Document{}, err
	}
	return r.next.FetchSingle(ctx, key, class)
}
