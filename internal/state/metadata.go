package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	metaLastSeedRun    = "last_seed_run"
	metaLegacyImported = "legacy_imported_at"
)

// LastSeedRun returns when the last full-history run finished.
func (s *Store) LastSeedRun(ctx context.Context) (time.Time, bool, error) {
	return s.metaTime(ctx, metaLastSeedRun)
}

// MarkSeedRun records a completed full-history run.
func (s *Store) MarkSeedRun(ctx context.Context, at time.Time) error {
	return s.putMeta(ctx, metaLastSeedRun, at.UTC().Format(time.RFC3339Nano))
}

// LegacyImportedAt returns when a legacy state file was imported, if ever.
func (s *Store) LegacyImportedAt(ctx context.Context) (time.Time, bool, error) {
	return s.metaTime(ctx, metaLegacyImported)
}

func (s *Store) metaTime(ctx context.Context, key string) (time.Time, bool, error) {
	var raw string
	err := s.meta.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse metadata %s: %w", key, err)
	}
	return t, true, nil
}

func (s *Store) putMeta(ctx context.Context, key, value string) error {
	_, err := s.meta.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

// BreakerEntry is the persisted circuit breaker state of one entity.
type BreakerEntry struct {
	TaxID           string    `json:"tax_id"`
	Failures        int       `json:"failures"`
	SuppressedUntil time.Time `json:"suppressed_until,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Breaker returns the breaker entry for taxID, if one exists.
func (s *Store) Breaker(ctx context.Context, taxID string) (BreakerEntry, bool, error) {
	var (
		e     BreakerEntry
		until int64
	)
	err := s.meta.QueryRowContext(ctx,
		"SELECT tax_id, failures, suppressed_until, last_error FROM breakers WHERE tax_id = ?", taxID,
	).Scan(&e.TaxID, &e.Failures, &until, &e.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return BreakerEntry{}, false, nil
	}
	if err != nil {
		return BreakerEntry{}, false, fmt.Errorf("read breaker %s: %w", taxID, err)
	}
	e.SuppressedUntil = timeOrZero(until)
	return e, true, nil
}

// PutBreaker creates or replaces a breaker entry.
func (s *Store) PutBreaker(ctx context.Context, e BreakerEntry) error {
	_, err := s.meta.ExecContext(ctx, `
		INSERT INTO breakers (tax_id, failures, suppressed_until, last_error) VALUES (?, ?, ?, ?)
		ON CONFLICT(tax_id) DO UPDATE SET
			failures = excluded.failures,
			suppressed_until = excluded.suppressed_until,
			last_error = excluded.last_error`,
		e.TaxID, e.Failures, unixOrZero(e.SuppressedUntil), e.LastError,
	)
	if err != nil {
		return fmt.Errorf("write breaker %s: %w", e.TaxID, err)
	}
	return nil
}

// DeleteBreaker removes the breaker entry for taxID. Deleting a missing
// entry is not an error.
func (s *Store) DeleteBreaker(ctx context.Context, taxID string) error {
	if _, err := s.meta.ExecContext(ctx, "DELETE FROM breakers WHERE tax_id = ?", taxID); err != nil {
		return fmt.Errorf("delete breaker %s: %w", taxID, err)
	}
	return nil
}

// Breakers lists every breaker entry ordered by tax ID.
func (s *Store) Breakers(ctx context.Context) ([]BreakerEntry, error) {
	rows, err := s.meta.QueryContext(ctx,
		"SELECT tax_id, failures, suppressed_until, last_error FROM breakers ORDER BY tax_id")
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	var out []BreakerEntry
	for rows.Next() {
		var (
			e     BreakerEntry
			until int64
		)
		if err := rows.Scan(&e.TaxID, &e.Failures, &until, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		e.SuppressedUntil = timeOrZero(until)
		out = append(out, e)
	}
	return out, rows.Err()
}
