package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/fiscalsync/internal/archive"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/journal"
	"github.com/roach88/fiscalsync/internal/state"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

// Reconciler backfills the ledger from primary storage.
type Reconciler struct {
	store   *state.Store
	archive *archive.Archive
	journal *journal.Journal
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewReconciler wires a Reconciler.
func NewReconciler(store *state.Store, arc *archive.Archive, jr *journal.Journal, logger *slog.Logger, metrics *telemetry.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, archive: arc, journal: jr, logger: logger, metrics: metrics}
}

// Reconcile records in the ledger every valid-keyed document stored for
// (entity, period, class) that the ledger does not know yet. Nothing is
// mirrored. Every local document counts, whether or not any manifest lists
// it. Keys held by a pending journal record are left alone: they may not
// have reached the mirror, and recovery ledgers them once they have. It
// returns how many keys were added.
func (r *Reconciler) Reconcile(ctx context.Context, entity fiscal.Entity, period fiscal.Period, class fiscal.Class, es *state.EntityState) (int, error) {
	inv, err := r.archive.Scan(ctx, entity, period, class)
	if err != nil {
		return 0, err
	}
	held, err := r.heldKeys(entity.TaxID, class)
	if err != nil {
		return 0, err
	}

	var (
		missing  []fiscal.DocumentKey
		deferred int
	)
	for _, k := range inv.Keys {
		if es.Ledgered(class, k) {
			continue
		}
		if _, ok := held[k]; ok {
			deferred++
			continue
		}
		missing = append(missing, k)
	}
	if deferred > 0 {
		r.logger.InfoContext(ctx, "stored documents awaiting journal recovery",
			"tax_id", entity.TaxID, "period", period.Key(), "class", string(class), "count", deferred)
	}
	if inv.Invalid > 0 {
		r.logger.WarnContext(ctx, "ignoring stored files with invalid keys",
			"tax_id", entity.TaxID, "period", period.Key(), "class", string(class), "count", inv.Invalid)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	out, err := r.store.CommitBatch(ctx, period, state.BatchRecord{
		TaxID: entity.TaxID,
		Class: class,
		Keys:  missing,
	})
	if err != nil {
		return 0, err
	}
	es.Record(class, missing...)

	r.logger.InfoContext(ctx, "ledger backfilled from storage",
		"tax_id", entity.TaxID, "period", period.Key(), "class", string(class), "count", out.NewKeys)
	r.metrics.Reconciled(ctx, telemetry.Scope{Period: period.Key(), Class: string(class)}, out.NewKeys)
	return out.NewKeys, nil
}

// heldKeys returns the keys of pending journal records for (taxID, class),
// in any period, since a reclassified copy lives in the previous one.
func (r *Reconciler) heldKeys(taxID string, class fiscal.Class) (map[fiscal.DocumentKey]struct{}, error) {
	if r.journal == nil {
		return nil, nil
	}
	recs, err := r.journal.Pending()
	if err != nil {
		return nil, err
	}
	held := make(map[fiscal.DocumentKey]struct{})
	for _, rec := range recs {
		if rec.TaxID != taxID || rec.Class != class {
			continue
		}
		for _, e := range rec.Entries {
			held[e.Key] = struct{}{}
		}
	}
	return held, nil
}
