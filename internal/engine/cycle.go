package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/source"
	"github.com/roach88/fiscalsync/internal/state"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

// RunOptions alter a whole run.
type RunOptions struct {
	// Seed re-examines full history: every processed class starts from
	// zero cursors and no-data markers are queried again.
	Seed bool
}

type unitKey struct {
	taxID  string
	period fiscal.Period
	class  fiscal.Class
}

type cycleOptions struct {
	seed    bool
	handled map[unitKey]struct{}
}

// breakerTally remembers which entities already had a failure counted by
// the circuit breaker during one Run.
type breakerTally struct {
	mu      sync.Mutex
	counted map[string]struct{}
}

type breakerTallyKey struct{}

func withBreakerTally(ctx context.Context) context.Context {
	return context.WithValue(ctx, breakerTallyKey{}, &breakerTally{counted: make(map[string]struct{})})
}

// firstFailure reports whether taxID has not had a failure counted yet in
// the run carried by ctx. Outside a Run every failure counts.
func firstFailure(ctx context.Context, taxID string) bool {
	t, ok := ctx.Value(breakerTallyKey{}).(*breakerTally)
	if !ok {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.counted[taxID]; seen {
		return false
	}
	t.counted[taxID] = struct{}{}
	return true
}

// Run executes one full synchronization cycle:
//
//  1. replay journals left by an interrupted run
//  2. retry the pendencies of every period, in priority order
//  3. process every (entity, period) not already handled in step 2
//
// Per-unit failures are logged and counted in the summary; they never stop
// other entities or periods. The circuit breaker counts at most one failure
// per entity per run. The returned error is non-nil only when ctx ends the
// run early.
func (e *Engine) Run(ctx context.Context, entities []fiscal.Entity, periods []fiscal.Period, opts RunOptions) (Summary, error) {
	ctx = withBreakerTally(ctx)
	sum := Summary{RunID: e.runIDs.Generate()}
	logger := e.logger.With("run_id", sum.RunID)
	logger.InfoContext(ctx, "engine starting",
		"entities", len(entities),
		"periods", len(periods),
		"seed", opts.Seed,
	)

	recovered, err := e.Recover(ctx)
	sum.Recovered = recovered
	if err != nil {
		logger.ErrorContext(ctx, "journal recovery incomplete", "error", err)
	}

	known := make(map[string]fiscal.Entity, len(entities))
	for _, ent := range entities {
		known[ent.TaxID] = ent
	}

	handled := make(map[unitKey]struct{})
	corrupt := make(map[fiscal.Period]bool)

	for _, p := range periods {
		snap, err := e.store.Load(ctx, p)
		if err != nil {
			sum.Failures++
			corrupt[p] = true
			logFailure(ctx, logger, scope{period: p}.localError(err))
			continue
		}
		for _, item := range ListPending(snap) {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			ent, ok := known[item.TaxID]
			if !ok {
				logger.DebugContext(ctx, "pendency for entity outside roster", "tax_id", item.TaxID, "period", item.Period)
				continue
			}
			handled[unitKey{item.TaxID, p, item.Class}] = struct{}{}
			s, _ := e.runUnit(ctx, ent, p, item.Class, opts.Seed)
			sum.Add(s)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)
	for _, ent := range entities {
		g.Go(func() error {
			for _, p := range periods {
				if corrupt[p] || ctx.Err() != nil {
					continue
				}
				s, _ := e.runCycle(ctx, ent, p, cycleOptions{seed: opts.Seed, handled: handled})
				mu.Lock()
				sum.Add(s)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		logger.WarnContext(ctx, "engine stopping: context cancelled", "summary", sum)
		return sum, err
	}

	if opts.Seed {
		if err := e.store.MarkSeedRun(ctx, e.now()); err != nil {
			logger.ErrorContext(ctx, "record seed run", "error", err)
		}
	}
	logger.InfoContext(ctx, "engine finished", "summary", sum)
	return sum, nil
}

// RunCycle processes every document class of one (entity, period). Failed
// classes are recorded as pendencies and joined into the returned error.
func (e *Engine) RunCycle(ctx context.Context, entity fiscal.Entity, period fiscal.Period) (Summary, error) {
	return e.runCycle(ctx, entity, period, cycleOptions{})
}

func (e *Engine) runCycle(ctx context.Context, entity fiscal.Entity, period fiscal.Period, opts cycleOptions) (Summary, error) {
	var sum Summary
	sc := scope{entity: entity, period: period}

	es, err := e.store.LoadEntity(ctx, period, entity.TaxID)
	if err != nil {
		return sum, e.fail(ctx, sc, nil, "", sc.localError(err), &sum)
	}

	var errs []error
	for _, class := range fiscal.Classes {
		if _, done := opts.handled[unitKey{entity.TaxID, period, class}]; done {
			continue
		}
		if p, ok := es.Pendency(class); ok {
			switch {
			case p.Status == state.StatusMaxAttempts:
				e.logger.DebugContext(ctx, "skipping pendency at attempt ceiling", sc.withClass(class).attrs()...)
				continue
			case p.Status == state.StatusNoData && !opts.seed:
				continue
			}
		}

		skip, err := e.suppressed(ctx, sc.withClass(class), &sum)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if skip {
			break
		}

		if err := e.syncClass(ctx, entity, period, class, es, opts.seed, &sum); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return sum, errors.Join(errs...)
}

// runUnit processes a single class, as the pendency pass does.
func (e *Engine) runUnit(ctx context.Context, entity fiscal.Entity, period fiscal.Period, class fiscal.Class, seed bool) (Summary, error) {
	var sum Summary
	sc := scope{entity: entity, period: period, class: class}

	if skip, err := e.suppressed(ctx, sc, &sum); err != nil || skip {
		return sum, err
	}
	es, err := e.store.LoadEntity(ctx, period, entity.TaxID)
	if err != nil {
		return sum, e.fail(ctx, sc, nil, "", sc.localError(err), &sum)
	}
	return sum, e.syncClass(ctx, entity, period, class, es, seed, &sum)
}

func (e *Engine) suppressed(ctx context.Context, sc scope, sum *Summary) (bool, error) {
	skip, err := e.breaker.IsSuppressed(ctx, sc.entity.TaxID)
	if err != nil {
		return false, e.fail(ctx, sc, nil, "", sc.localError(err), sum)
	}
	if skip {
		sum.Suppressed++
		e.metrics.Suppressed(ctx, sc.metricScope())
		e.logger.InfoContext(ctx, "skipping suppressed entity", sc.attrs()...)
	}
	return skip, nil
}

// syncClass is the unit of work: reconcile, resolve the manifest, fetch
// and commit batches per role, then backfill missing keys one by one.
func (e *Engine) syncClass(ctx context.Context, entity fiscal.Entity, period fiscal.Period, class fiscal.Class, es *state.EntityState, seed bool, sum *Summary) error {
	sc := scope{entity: entity, period: period, class: class}
	deadline := e.cfg.Deadlines.For(class)
	sum.Units++

	n, err := e.reconciler.Reconcile(ctx, entity, period, class, es)
	if err != nil {
		return e.fail(ctx, sc, es, "", sc.localError(err), sum)
	}
	sum.Reconciled += n

	manifest, err := callWithDeadline(ctx, deadline, func(ctx context.Context) (source.Manifest, error) {
		return e.source.FetchManifest(ctx, entity.TaxID, class, period)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, sc, es, state.PhaseFetch, sc.upstreamError(err), sum)
	}

	empty, err := classifyManifest(manifest)
	if err != nil {
		return e.fail(ctx, sc, es, state.PhaseFetch, sc.errorf(KindMalformed, err), sum)
	}

	current := pendencyOf(es, class)
	if empty {
		next, eff := Transition(current, NoData(e.now()), e.pendencyPolicy())
		es.SetPendency(class, next)
		sum.NoData++
		if eff.Resolved {
			sum.PendenciesResolved++
		}
		if err := e.store.SaveEntity(ctx, period, es); err != nil {
			return e.fail(ctx, sc, es, "", sc.localError(err), sum)
		}
		e.logger.InfoContext(ctx, "no documents for period", sc.attrs()...)
		return e.succeed(ctx, sc, eff)
	}

	// The pendency stays open until processing completes, so repeated
	// processing failures still count toward the ceiling.
	next, eff := Transition(current, Succeeded(e.now()), e.pendencyPolicy())
	if eff.ResetCursors || seed {
		es.ResetClass(class)
		if err := e.store.SaveEntity(ctx, period, es); err != nil {
			return e.fail(ctx, sc, es, state.PhaseProcessing, sc.localError(err), sum)
		}
		e.logger.InfoContext(ctx, "cursors reset", append(sc.attrs(), "seed", seed)...)
	}

	for _, role := range fiscal.Roles {
		if err := e.fetchRole(ctx, sc.withRole(role), deadline, es, sum); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.fail(ctx, sc.withRole(role), es, state.PhaseProcessing, err, sum)
		}
	}

	if err := e.backfill(ctx, sc, deadline, manifest.Keys, es, sum); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.fail(ctx, sc, es, state.PhaseProcessing, err, sum)
	}

	es.SetPendency(class, next)
	if eff.Resolved {
		sum.PendenciesResolved++
		e.logger.InfoContext(ctx, "pendency resolved", sc.attrs()...)
	}
	if err := e.store.SaveEntity(ctx, period, es); err != nil {
		return e.fail(ctx, sc, es, "", sc.localError(err), sum)
	}
	return e.succeed(ctx, sc, eff)
}

// fetchRole pages through one role from its cursor until a short batch.
func (e *Engine) fetchRole(ctx context.Context, sc scope, deadline time.Duration, es *state.EntityState, sum *Summary) error {
	for {
		offset := es.Offset(sc.class, sc.role)
		docs, err := callWithDeadline(ctx, deadline, func(ctx context.Context) ([]fiscal.Document, error) {
			return e.source.FetchBatch(ctx, sc.entity.TaxID, sc.class, sc.role, sc.period, offset, e.cfg.BatchSize)
		})
		if err != nil {
			return sc.upstreamError(err)
		}
		if len(docs) == 0 {
			return nil
		}

		sum.Fetched += len(docs)
		e.metrics.Commit(ctx, sc.metricScope(), len(docs), 0, 0, 0)

		res, err := e.committer.Commit(ctx, Batch{
			Entity:     sc.entity,
			Period:     sc.period,
			Class:      sc.class,
			Role:       sc.role,
			Documents:  docs,
			BaseOffset: offset,
			Advance:    len(docs),
			State:      es,
		})
		sum.addCommit(res)
		if err != nil {
			return err
		}
		e.logger.DebugContext(ctx, "batch committed", append(sc.attrs(),
			"offset", res.Offset, "mirrored", res.Mirrored, "already_ledgered", res.AlreadyLedgered)...)

		if len(docs) < e.cfg.BatchSize {
			return nil
		}
	}
}

// backfill fetches manifest keys that are neither ledgered nor stored, one
// at a time, when there are few enough of them. Individual fetch failures
// are logged and left for the next cycle.
func (e *Engine) backfill(ctx context.Context, sc scope, deadline time.Duration, keys []fiscal.DocumentKey, es *state.EntityState, sum *Summary) error {
	var missing []fiscal.DocumentKey
	for _, k := range keys {
		if es.Ledgered(sc.class, k) || e.archive.Exists(sc.entity, sc.period, sc.class, k) {
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > e.cfg.SingleFetchThreshold {
		e.logger.WarnContext(ctx, "too many missing documents to fetch individually",
			append(sc.attrs(), "missing", len(missing), "threshold", e.cfg.SingleFetchThreshold)...)
		return nil
	}

	docs := make([]fiscal.Document, 0, len(missing))
	for _, k := range missing {
		doc, err := callWithDeadline(ctx, deadline, func(ctx context.Context) (fiscal.Document, error) {
			return e.source.FetchSingle(ctx, k, sc.class)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WarnContext(ctx, "single fetch failed", append(sc.attrs(), "key", string(k), "error", err)...)
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil
	}

	sum.SingleFetched += len(docs)
	sum.Fetched += len(docs)
	res, err := e.committer.Commit(ctx, Batch{
		Entity:    sc.entity,
		Period:    sc.period,
		Class:     sc.class,
		Documents: docs,
		State:     es,
	})
	sum.addCommit(res)
	return err
}

// fail records a unit failure: pendency transition (when phase is set),
// circuit breaker, metrics and a log line. It returns err.
func (e *Engine) fail(ctx context.Context, sc scope, es *state.EntityState, phase state.Phase, err error, sum *Summary) error {
	sum.Failures++
	logFailure(ctx, e.logger, err)

	kind := KindOf(err)
	e.metrics.Failure(ctx, sc.metricScope(), string(kind))
	if kind == KindCorruptState {
		return err
	}

	if phase != "" && es != nil {
		next, eff := Transition(pendencyOf(es, sc.class), Failed(phase, err, e.now()), e.pendencyPolicy())
		es.SetPendency(sc.class, next)
		if eff.Created {
			sum.PendenciesCreated++
		}
		if eff.Terminal {
			sum.PendenciesTerminal++
			e.logger.WarnContext(ctx, "pendency reached attempt ceiling; manual action required",
				append(sc.attrs(), "attempts", next.Attempts)...)
		}
		e.metrics.Pendency(ctx, sc.metricScope(), boolInt(eff.Created), 0)
		if saveErr := e.store.SaveEntity(ctx, sc.period, es); saveErr != nil {
			e.logger.ErrorContext(ctx, "could not persist pendency", append(sc.attrs(), "error", saveErr)...)
		}
	}

	var berr error
	switch kind {
	case KindHardDeadline:
		berr = e.breaker.RecordTimeout(ctx, sc.entity.TaxID, err)
	case KindTransport, KindMalformed:
		if firstFailure(ctx, sc.entity.TaxID) {
			_, berr = e.breaker.RecordFailure(ctx, sc.entity.TaxID, err)
		}
	}
	if berr != nil {
		e.logger.ErrorContext(ctx, "could not update circuit breaker", append(sc.attrs(), "error", berr)...)
	}
	return err
}

// succeed closes a unit that completed without error.
func (e *Engine) succeed(ctx context.Context, sc scope, eff Effects) error {
	e.metrics.Pendency(ctx, sc.metricScope(), 0, boolInt(eff.Resolved))
	if err := e.breaker.RecordSuccess(ctx, sc.entity.TaxID); err != nil {
		e.logger.ErrorContext(ctx, "could not clear circuit breaker", append(sc.attrs(), "error", err)...)
	}
	return nil
}

func (e *Engine) pendencyPolicy() PendencyPolicy {
	return PendencyPolicy{Ceiling: e.cfg.AttemptCeiling}
}

func pendencyOf(es *state.EntityState, class fiscal.Class) *state.Pendency {
	p, ok := es.Pendency(class)
	if !ok {
		return nil
	}
	return &p
}

func (s scope) withClass(c fiscal.Class) scope {
	s.class = c
	return s
}

func (s scope) metricScope() telemetry.Scope {
	return telemetry.Scope{Period: s.period.Key(), Class: string(s.class)}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
