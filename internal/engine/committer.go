package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/fiscalsync/internal/archive"
	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/journal"
	"github.com/roach88/fiscalsync/internal/mirror"
	"github.com/roach88/fiscalsync/internal/state"
	"github.com/roach88/fiscalsync/internal/telemetry"
)

// DefaultReclassifyDays is how many leading days of a period make an
// incoming document also filed under the previous period.
const DefaultReclassifyDays = 3

// Batch is one unit handed to the committer.
type Batch struct {
	Entity fiscal.Entity
	Period fiscal.Period
	Class  fiscal.Class

	// Role is the cursor the batch was fetched from. Empty for
	// individually fetched documents, which never move a cursor.
	Role fiscal.Role

	Documents []fiscal.Document

	// BaseOffset is the cursor value the batch was fetched at.
	BaseOffset int

	// Advance is how many source positions the batch consumed, including
	// rejected documents.
	Advance int

	// State is the entity partition for Period. The committer updates its
	// ledger and cursor after a durable commit.
	State *state.EntityState
}

// CommitResult counts what one commit did.
type CommitResult struct {
	Stored          int  `json:"stored"`
	Mirrored        int  `json:"mirrored"`
	MirrorPresent   int  `json:"mirror_present"`
	AlreadyLedgered int  `json:"already_ledgered"`
	Rejected        int  `json:"rejected"`
	Reclassified    int  `json:"reclassified"`
	NewLedgerKeys   int  `json:"new_ledger_keys"`
	Offset          int  `json:"offset"`
	Advanced        bool `json:"advanced"`
}

// Committer makes one batch durable: primary storage, mirror, ledger and
// cursor, with a journal entry covering the window between them.
type Committer struct {
	store          *state.Store
	archive        *archive.Archive
	sink           mirror.Sink
	journal        *journal.Journal
	ioDeadline     time.Duration
	reclassifyDays int
	logger         *slog.Logger
	metrics        *telemetry.Metrics
}

// NewCommitter wires a Committer.
func NewCommitter(store *state.Store, arc *archive.Archive, sink mirror.Sink, jr *journal.Journal, ioDeadline time.Duration, reclassifyDays int, logger *slog.Logger, metrics *telemetry.Metrics) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		store:          store,
		archive:        arc,
		sink:           sink,
		journal:        jr,
		ioDeadline:     ioDeadline,
		reclassifyDays: reclassifyDays,
		logger:         logger,
		metrics:        metrics,
	}
}

// Commit stores, mirrors and records b.
//
// Documents already in the ledger are stored but not mirrored again. If a
// storage or mirror write fails, the keys mirrored so far are still
// ledgered, the cursor stays where it was and a STORAGE_WRITE_FAILURE (or
// HARD_DEADLINE_EXCEEDED) is returned; the batch can be retried from
// scratch. After a hard deadline the journal record stays pending so the
// next recovery finishes whatever the abandoned call left behind.
func (c *Committer) Commit(ctx context.Context, b Batch) (CommitResult, error) {
	var res CommitResult
	sc := scope{entity: b.Entity, period: b.Period, class: b.Class, role: b.Role}

	if b.State == nil {
		return res, sc.errorf(KindStorageWrite, errors.New("commit without entity state"))
	}
	if b.Advance < 0 {
		return res, sc.errorf(KindStorageWrite, fmt.Errorf("negative advance %d", b.Advance))
	}

	docs := make([]fiscal.Document, 0, len(b.Documents))
	for _, doc := range b.Documents {
		err := doc.Validate()
		if err == nil && doc.Class != b.Class {
			err = fmt.Errorf("document %s: class %s in %s batch", doc.Key, doc.Class, b.Class)
		}
		if err != nil {
			res.Rejected++
			c.logger.WarnContext(ctx, "rejected document", append(sc.attrs(), "error", err)...)
			continue
		}
		docs = append(docs, doc)
	}

	rec, err := c.journal.Begin(journal.Record{
		TaxID:      b.Entity.TaxID,
		EntityName: b.Entity.Name,
		Period:     b.Period.Key(),
		Class:      b.Class,
		Role:       b.Role,
		BaseOffset: b.BaseOffset,
		Advance:    b.Advance,
	}, docs)
	if err != nil {
		return res, sc.localError(err)
	}

	expect := b.BaseOffset
	if err := c.publish(ctx, sc, docs, b.Advance, &expect, b.State, false, &res); err != nil {
		if IsHardDeadline(err) {
			// An abandoned write may still land after this returns. The
			// record stays pending so recovery mirrors whatever did.
			c.logger.WarnContext(ctx, "journal kept for recovery after deadline", append(sc.attrs(), "tx", rec.ID)...)
			return res, err
		}
		if abortErr := c.journal.Abort(rec.ID); abortErr != nil {
			c.logger.WarnContext(ctx, "journal abort failed", append(sc.attrs(), "tx", rec.ID, "error", abortErr)...)
		}
		return res, err
	}

	if err := c.journal.Complete(rec.ID); err != nil {
		// The batch is durable; a leftover pending record replays as a no-op.
		c.logger.WarnContext(ctx, "journal complete failed", append(sc.attrs(), "tx", rec.ID, "error", err)...)
	}
	return res, nil
}

// Replay finishes a journal record left pending by an interrupted run. The
// cursor is advanced only if it still sits at the record's base offset.
// Every entry goes to the mirror again, ledgered or not: the interrupted
// run may have ledgered a key whose mirror write never happened, and sinks
// ignore documents they already hold.
func (c *Committer) Replay(ctx context.Context, rec journal.Record) (CommitResult, error) {
	var res CommitResult
	period, err := fiscal.ParsePeriod(rec.Period)
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	entity := fiscal.Entity{TaxID: rec.TaxID, Name: rec.EntityName}
	sc := scope{entity: entity, period: period, class: rec.Class, role: rec.Role}

	docs := make([]fiscal.Document, 0, len(rec.Entries))
	for _, e := range rec.Entries {
		doc, err := c.journal.Document(rec, e, rec.Class)
		if err != nil {
			// Nothing was advanced for this batch; it will be fetched again.
			c.logger.WarnContext(ctx, "discarding unreadable journal", append(sc.attrs(), "tx", rec.ID, "error", err)...)
			return res, c.journal.Abort(rec.ID)
		}
		docs = append(docs, doc)
	}

	es, err := c.store.LoadEntity(ctx, period, rec.TaxID)
	if err != nil {
		return res, sc.localError(err)
	}

	expect := rec.BaseOffset
	if err := c.publish(ctx, sc, docs, rec.Advance, &expect, es, true, &res); err != nil {
		return res, err
	}
	if err := c.journal.Complete(rec.ID); err != nil {
		return res, fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	return res, nil
}

// stored is a primary-storage file created by the current batch.
type stored struct {
	period fiscal.Period
	doc    fiscal.Document
}

// publish runs storage, mirror and the ledger/cursor transaction. With
// remirror set, ledgered documents are offered to the sink as well.
func (c *Committer) publish(ctx context.Context, sc scope, docs []fiscal.Document, advance int, expect *int, es *state.EntityState, remirror bool, res *CommitResult) error {
	delivered := make([]fiscal.DocumentKey, 0, len(docs))
	deliveredSet := make(map[fiscal.DocumentKey]struct{}, len(docs))
	var (
		created []stored
		failure *SyncError
	)

	for _, doc := range docs {
		dsc := sc.withRole(doc.Role)

		files, err := c.storeDocument(ctx, sc, doc, res)
		created = append(created, files...)
		if err != nil {
			failure = dsc.localError(err)
			break
		}

		if es.Ledgered(sc.class, doc.Key) {
			res.AlreadyLedgered++
			if !remirror {
				delivered = append(delivered, doc.Key)
				deliveredSet[doc.Key] = struct{}{}
				continue
			}
		}

		item := mirror.Item{
			TaxID:   sc.entity.TaxID,
			Period:  sc.period,
			Class:   sc.class,
			Role:    doc.Role,
			Key:     doc.Key,
			Content: doc.Content,
		}
		written, err := callWithDeadline(ctx, c.ioDeadline, func(ctx context.Context) (bool, error) {
			return c.sink.Put(ctx, item)
		})
		if err != nil {
			failure = dsc.localError(fmt.Errorf("mirror %s: %w", doc.Key, err))
			break
		}
		if written {
			res.Mirrored++
		} else {
			res.MirrorPresent++
		}
		delivered = append(delivered, doc.Key)
		deliveredSet[doc.Key] = struct{}{}
	}

	if failure != nil {
		advance = 0
		// Files this batch created for undelivered documents are removed so
		// reconciliation cannot ledger them before they reach the mirror.
		for _, f := range created {
			if _, ok := deliveredSet[f.doc.Key]; ok {
				continue
			}
			if err := c.archive.Remove(sc.entity, f.period, f.doc.Class, f.doc.Role, f.doc.Key); err != nil {
				c.logger.ErrorContext(ctx, "could not roll back stored document",
					append(sc.attrs(), "key", string(f.doc.Key), "error", err)...)
			}
		}
	}

	out, err := c.store.CommitBatch(ctx, sc.period, state.BatchRecord{
		TaxID:        sc.entity.TaxID,
		Class:        sc.class,
		Role:         sc.role,
		Keys:         delivered,
		Advance:      advance,
		ExpectOffset: expect,
	})
	if err != nil {
		if failure != nil {
			c.logger.ErrorContext(ctx, "could not ledger mirrored keys after write failure",
				append(sc.attrs(), "keys", len(delivered), "error", err)...)
			return failure
		}
		return sc.localError(err)
	}

	es.Record(sc.class, delivered...)
	if sc.role != "" {
		es.Cursors[state.CursorKey{Class: sc.class, Role: sc.role}] = out.Offset
	}
	res.NewLedgerKeys += out.NewKeys
	res.Offset = out.Offset
	res.Advanced = out.Advanced

	if advance > 0 && !out.Advanced {
		c.logger.WarnContext(ctx, "cursor moved since batch was fetched; not advancing",
			append(sc.attrs(), "expected", *expect, "offset", out.Offset)...)
	}

	c.metrics.Commit(ctx, telemetry.Scope{Period: sc.period.Key(), Class: string(sc.class)},
		0, res.Stored, res.Mirrored, res.AlreadyLedgered)

	if failure != nil {
		return failure
	}
	return nil
}

// storeDocument writes one document to primary storage, plus the
// previous-period copy for early-period incoming documents. It returns the
// files it created.
func (c *Committer) storeDocument(ctx context.Context, sc scope, doc fiscal.Document, res *CommitResult) ([]stored, error) {
	var created []stored

	write := func(period fiscal.Period) error {
		_, statErr := os.Stat(c.archive.Path(sc.entity, period, doc.Class, doc.Role, doc.Key))
		absent := errors.Is(statErr, fs.ErrNotExist)
		isNew, err := callWithDeadline(ctx, c.ioDeadline, func(ctx context.Context) (bool, error) {
			return c.archive.Write(ctx, sc.entity, period, doc)
		})
		if err != nil {
			if absent && errors.Is(err, ErrHardDeadline) {
				// The abandoned write may have renamed its file into place.
				created = append(created, stored{period: period, doc: doc})
			}
			return err
		}
		if isNew {
			created = append(created, stored{period: period, doc: doc})
		}
		return nil
	}

	if err := write(sc.period); err != nil {
		return created, err
	}
	res.Stored++

	if !c.reclassifies(sc.period, doc) {
		return created, nil
	}
	if err := write(sc.period.Prev()); err != nil {
		return created, fmt.Errorf("reclassify %s: %w", doc.Key, err)
	}
	res.Reclassified++
	return created, nil
}

// reclassifies reports whether doc is an incoming document issued within
// the first reclassifyDays days of period.
func (c *Committer) reclassifies(period fiscal.Period, doc fiscal.Document) bool {
	if c.reclassifyDays <= 0 || !doc.Role.Incoming() || doc.IssuedAt.IsZero() {
		return false
	}
	return period.Contains(doc.IssuedAt) && doc.IssuedAt.Day() <= c.reclassifyDays
}
