package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

const (
	metadataFile = "metadata.db"
	unitFile     = "state.db"
)

// Store owns all durable synchronization state under one directory.
type Store struct {
	dir    string
	meta   *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	units map[string]*unit
}

// unit is one open period database. mu serializes writers.
type unit struct {
	mu     sync.Mutex
	period fiscal.Period
	path   string
	db     *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for migration and corruption reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides the time source used for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates the state directory.
//
// If a legacy state.json is present it is imported before Open returns; a
// failed import fails Open so that no cycle ever runs against partially
// migrated state.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
		units:  make(map[string]*unit),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	meta, err := openSQLite(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	if err := applyMetadataSchema(meta); err != nil {
		meta.Close()
		return nil, fmt.Errorf("apply metadata schema: %w", err)
	}
	s.meta = meta

	legacy := filepath.Join(dir, LegacyFile)
	if _, err := os.Stat(legacy); err == nil {
		report, err := s.ImportLegacy(ctx, legacy)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("import legacy state: %w", err)
		}
		s.logger.Info("legacy state imported",
			"file", legacy,
			"periods", report.Periods,
			"entities", report.Entities,
			"ledger_keys", report.LedgerKeys,
			"cursors", report.Cursors,
			"pendencies", report.Pendencies,
		)
	}

	return s, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close closes every open database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, u := range s.units {
		if err := u.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close period %s: %w", key, err))
		}
		delete(s.units, key)
	}
	if s.meta != nil {
		if err := s.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata: %w", err))
		}
		s.meta = nil
	}
	return errors.Join(errs...)
}

// UnitPath returns the database file backing period.
func (s *Store) UnitPath(period fiscal.Period) string {
	return filepath.Join(s.dir, period.Key(), unitFile)
}

// unitFor returns the open unit for period, opening and validating it on
// first use. Failed opens are not cached so a quarantined unit is recreated
// on the next call.
func (s *Store) unitFor(ctx context.Context, period fiscal.Period) (*unit, error) {
	key := period.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.units[key]; ok {
		return u, nil
	}

	path := s.UnitPath(period)
	existed := false
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		existed = true
	}

	corrupt := func(reason string, err error) error {
		s.logger.Error("corrupt period state; quarantine the unit before the next cycle",
			"period", key,
			"path", path,
			"reason", reason,
			"error", err,
		)
		return &CorruptStateError{Period: key, Path: path, Reason: reason, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create period dir %s: %w", key, err)
	}

	db, err := openSQLite(path)
	if err != nil {
		if existed && isCorruptSQLite(err) {
			return nil, corrupt("unreadable database", err)
		}
		return nil, fmt.Errorf("open period %s: %w", key, err)
	}

	fail := func(err error) (*unit, error) {
		db.Close()
		return nil, err
	}

	if existed {
		problem, err := quickCheck(ctx, db)
		if err != nil {
			if isCorruptSQLite(err) {
				return fail(corrupt("integrity check failed", err))
			}
			return fail(fmt.Errorf("check period %s: %w", key, err))
		}
		if problem != "" {
			return fail(corrupt("integrity check: "+problem, nil))
		}
	}

	if _, err := applyPeriodSchema(db); err != nil {
		if errors.Is(err, errFutureSchema) || isCorruptSQLite(err) {
			return fail(corrupt("schema", err))
		}
		return fail(fmt.Errorf("apply schema for period %s: %w", key, err))
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO period_info (id, period_key, created_at) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING",
		key, s.now().Unix(),
	); err != nil {
		return fail(fmt.Errorf("write period identity %s: %w", key, err))
	}
	var stored string
	if err := db.QueryRowContext(ctx, "SELECT period_key FROM period_info WHERE id = 1").Scan(&stored); err != nil {
		return fail(fmt.Errorf("read period identity %s: %w", key, err))
	}
	if stored != key {
		return fail(corrupt(fmt.Sprintf("unit belongs to period %q", stored), nil))
	}

	if _, err := s.meta.ExecContext(ctx,
		"INSERT INTO periods (period_key, created_at) VALUES (?, ?) ON CONFLICT(period_key) DO NOTHING",
		key, s.now().Unix(),
	); err != nil {
		return fail(fmt.Errorf("register period %s: %w", key, err))
	}

	u := &unit{period: period, path: path, db: db}
	s.units[key] = u
	return u, nil
}

// Load returns the full state of period.
func (s *Store) Load(ctx context.Context, period fiscal.Period) (*Snapshot, error) {
	u, err := s.unitFor(ctx, period)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(period)
	if err := u.read(ctx, "", snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadEntity returns the partition of period owned by taxID. The result is
// never nil; an unseen entity yields an empty partition.
func (s *Store) LoadEntity(ctx context.Context, period fiscal.Period, taxID string) (*EntityState, error) {
	u, err := s.unitFor(ctx, period)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(period)
	if err := u.read(ctx, taxID, snap); err != nil {
		return nil, err
	}
	return snap.Entity(taxID), nil
}

// Save persists every entity partition present in snap. Partitions absent
// from snap are left untouched. Ledger rows are only ever added.
func (s *Store) Save(ctx context.Context, period fiscal.Period, snap *Snapshot) error {
	if snap.Period != period {
		return fmt.Errorf("save period %s: snapshot is for %s", period.Key(), snap.Period.Key())
	}
	u, err := s.unitFor(ctx, period)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save period %s: begin: %w", period.Key(), err)
	}
	defer tx.Rollback()

	for _, id := range snap.TaxIDs() {
		if err := s.writeEntity(ctx, tx, snap.Entities[id]); err != nil {
			return fmt.Errorf("save period %s entity %s: %w", period.Key(), id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save period %s: commit: %w", period.Key(), err)
	}
	return nil
}

// SaveEntity persists a single partition.
func (s *Store) SaveEntity(ctx context.Context, period fiscal.Period, e *EntityState) error {
	snap := NewSnapshot(period)
	snap.Entities[e.TaxID] = e
	return s.Save(ctx, period, snap)
}

func (s *Store) writeEntity(ctx context.Context, tx *sql.Tx, e *EntityState) error {
	now := s.now().Unix()

	for class := range e.Ledger {
		for _, key := range e.LedgerKeys(class) {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO ledger (tax_id, class, doc_key, recorded_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
				e.TaxID, string(class), string(key), now,
			); err != nil {
				return fmt.Errorf("write ledger: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cursors WHERE tax_id = ?", e.TaxID); err != nil {
		return fmt.Errorf("clear cursors: %w", err)
	}
	for k, pos := range e.Cursors {
		if pos == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cursors (tax_id, class, role, position) VALUES (?, ?, ?, ?)",
			e.TaxID, string(k.Class), string(k.Role), pos,
		); err != nil {
			return fmt.Errorf("write cursor %s/%s: %w", k.Class, k.Role, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pendencies WHERE tax_id = ?", e.TaxID); err != nil {
		return fmt.Errorf("clear pendencies: %w", err)
	}
	for class, p := range e.Pendencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pendencies (tax_id, class, status, attempts, last_attempt, last_error, phase, first_failure)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TaxID, string(class), string(p.Status), p.Attempts,
			unixOrZero(p.LastAttempt), p.LastError, string(p.Phase), unixOrZero(p.FirstFailure),
		); err != nil {
			return fmt.Errorf("write pendency %s: %w", class, err)
		}
	}
	return nil
}

// BatchRecord is the ledger and cursor effect of one committed batch.
type BatchRecord struct {
	TaxID string
	Class fiscal.Class
	Role  fiscal.Role
	Keys  []fiscal.DocumentKey

	// Advance is added to the (Class, Role) cursor. Zero leaves it unchanged.
	Advance int

	// ExpectOffset, when set, makes the advance conditional on the cursor
	// still being at that value. Used when replaying journals so a batch
	// is never counted twice.
	ExpectOffset *int
}

// BatchOutcome reports what CommitBatch changed.
type BatchOutcome struct {
	NewKeys  int
	Offset   int
	Advanced bool
}

// CommitBatch records ledger keys and advances a cursor in one transaction.
func (s *Store) CommitBatch(ctx context.Context, period fiscal.Period, rec BatchRecord) (BatchOutcome, error) {
	var out BatchOutcome
	if rec.Advance < 0 {
		return out, fmt.Errorf("commit batch: negative advance %d", rec.Advance)
	}

	u, err := s.unitFor(ctx, period)
	if err != nil {
		return out, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	for _, key := range rec.Keys {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO ledger (tax_id, class, doc_key, recorded_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
			rec.TaxID, string(rec.Class), string(key), now,
		)
		if err != nil {
			return out, fmt.Errorf("commit batch: write ledger %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return out, fmt.Errorf("commit batch: rows affected: %w", err)
		}
		out.NewKeys += int(n)
	}

	err = tx.QueryRowContext(ctx,
		"SELECT position FROM cursors WHERE tax_id = ? AND class = ? AND role = ?",
		rec.TaxID, string(rec.Class), string(rec.Role),
	).Scan(&out.Offset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("commit batch: read cursor: %w", err)
	}

	if rec.Advance > 0 && (rec.ExpectOffset == nil || *rec.ExpectOffset == out.Offset) {
		out.Offset += rec.Advance
		out.Advanced = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (tax_id, class, role, position) VALUES (?, ?, ?, ?)
			ON CONFLICT(tax_id, class, role) DO UPDATE SET position = excluded.position`,
			rec.TaxID, string(rec.Class), string(rec.Role), out.Offset,
		); err != nil {
			return out, fmt.Errorf("commit batch: write cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit batch: commit: %w", err)
	}
	return out, nil
}

func (u *unit) read(ctx context.Context, taxID string, snap *Snapshot) error {
	key := u.period.Key()
	filter := ""
	var args []any
	if taxID != "" {
		filter = " WHERE tax_id = ?"
		args = append(args, taxID)
	}

	decodeErr := func(err error) error {
		return &CorruptStateError{Period: key, Path: u.path, Reason: "undecodable row", Err: err}
	}

	rows, err := u.db.QueryContext(ctx, "SELECT tax_id, class, doc_key FROM ledger"+filter, args...)
	if err != nil {
		return readErr(u, "ledger", err)
	}
	for rows.Next() {
		var id, class, doc string
		if err := rows.Scan(&id, &class, &doc); err != nil {
			rows.Close()
			return readErr(u, "ledger", err)
		}
		c, err := fiscal.ParseClass(class)
		if err != nil {
			rows.Close()
			return decodeErr(err)
		}
		snap.Entity(id).Record(c, fiscal.DocumentKey(doc))
	}
	if err := rows.Close(); err != nil {
		return readErr(u, "ledger", err)
	}
	if err := rows.Err(); err != nil {
		return readErr(u, "ledger", err)
	}

	rows, err = u.db.QueryContext(ctx, "SELECT tax_id, class, role, position FROM cursors"+filter, args...)
	if err != nil {
		return readErr(u, "cursors", err)
	}
	for rows.Next() {
		var id, class, role string
		var pos int
		if err := rows.Scan(&id, &class, &role, &pos); err != nil {
			rows.Close()
			return readErr(u, "cursors", err)
		}
		c, err := fiscal.ParseClass(class)
		if err != nil {
			rows.Close()
			return decodeErr(err)
		}
		r, err := fiscal.ParseRole(role)
		if err != nil {
			rows.Close()
			return decodeErr(err)
		}
		snap.Entity(id).Cursors[CursorKey{Class: c, Role: r}] = pos
	}
	if err := rows.Close(); err != nil {
		return readErr(u, "cursors", err)
	}
	if err := rows.Err(); err != nil {
		return readErr(u, "cursors", err)
	}

	rows, err = u.db.QueryContext(ctx, `
		SELECT tax_id, class, status, attempts, last_attempt, last_error, phase, first_failure
		FROM pendencies`+filter, args...)
	if err != nil {
		return readErr(u, "pendencies", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, class, status, lastErr, phase string
			attempts                          int
			lastAttempt, firstFailure         int64
		)
		if err := rows.Scan(&id, &class, &status, &attempts, &lastAttempt, &lastErr, &phase, &firstFailure); err != nil {
			return readErr(u, "pendencies", err)
		}
		c, err := fiscal.ParseClass(class)
		if err != nil {
			return decodeErr(err)
		}
		st, err := parseStatus(status)
		if err != nil {
			return decodeErr(err)
		}
		ph, err := parsePhase(phase)
		if err != nil {
			return decodeErr(err)
		}
		snap.Entity(id).Pendencies[c] = Pendency{
			Class:        c,
			Status:       st,
			Phase:        ph,
			Attempts:     attempts,
			FirstFailure: timeOrZero(firstFailure),
			LastAttempt:  timeOrZero(lastAttempt),
			LastError:    lastErr,
		}
	}
	if err := rows.Err(); err != nil {
		return readErr(u, "pendencies", err)
	}
	return nil
}

func readErr(u *unit, table string, err error) error {
	if isCorruptSQLite(err) {
		return &CorruptStateError{Period: u.period.Key(), Path: u.path, Reason: "read " + table, Err: err}
	}
	return fmt.Errorf("read %s for period %s: %w", table, u.period.Key(), err)
}

// Check opens period and runs an integrity check without loading rows.
func (s *Store) Check(ctx context.Context, period fiscal.Period) error {
	u, err := s.unitFor(ctx, period)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	problem, err := quickCheck(ctx, u.db)
	if err != nil {
		return readErr(u, "integrity", err)
	}
	if problem != "" {
		return &CorruptStateError{Period: period.Key(), Path: u.path, Reason: "integrity check: " + problem}
	}
	return nil
}

// Quarantine moves the unit of period aside so the next access starts a
// fresh one. It returns the new location of the old file, or "" if there was
// nothing to move.
func (s *Store) Quarantine(period fiscal.Period) (string, error) {
	key := period.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.units[key]; ok {
		u.mu.Lock()
		u.db.Close()
		u.mu.Unlock()
		delete(s.units, key)
	}

	path := s.UnitPath(period)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	dest := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("quarantine period %s: %w", key, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			if err := os.Rename(path+suffix, dest+suffix); err != nil {
				return dest, fmt.Errorf("quarantine period %s: move %s: %w", key, suffix, err)
			}
		}
	}

	s.logger.Warn("period state quarantined", "period", key, "moved_to", dest)
	return dest, nil
}

// Periods lists every period known to the store: those registered in
// metadata and any MM-YYYY directory found on disk. Oldest first.
func (s *Store) Periods(ctx context.Context) ([]fiscal.Period, error) {
	seen := make(map[string]fiscal.Period)

	rows, err := s.meta.QueryContext(ctx, "SELECT period_key FROM periods")
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list periods: %w", err)
		}
		p, err := fiscal.ParsePeriod(key)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list periods: %w", err)
		}
		seen[p.Key()] = p
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := fiscal.ParsePeriod(entry.Name())
		if err != nil || p.Key() != entry.Name() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, entry.Name(), unitFile)); err != nil {
			continue
		}
		seen[p.Key()] = p
	}

	out := make([]fiscal.Period, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
