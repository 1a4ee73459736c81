package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema/period.sql
var periodSchemaSQL string

//go:embed schema/metadata.sql
var metadataSchemaSQL string

// Period unit schema versions:
// 0 - Fresh file
// 1 - ledger, cursors, pendencies
// 2 - pendencies.phase and pendencies.first_failure
const currentPeriodSchemaVersion = 2

// Metadata schema versions:
// 1 - metadata, periods, breakers
const currentMetadataSchemaVersion = 1

// openSQLite opens path with the pragmas every state database uses.
//
//   - WAL mode so readers never block the writer
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//   - a single connection, since each file has one writer
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// quickCheck runs PRAGMA quick_check and returns the first problem reported,
// or "" when the file is healthy.
func quickCheck(ctx context.Context, db *sql.DB) (string, error) {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check(1)").Scan(&result); err != nil {
		return "", fmt.Errorf("quick_check: %w", err)
	}
	if result == "ok" {
		return "", nil
	}
	return result, nil
}

// periodMigration upgrades a period unit from version-1 to version.
type periodMigration struct {
	version int
	apply   func(db *sql.DB) error
}

// periodMigrations are applied in order to any unit whose user_version is
// lower than the migration's version.
var periodMigrations = []periodMigration{
	{version: 1, apply: func(*sql.DB) error { return nil }},
	{version: 2, apply: migratePeriodToV2},
}

// applyPeriodSchema creates missing tables and runs pending migrations.
// A unit written by a newer release is rejected before anything is touched.
func applyPeriodSchema(db *sql.DB) (int, error) {
	version, err := userVersion(db)
	if err != nil {
		return 0, err
	}
	if version > currentPeriodSchemaVersion {
		return version, errFutureSchema
	}

	if _, err := db.Exec(periodSchemaSQL); err != nil {
		return version, fmt.Errorf("execute schema: %w", err)
	}

	for _, m := range periodMigrations {
		if version >= m.version {
			continue
		}
		if err := m.apply(db); err != nil {
			return version, fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		version = m.version
	}

	if err := setUserVersion(db, currentPeriodSchemaVersion); err != nil {
		return version, err
	}
	return currentPeriodSchemaVersion, nil
}

var errFutureSchema = fmt.Errorf("schema version newer than v%d", currentPeriodSchemaVersion)

// migratePeriodToV2 adds the failure phase and first-failure timestamp to
// pendencies. Fresh files already have both columns from the schema.
func migratePeriodToV2(db *sql.DB) error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"phase", "ALTER TABLE pendencies ADD COLUMN phase TEXT NOT NULL DEFAULT 'fetch'"},
		{"first_failure", "ALTER TABLE pendencies ADD COLUMN first_failure INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		ok, err := hasColumn(db, "pendencies", c.name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}

	// v1 recorded processing failures as a distinct status.
	if _, err := db.Exec(`
		UPDATE pendencies SET status = 'pending', phase = 'processing'
		WHERE status = 'pending_processing'
	`); err != nil {
		return fmt.Errorf("split processing status: %w", err)
	}
	if _, err := db.Exec(`
		UPDATE pendencies SET status = 'pending', phase = 'fetch'
		WHERE status = 'pending_fetch'
	`); err != nil {
		return fmt.Errorf("split fetch status: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func applyMetadataSchema(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version > currentMetadataSchemaVersion {
		return fmt.Errorf("metadata schema v%d is newer than supported v%d", version, currentMetadataSchemaVersion)
	}
	if _, err := db.Exec(metadataSchemaSQL); err != nil {
		return fmt.Errorf("execute metadata schema: %w", err)
	}
	return setUserVersion(db, currentMetadataSchemaVersion)
}
