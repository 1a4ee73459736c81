// Package state is the durable store for synchronization state.
//
// State is partitioned by period: each period gets its own SQLite database
// under <dir>/<MM-YYYY>/state.db holding the dedup ledger, pagination cursors
// and manifest pendencies of every entity for that period. A single
// <dir>/metadata.db records known periods, the last full-history run and the
// circuit breaker entries.
//
// The Store is the only writer of durable state. Writes to one period are
// serialized by a per-period mutex; different periods are written
// concurrently. Readers receive detached snapshots that the caller mutates
// and hands back to Save.
//
// A period unit that cannot be read is reported as *CorruptStateError. The
// store never replaces it with an empty state; callers decide whether to
// Quarantine it.
package state
