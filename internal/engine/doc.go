// Package engine implements incremental synchronization and recovery of
// fiscal documents.
//
// A run walks (entity, period, class) units. For each unit the engine
// backfills the ledger from primary storage, resolves the upstream
// manifest, pages through every role from its cursor and commits each
// batch through the Committer, then fetches a bounded number of missing
// keys one at a time.
//
// Failure handling is explicit:
//
//   - Manifest and processing failures move the unit through the pendency
//     state machine (Transition). Pendencies are retried first on the next
//     run, in ListPending order, until they resolve or hit the ceiling.
//   - Upstream failures feed the per-entity circuit breaker. A hard
//     deadline suppresses the entity at once.
//   - Every upstream and storage call runs under callWithDeadline, so a
//     stalled transport cannot hold a worker.
//   - A corrupt period unit fails only that period.
//
// Cursor invariant: offset N for (class, role) means positions 0..N-1 were
// stored, mirrored and ledgered. Cursors move only inside the same SQLite
// transaction that records the ledger keys.
package engine
