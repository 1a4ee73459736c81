package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
)

// PendencyStatus is the lifecycle state of a manifest pendency.
type PendencyStatus string

const (
	// StatusPending is retried on every cycle until it resolves or hits the ceiling.
	StatusPending PendencyStatus = "pending"

	// StatusMaxAttempts is terminal. It stays visible until cleared by an operator.
	StatusMaxAttempts PendencyStatus = "max_attempts_reached"

	// StatusNoData records that the source confirmed there is nothing to fetch.
	StatusNoData PendencyStatus = "no_data_confirmed"
)

func parseStatus(s string) (PendencyStatus, error) {
	switch PendencyStatus(s) {
	case StatusPending, StatusMaxAttempts, StatusNoData:
		return PendencyStatus(s), nil
	}
	return "", fmt.Errorf("unknown pendency status %q", s)
}

// Phase records where the last failure of a pendency happened.
type Phase string

const (
	// PhaseFetch means the manifest could not be obtained.
	PhaseFetch Phase = "fetch"

	// PhaseProcessing means the manifest arrived but handling it failed.
	PhaseProcessing Phase = "processing"
)

func parsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseFetch, PhaseProcessing:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown pendency phase %q", s)
}

// Pendency is a retryable record of a failed manifest for one
// (entity, period, class).
type Pendency struct {
	Class        fiscal.Class   `json:"class"`
	Status       PendencyStatus `json:"status"`
	Phase        Phase          `json:"phase"`
	Attempts     int            `json:"attempts"`
	FirstFailure time.Time      `json:"first_failure"`
	LastAttempt  time.Time      `json:"last_attempt"`
	LastError    string         `json:"last_error,omitempty"`
}

// Active reports whether the pendency is still eligible for automatic retry.
func (p Pendency) Active() bool {
	return p.Status == StatusPending
}

// CursorKey addresses one pagination cursor inside an entity partition.
type CursorKey struct {
	Class fiscal.Class
	Role  fiscal.Role
}

// EntityState is the partition of one period's state owned by one entity.
// It is a detached copy: mutations take effect when passed to Store.SaveEntity.
type EntityState struct {
	TaxID      string
	Ledger     map[fiscal.Class]map[fiscal.DocumentKey]struct{}
	Cursors    map[CursorKey]int
	Pendencies map[fiscal.Class]Pendency
}

// NewEntityState returns an empty partition for taxID.
func NewEntityState(taxID string) *EntityState {
	return &EntityState{
		TaxID:      taxID,
		Ledger:     make(map[fiscal.Class]map[fiscal.DocumentKey]struct{}),
		Cursors:    make(map[CursorKey]int),
		Pendencies: make(map[fiscal.Class]Pendency),
	}
}

// Ledgered reports whether key was already delivered downstream.
func (e *EntityState) Ledgered(class fiscal.Class, key fiscal.DocumentKey) bool {
	_, ok := e.Ledger[class][key]
	return ok
}

// Record adds keys to the ledger and returns how many were new.
func (e *EntityState) Record(class fiscal.Class, keys ...fiscal.DocumentKey) int {
	set, ok := e.Ledger[class]
	if !ok {
		set = make(map[fiscal.DocumentKey]struct{})
		e.Ledger[class] = set
	}
	added := 0
	for _, k := range keys {
		if _, dup := set[k]; dup {
			continue
		}
		set[k] = struct{}{}
		added++
	}
	return added
}

// LedgerKeys returns the ledgered keys of a class, sorted.
func (e *EntityState) LedgerKeys(class fiscal.Class) []fiscal.DocumentKey {
	keys := make([]fiscal.DocumentKey, 0, len(e.Ledger[class]))
	for k := range e.Ledger[class] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Offset returns the cursor for (class, role), 0 if never advanced.
func (e *EntityState) Offset(class fiscal.Class, role fiscal.Role) int {
	return e.Cursors[CursorKey{Class: class, Role: role}]
}

// Advance moves a cursor forward by delta. Cursors never move backwards
// except through ResetClass.
func (e *EntityState) Advance(class fiscal.Class, role fiscal.Role, delta int) error {
	if delta < 0 {
		return fmt.Errorf("advance cursor %s/%s: negative delta %d", class, role, delta)
	}
	if delta == 0 {
		return nil
	}
	e.Cursors[CursorKey{Class: class, Role: role}] += delta
	return nil
}

// ResetClass zeroes every role cursor of a class.
func (e *EntityState) ResetClass(class fiscal.Class) {
	for k := range e.Cursors {
		if k.Class == class {
			delete(e.Cursors, k)
		}
	}
}

// Pendency returns the pendency for class, if any.
func (e *EntityState) Pendency(class fiscal.Class) (Pendency, bool) {
	p, ok := e.Pendencies[class]
	return p, ok
}

// SetPendency stores p, or removes the entry when p is nil.
func (e *EntityState) SetPendency(class fiscal.Class, p *Pendency) {
	if p == nil {
		delete(e.Pendencies, class)
		return
	}
	cp := *p
	cp.Class = class
	e.Pendencies[class] = cp
}

// Clone returns a deep copy.
func (e *EntityState) Clone() *EntityState {
	out := NewEntityState(e.TaxID)
	for class, set := range e.Ledger {
		cp := make(map[fiscal.DocumentKey]struct{}, len(set))
		for k := range set {
			cp[k] = struct{}{}
		}
		out.Ledger[class] = cp
	}
	for k, v := range e.Cursors {
		out.Cursors[k] = v
	}
	for k, v := range e.Pendencies {
		out.Pendencies[k] = v
	}
	return out
}

// Snapshot is the full state of one period.
type Snapshot struct {
	Period   fiscal.Period
	Entities map[string]*EntityState
}

// NewSnapshot returns an empty snapshot for period.
func NewSnapshot(period fiscal.Period) *Snapshot {
	return &Snapshot{Period: period, Entities: make(map[string]*EntityState)}
}

// Entity returns the partition for taxID, creating it if needed.
func (s *Snapshot) Entity(taxID string) *EntityState {
	e, ok := s.Entities[taxID]
	if !ok {
		e = NewEntityState(taxID)
		s.Entities[taxID] = e
	}
	return e
}

// TaxIDs returns the entities present in the snapshot, sorted.
func (s *Snapshot) TaxIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
