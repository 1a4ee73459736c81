package engine

import (
	"sort"
	"time"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// PendingItem is one pendency in queue order.
type PendingItem struct {
	TaxID       string               `json:"tax_id"`
	Period      string               `json:"period"`
	Class       fiscal.Class         `json:"class"`
	Status      state.PendencyStatus `json:"status"`
	Phase       state.Phase          `json:"phase"`
	Attempts    int                  `json:"attempts"`
	LastAttempt time.Time            `json:"last_attempt"`
	LastError   string               `json:"last_error,omitempty"`
}

// ListPending returns the pendencies of snap that are still retried
// automatically, highest priority first:
//
//  1. processing-phase failures before fetch-phase failures
//  2. fewest attempts first
//  3. tax ID, then class, for a stable order
//
// Terminal and no-data entries are excluded.
func ListPending(snap *state.Snapshot) []PendingItem {
	return collectPendencies(snap, func(p state.Pendency) bool { return p.Active() })
}

// ListPendencies returns every pendency of snap, including terminal and
// no-data entries, in the same order as ListPending.
func ListPendencies(snap *state.Snapshot) []PendingItem {
	return collectPendencies(snap, func(state.Pendency) bool { return true })
}

func collectPendencies(snap *state.Snapshot, keep func(state.Pendency) bool) []PendingItem {
	var items []PendingItem
	for _, id := range snap.TaxIDs() {
		for class, p := range snap.Entities[id].Pendencies {
			if !keep(p) {
				continue
			}
			items = append(items, PendingItem{
				TaxID:       id,
				Period:      snap.Period.Key(),
				Class:       class,
				Status:      p.Status,
				Phase:       p.Phase,
				Attempts:    p.Attempts,
				LastAttempt: p.LastAttempt,
				LastError:   p.LastError,
			})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if pa, pb := phaseRank(a.Phase), phaseRank(b.Phase); pa != pb {
			return pa < pb
		}
		if a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		if a.TaxID != b.TaxID {
			return a.TaxID < b.TaxID
		}
		return a.Class < b.Class
	})
	return items
}

func phaseRank(p state.Phase) int {
	if p == state.PhaseProcessing {
		return 0
	}
	return 1
}
