package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

func TestListPending_Order(t *testing.T) {
	snap := state.NewSnapshot(testPeriod)

	set := func(taxID string, class fiscal.Class, status state.PendencyStatus, phase state.Phase, attempts int) {
		snap.Entity(taxID).SetPendency(class, &state.Pendency{Status: status, Phase: phase, Attempts: attempts})
	}
	set("300", fiscal.ClassNFe, state.StatusPending, state.PhaseFetch, 1)
	set("100", fiscal.ClassNFe, state.StatusPending, state.PhaseFetch, 5)
	set("200", fiscal.ClassCTe, state.StatusPending, state.PhaseProcessing, 7)
	set("200", fiscal.ClassNFe, state.StatusPending, state.PhaseProcessing, 2)
	set("100", fiscal.ClassCTe, state.StatusPending, state.PhaseFetch, 1)
	set("400", fiscal.ClassNFe, state.StatusMaxAttempts, state.PhaseProcessing, 10)
	set("500", fiscal.ClassNFe, state.StatusNoData, state.PhaseFetch, 0)

	items := ListPending(snap)

	type ref struct {
		tax   string
		class fiscal.Class
	}
	var got []ref
	for _, it := range items {
		got = append(got, ref{it.TaxID, it.Class})
		assert.Equal(t, "03-2025", it.Period)
	}
	assert.Equal(t, []ref{
		{"200", fiscal.ClassNFe}, // processing, 2 attempts
		{"200", fiscal.ClassCTe}, // processing, 7 attempts
		{"100", fiscal.ClassCTe}, // fetch, 1 attempt, tax ID tie-break
		{"300", fiscal.ClassNFe}, // fetch, 1 attempt
		{"100", fiscal.ClassNFe}, // fetch, 5 attempts
	}, got)
}

func TestListPendencies_IncludesInactive(t *testing.T) {
	snap := state.NewSnapshot(testPeriod)
	snap.Entity("1").SetPendency(fiscal.ClassNFe, &state.Pendency{Status: state.StatusMaxAttempts, Phase: state.PhaseFetch, Attempts: 10})
	snap.Entity("2").SetPendency(fiscal.ClassNFe, &state.Pendency{Status: state.StatusNoData, Phase: state.PhaseFetch})

	assert.Empty(t, ListPending(snap))
	assert.Len(t, ListPendencies(snap), 2)
}
