package engine

import (
	"time"

	"github.com/roach88/fiscalsync/internal/state"
)

// DefaultAttemptCeiling is the number of failed manifest attempts after
// which a pendency becomes terminal.
const DefaultAttemptCeiling = 10

// PendencyPolicy bounds automatic manifest retries.
type PendencyPolicy struct {
	Ceiling int
}

// EventKind is what happened to a manifest fetch.
type EventKind int

const (
	// EvFailed is a transport, deadline, malformed-response or processing failure.
	EvFailed EventKind = iota

	// EvSucceeded is a manifest with documents that was fully processed.
	EvSucceeded

	// EvNoData is the upstream's explicit "no documents" answer.
	EvNoData
)

// Event is one input to Transition.
type Event struct {
	Kind  EventKind
	Phase state.Phase
	Error string
	At    time.Time
}

// Failed builds an EvFailed event.
func Failed(phase state.Phase, err error, at time.Time) Event {
	ev := Event{Kind: EvFailed, Phase: phase, At: at}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Succeeded builds an EvSucceeded event.
func Succeeded(at time.Time) Event {
	return Event{Kind: EvSucceeded, At: at}
}

// NoData builds an EvNoData event.
func NoData(at time.Time) Event {
	return Event{Kind: EvNoData, At: at}
}

// Effects are the side effects a transition asks the caller to perform or
// report.
type Effects struct {
	// ResetCursors zeroes every role cursor of the class before fetching.
	ResetCursors bool

	// Created means a new pendency was opened.
	Created bool

	// Resolved means an active pendency was closed.
	Resolved bool

	// Terminal means the pendency just reached the attempt ceiling.
	Terminal bool
}

// Transition is the pendency state machine for one (entity, period, class).
// A nil current or next value is the Absent state. It never mutates current.
//
//	Absent          --failed-->   Pending(1)        (Created)
//	Pending(n)      --failed-->   Pending(n+1)      or MaxAttempts at the ceiling (Terminal)
//	Pending(n)      --succeeded-> Absent            (Resolved, ResetCursors)
//	Pending(n)      --no data-->  NoDataConfirmed   (Resolved)
//	Absent          --no data-->  NoDataConfirmed
//	NoDataConfirmed --succeeded-> Absent
//	NoDataConfirmed --failed-->   Pending(1)        (Created)
//	MaxAttempts     --failed-->   MaxAttempts
func Transition(current *state.Pendency, ev Event, policy PendencyPolicy) (*state.Pendency, Effects) {
	ceiling := policy.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultAttemptCeiling
	}

	switch ev.Kind {
	case EvFailed:
		if current == nil || current.Status == state.StatusNoData {
			next := &state.Pendency{
				Status:       state.StatusPending,
				Phase:        phaseOrFetch(ev.Phase),
				Attempts:     1,
				FirstFailure: ev.At,
				LastAttempt:  ev.At,
				LastError:    ev.Error,
			}
			if current != nil {
				next.Class = current.Class
			}
			eff := Effects{Created: true}
			if next.Attempts >= ceiling {
				next.Status = state.StatusMaxAttempts
				eff.Terminal = true
			}
			return next, eff
		}

		next := *current
		if current.Status == state.StatusMaxAttempts {
			return &next, Effects{}
		}
		next.Attempts++
		next.Phase = phaseOrFetch(ev.Phase)
		next.LastAttempt = ev.At
		next.LastError = ev.Error
		if next.FirstFailure.IsZero() {
			next.FirstFailure = ev.At
		}
		var eff Effects
		if next.Attempts >= ceiling {
			next.Status = state.StatusMaxAttempts
			eff.Terminal = true
		}
		return &next, eff

	case EvSucceeded:
		if current == nil {
			return nil, Effects{}
		}
		if current.Status == state.StatusNoData {
			return nil, Effects{}
		}
		return nil, Effects{Resolved: true, ResetCursors: true}

	case EvNoData:
		next := &state.Pendency{
			Status:      state.StatusNoData,
			Phase:       state.PhaseFetch,
			LastAttempt: ev.At,
		}
		if current == nil {
			return next, Effects{}
		}
		next.Class = current.Class
		next.Attempts = current.Attempts
		next.FirstFailure = current.FirstFailure
		if current.Status == state.StatusNoData {
			return next, Effects{}
		}
		return next, Effects{Resolved: true}
	}

	if current == nil {
		return nil, Effects{}
	}
	cp := *current
	return &cp, Effects{}
}

func phaseOrFetch(p state.Phase) state.Phase {
	if p == "" {
		return state.PhaseFetch
	}
	return p
}
