package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

// ErrorKind categorizes synchronization failures.
type ErrorKind string

const (
	// KindTransport is a failed upstream call. Retried through the pendency
	// queue and counted by the circuit breaker.
	KindTransport ErrorKind = "TRANSPORT_FAILURE"

	// KindMalformed is an upstream response that failed the shape check.
	KindMalformed ErrorKind = "MALFORMED_RESPONSE"

	// KindHardDeadline is a call abandoned by the engine's own deadline.
	// It always suppresses the entity.
	KindHardDeadline ErrorKind = "HARD_DEADLINE_EXCEEDED"

	// KindStorageWrite is a failed primary-storage or mirror write. The
	// batch cursor is not advanced.
	KindStorageWrite ErrorKind = "STORAGE_WRITE_FAILURE"

	// KindCorruptState is an unreadable period unit. Fatal for that period.
	KindCorruptState ErrorKind = "CORRUPT_STATE"
)

// ErrHardDeadline is the cause recorded when callWithDeadline abandons a call.
var ErrHardDeadline = errors.New("hard deadline exceeded")

// SyncError is a failure scoped to one (entity, period, class, role) unit.
type SyncError struct {
	Kind   ErrorKind
	TaxID  string
	Period string
	Class  fiscal.Class
	Role   fiscal.Role
	Err    error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	where := fmt.Sprintf("tax_id=%s period=%s", e.TaxID, e.Period)
	if e.Class != "" {
		where += " class=" + string(e.Class)
	}
	if e.Role != "" {
		where += " role=" + string(e.Role)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, where)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Kind, e.Err, where)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first SyncError in err's chain, or "" if
// there is none.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransportFailure reports whether err is a TRANSPORT_FAILURE.
func IsTransportFailure(err error) bool { return KindOf(err) == KindTransport }

// IsMalformedResponse reports whether err is a MALFORMED_RESPONSE.
func IsMalformedResponse(err error) bool { return KindOf(err) == KindMalformed }

// IsHardDeadline reports whether err is a HARD_DEADLINE_EXCEEDED.
func IsHardDeadline(err error) bool { return KindOf(err) == KindHardDeadline }

// IsStorageWriteFailure reports whether err is a STORAGE_WRITE_FAILURE.
func IsStorageWriteFailure(err error) bool { return KindOf(err) == KindStorageWrite }

// IsCorruptState reports whether err is CORRUPT_STATE, either as a
// SyncError or as the store's own error type.
func IsCorruptState(err error) bool {
	return KindOf(err) == KindCorruptState || state.IsCorruptState(err)
}

// scope addresses the unit of work an error or log line belongs to.
type scope struct {
	entity fiscal.Entity
	period fiscal.Period
	class  fiscal.Class
	role   fiscal.Role
}

func (s scope) withRole(r fiscal.Role) scope {
	s.role = r
	return s
}

func (s scope) errorf(kind ErrorKind, err error) *SyncError {
	return &SyncError{
		Kind:   kind,
		TaxID:  s.entity.TaxID,
		Period: s.period.Key(),
		Class:  s.class,
		Role:   s.role,
		Err:    err,
	}
}

func (s scope) attrs() []any {
	attrs := []any{"tax_id", s.entity.TaxID, "period", s.period.Key()}
	if s.class != "" {
		attrs = append(attrs, "class", string(s.class))
	}
	if s.role != "" {
		attrs = append(attrs, "role", string(s.role))
	}
	return attrs
}

// upstreamError classifies an error returned by a source call.
func (s scope) upstreamError(err error) *SyncError {
	if errors.Is(err, ErrHardDeadline) {
		return s.errorf(KindHardDeadline, err)
	}
	return s.errorf(KindTransport, err)
}

// localError classifies an error from the state store or local I/O.
func (s scope) localError(err error) *SyncError {
	switch {
	case state.IsCorruptState(err):
		return s.errorf(KindCorruptState, err)
	case errors.Is(err, ErrHardDeadline):
		return s.errorf(KindHardDeadline, err)
	default:
		return s.errorf(KindStorageWrite, err)
	}
}

// logFailure logs a recoverable unit failure with its full context.
func logFailure(ctx context.Context, logger *slog.Logger, err error) {
	var se *SyncError
	if !errors.As(err, &se) {
		logger.ErrorContext(ctx, "sync failed", "error", err)
		return
	}
	attrs := []any{"kind", string(se.Kind), "tax_id", se.TaxID, "period", se.Period}
	if se.Class != "" {
		attrs = append(attrs, "class", string(se.Class))
	}
	if se.Role != "" {
		attrs = append(attrs, "role", string(se.Role))
	}
	attrs = append(attrs, "error", se.Err)

	if se.Kind == KindCorruptState {
		attrs = append(attrs, "hint", "run 'fiscalsync quarantine "+se.Period+"' to move the unit aside")
		logger.ErrorContext(ctx, "corrupt period state", attrs...)
		return
	}
	logger.WarnContext(ctx, "sync failed", attrs...)
}
