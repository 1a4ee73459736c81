package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/state"
)

func TestSyncError_Predicates(t *testing.T) {
	sc := scope{entity: acme, period: testPeriod, class: fiscal.ClassNFe, role: fiscal.RoleIssuer}

	transport := fmt.Errorf("cycle: %w", sc.upstreamError(errors.New("reset")))
	assert.True(t, IsTransportFailure(transport))
	assert.False(t, IsHardDeadline(transport))

	deadline := sc.upstreamError(fmt.Errorf("%w after 1s", ErrHardDeadline))
	assert.True(t, IsHardDeadline(deadline))
	assert.ErrorIs(t, deadline, ErrHardDeadline)

	corrupt := sc.localError(&state.CorruptStateError{Period: "03-2025", Reason: "bad"})
	assert.True(t, IsCorruptState(corrupt))
	assert.True(t, IsCorruptState(&state.CorruptStateError{}))

	storage := sc.localError(errors.New("disk full"))
	assert.True(t, IsStorageWriteFailure(storage))

	assert.True(t, IsMalformedResponse(sc.errorf(KindMalformed, errManifestNoKeys)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestSyncError_Message(t *testing.T) {
	err := scope{entity: acme, period: testPeriod, class: fiscal.ClassCTe}.errorf(KindTransport, errors.New("reset"))
	assert.Equal(t, "TRANSPORT_FAILURE: reset (tax_id=12345678000190 period=03-2025 class=CTe)", err.Error())
}
