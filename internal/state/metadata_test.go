package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastSeedRun(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkSeedRun(ctx, testNow))
	got, ok, err := s.LastSeedRun(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(testNow))
}

func TestBreakers_CRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Breaker(ctx, taxA)
	require.NoError(t, err)
	assert.False(t, ok)

	until := testNow.Add(time.Hour)
	require.NoError(t, s.PutBreaker(ctx, BreakerEntry{TaxID: taxA, Failures: 3, SuppressedUntil: until, LastError: "timeout"}))
	require.NoError(t, s.PutBreaker(ctx, BreakerEntry{TaxID: taxB, Failures: 1}))

	got, ok, err := s.Breaker(ctx, taxA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Failures)
	assert.True(t, got.SuppressedUntil.Equal(until))
	assert.Equal(t, "timeout", got.LastError)

	all, err := s.Breakers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, taxA, all[0].TaxID)
	assert.True(t, all[1].SuppressedUntil.IsZero())

	require.NoError(t, s.DeleteBreaker(ctx, taxA))
	require.NoError(t, s.DeleteBreaker(ctx, taxA))
	_, ok, err = s.Breaker(ctx, taxA)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakers_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, s.PutBreaker(ctx, BreakerEntry{TaxID: taxA, Failures: 2}))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir)
	got, ok, err := s2.Breaker(ctx, taxA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Failures)
}
