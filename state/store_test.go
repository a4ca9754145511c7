package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := zaptest.NewLogger(t).Sugar()
	store := NewRedisStore(mr.Addr(), "", 0, 10, logger)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestCounterIncrement_SetsTTLOnlyOnCreate(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	v, err := store.CounterIncrement(ctx, "bf:t1:10.0.0.1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 300*time.Second, mr.TTL("bf:t1:10.0.0.1"))

	// Advance time; further increments must not refresh the window.
	mr.FastForward(100 * time.Second)
	v, err = store.CounterIncrement(ctx, "bf:t1:10.0.0.1", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, 200*time.Second, mr.TTL("bf:t1:10.0.0.1"))
}

func TestCounterIncrement_ExpiryStartsFreshCount(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.CounterIncrement(ctx, "bf:t1:ip", 300*time.Second)
	require.NoError(t, err)
	_, err = store.CounterIncrement(ctx, "bf:t1:ip", 300*time.Second)
	require.NoError(t, err)

	mr.FastForward(301 * time.Second)

	v, err := store.CounterIncrement(ctx, "bf:t1:ip", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "expired key must restart accumulation at 1")
}

func TestCounterReset_ReturnsKeyToAbsent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.CounterIncrement(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.CounterReset(ctx, "k"))
	assert.False(t, mr.Exists("k"))

	v, err := store.CounterIncrement(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSetAdd_BaselineThenNovelty(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// First value establishes the baseline.
	res, err := store.SetAdd(ctx, "geo:t1:alice", "US", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.NewlyAdded)
	assert.False(t, res.WasNonempty)

	// A second distinct value is novel against an existing baseline.
	res, err = store.SetAdd(ctx, "geo:t1:alice", "RU", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.NewlyAdded)
	assert.True(t, res.WasNonempty)

	// A known value recurring is a no-op.
	res, err = store.SetAdd(ctx, "geo:t1:alice", "US", time.Hour)
	require.NoError(t, err)
	assert.False(t, res.NewlyAdded)
	assert.True(t, res.WasNonempty)

	members, err := store.SetMembers(ctx, "geo:t1:alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"US", "RU"}, members)
}

func TestSetAdd_TTLOnWholeSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.SetAdd(ctx, "s", "a", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, mr.TTL("s"))

	mr.FastForward(30 * time.Second)
	_, err = store.SetAdd(ctx, "s", "b", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("s"), "adds must not refresh the set TTL")

	// After expiry the identity re-baselines.
	mr.FastForward(31 * time.Second)
	res, err := store.SetAdd(ctx, "s", "b", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, res.NewlyAdded)
	assert.False(t, res.WasNonempty)
}

func TestStore_UnreachableIsTransient(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	_, err := store.CounterIncrement(ctx, "k", time.Minute)
	require.Error(t, err)
	var tse *core.TransientStoreError
	assert.True(t, errors.As(err, &tse))
	assert.Equal(t, "counter_increment", tse.Op)
}

func TestBuildKey_TenantIsolation(t *testing.T) {
	a := BuildKey("bruteforce", "tenant-a", []string{"10.0.0.1"})
	b := BuildKey("bruteforce", "tenant-b", []string{"10.0.0.1"})
	assert.NotEqual(t, a, b)
}

func TestBuildKey_EscapesSeparator(t *testing.T) {
	a := BuildKey("p", "t", []string{"a:b", "c"})
	b := BuildKey("p", "t", []string{"a", "b:c"})
	assert.NotEqual(t, a, b)
}
