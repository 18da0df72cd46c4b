package feedstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, limits Limits) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, limits), mr
}

func ids(entries []Entry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.MemberID)
	}
	return out
}

func TestInsertEvictsLowestScoredBeyondBound(t *testing.T) {
	store, _ := newTestStore(t, Limits{Home: 5, Default: 5})
	ctx := context.Background()
	key := HomeKey(1)

	for id := uint64(1); id <= 6; id++ {
		require.NoError(t, store.Insert(ctx, key, id, float64(id)))
	}

	n, err := store.Card(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// Lowest score gone, newest retained.
	_, ok, err := store.Score(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Score(ctx, key, 6)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertIdempotent(t *testing.T) {
	store, _ := newTestStore(t, Limits{Home: 5, Default: 5})
	ctx := context.Background()
	key := HomeKey(1)

	require.NoError(t, store.Insert(ctx, key, 42, 42))
	require.NoError(t, store.Insert(ctx, key, 42, 42))

	n, err := store.Card(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertUpdatesScore(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := ListKey(7)

	require.NoError(t, store.Insert(ctx, key, 42, 10))
	require.NoError(t, store.Insert(ctx, key, 42, 99))

	score, ok, err := store.Score(ctx, key, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(99), score)
}

func TestRangeCursorBoundsAreExclusive(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, store.Insert(ctx, key, id, float64(id)))
	}

	// Descending below member 4: strictly older than 4.
	entries, err := store.Range(ctx, key, 0, 4, 20, Descending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2, 1}, ids(entries))

	// Ascending above member 2: strictly newer than 2.
	entries, err = store.Range(ctx, key, 2, 0, 20, Ascending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, ids(entries))

	// Both bounds set.
	entries, err = store.Range(ctx, key, 1, 5, 20, Descending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 3, 2}, ids(entries))
}

func TestRangeMissingBoundMemberIsUnbounded(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, store.Insert(ctx, key, id, float64(id)))
	}

	// Member 999 was never inserted (or already evicted); the bound
	// falls open rather than failing the read.
	entries, err := store.Range(ctx, key, 0, 999, 20, Descending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2, 1}, ids(entries))
}

func TestRangeHonorsLimit(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, store.Insert(ctx, key, id, float64(id)))
	}

	entries, err := store.Range(ctx, key, 0, 0, 4, Descending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 9, 8, 7}, ids(entries))
}

func TestExistsDistinguishesColdFromEmpty(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Insert(ctx, key, 1, 1))
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveAbsentMemberIsNoop(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	require.NoError(t, store.Remove(ctx, key, 12345))
}

func TestInsertEntriesBulkAndTrim(t *testing.T) {
	store, _ := newTestStore(t, Limits{Home: 3, Default: 3})
	ctx := context.Background()
	key := HomeKey(1)

	entries := []Entry{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	require.NoError(t, store.InsertEntries(ctx, key, entries))

	got, err := store.Range(ctx, key, 0, 0, 20, Descending)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 4, 3}, ids(got))
}

func TestClearDropsAuxiliaryKeys(t *testing.T) {
	store, mr := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	key := HomeKey(1)

	require.NoError(t, store.Insert(ctx, key, 1, 1))
	rdb := store.Client()
	require.NoError(t, rdb.ZAdd(ctx, key.String()+":reblogs", redis.Z{Score: 2, Member: "1"}).Err())
	require.NoError(t, rdb.SAdd(ctx, key.String()+":reblogs:1", "3").Err())

	require.NoError(t, store.Clear(ctx, key))

	assert.False(t, mr.Exists(key.String()))
	assert.False(t, mr.Exists(key.String()+":reblogs"))
	assert.False(t, mr.Exists(key.String()+":reblogs:1"))
}

func TestRegenerationMarkerLifecycle(t *testing.T) {
	store, mr := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	coord := NewRegenerationCoordinator(store.Client(), time.Minute)
	key := HomeKey(9)

	up, err := coord.InProgress(ctx, key)
	require.NoError(t, err)
	assert.False(t, up)

	require.NoError(t, coord.Begin(ctx, key))
	up, err = coord.InProgress(ctx, key)
	require.NoError(t, err)
	assert.True(t, up)

	// A second Begin takes over rather than failing.
	require.NoError(t, coord.Begin(ctx, key))

	require.NoError(t, coord.End(ctx, key))
	up, err = coord.InProgress(ctx, key)
	require.NoError(t, err)
	assert.False(t, up)

	// The TTL covers a crashed rebuild that never calls End.
	require.NoError(t, coord.Begin(ctx, key))
	mr.FastForward(2 * time.Minute)
	up, err = coord.InProgress(ctx, key)
	require.NoError(t, err)
	assert.False(t, up)
}

func TestRegenerationKeysDoNotCollideAcrossTypes(t *testing.T) {
	store, _ := newTestStore(t, DefaultLimits())
	ctx := context.Background()
	coord := NewRegenerationCoordinator(store.Client(), time.Minute)

	require.NoError(t, coord.Begin(ctx, HomeKey(5)))

	up, err := coord.InProgress(ctx, ListKey(5))
	require.NoError(t, err)
	assert.False(t, up)
}
