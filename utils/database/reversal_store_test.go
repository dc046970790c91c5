package database

import (
	"context"
	"discord-automod/model"
	"discord-automod/scheduler"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReverser struct {
	calls atomic.Int32
	block chan struct{}
}

func (c *countingReverser) Reverse(ctx context.Context, rev model.PendingReversal) error {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return nil
}

func sharedConfig() scheduler.Config {
	return scheduler.Config{PollInterval: time.Second, MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

var muteKey = model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute}

func testClaims(t *testing.T, store scheduler.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Add(ctx, testReversal("r1", now.Add(-time.Minute))))

	ok, err := store.Claim(ctx, "r1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Claim(ctx, "r1", now)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed row cannot be claimed twice")

	listed, err := store.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed, "claimed rows are not scheduled")
	due, err := store.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
	removed, err := store.RemoveScheduled(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, removed, "a claimed row cannot be cancelled")

	require.NoError(t, store.Release(ctx, "r1"))
	listed, err = store.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, model.ReversalScheduled, listed[0].Status)

	removed, err = store.RemoveScheduled(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, removed)
	ok, err = store.Claim(ctx, "r1", now)
	require.NoError(t, err)
	assert.False(t, ok, "a removed row cannot be claimed")

	// 认领超时后退回
	require.NoError(t, store.Add(ctx, testReversal("r2", now.Add(-time.Minute))))
	ok, err = store.Claim(ctx, "r2", now.Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	n, err := store.ReleaseStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = store.ReleaseStale(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	due, err = store.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "r2", due[0].ID)
	require.NoError(t, store.Remove(ctx, "r2"))
}

func testFindScheduled(t *testing.T, store scheduler.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Add(ctx, testReversal("early", now.Add(time.Minute))))
	require.NoError(t, store.Add(ctx, testReversal("late", now.Add(time.Hour))))
	other := testReversal("other", now.Add(2*time.Hour))
	other.MemberID = "m2"
	require.NoError(t, store.Add(ctx, other))

	revs, err := store.FindScheduled(ctx, muteKey)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "late", revs[0].ID)
	assert.Equal(t, "early", revs[1].ID)

	ok, err := store.Claim(ctx, "late", now)
	require.NoError(t, err)
	require.True(t, ok)
	revs, err = store.FindScheduled(ctx, muteKey)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "early", revs[0].ID)
}

// Two schedulers loaded the same row; only the one that claims it fires.
func testSharedRowFiresOnce(t *testing.T, store scheduler.Store) {
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, testReversal("r1", time.Now().Add(-time.Hour))))

	rev := &countingReverser{block: make(chan struct{})}
	s1 := scheduler.New(store, rev, sharedConfig())
	s2 := scheduler.New(store, rev, sharedConfig())
	n, err := s1.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s2.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, 1, s1.FireDue(ctx))
	require.Eventually(t, func() bool { return rev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	s2.FireDue(ctx)
	s2.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
	_, known := s2.State("r1")
	assert.False(t, known, "a lost claim is dropped")

	close(rev.block)
	s1.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
	state, _ := s1.State("r1")
	assert.Equal(t, model.ReversalCompleted, state)

	n, err = s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, s2.FireDue(ctx))
	assert.Equal(t, 0, s1.FireDue(ctx))
}

// A cancel from a scheduler that never loaded the row wins over one that did.
func testCancelFromOtherScheduler(t *testing.T, store scheduler.Store) {
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, store.Add(ctx, testReversal("r1", base.Add(time.Hour))))

	rev := &countingReverser{}
	s1 := scheduler.New(store, rev, sharedConfig())
	s2 := scheduler.New(store, rev, sharedConfig())
	n, err := s1.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cancelled, found, err := s2.Cancel(ctx, muteKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r1", cancelled.ID)
	state, _ := s2.State("r1")
	assert.Equal(t, model.ReversalCancelled, state)

	s1.Now = func() time.Time { return base.Add(2 * time.Hour) }
	s1.FireDue(ctx)
	s1.Wait()
	assert.Equal(t, int32(0), rev.calls.Load())

	listed, err := store.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
	_, found, err = s2.Cancel(ctx, muteKey)
	require.NoError(t, err)
	assert.False(t, found)
}

// A row left claimed by a stopped process fires after the claim times out.
func testStaleClaimRefires(t *testing.T, store scheduler.Store) {
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Add(ctx, testReversal("r1", now.Add(-time.Hour))))
	ok, err := store.Claim(ctx, "r1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	rev := &countingReverser{}
	s := scheduler.New(store, rev, sharedConfig())
	n, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.FireDue(ctx))
	s.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
}

func runReversalStoreTests(t *testing.T, open func(t *testing.T) scheduler.Store) {
	t.Run("Claims", func(t *testing.T) { testClaims(t, open(t)) })
	t.Run("FindScheduled", func(t *testing.T) { testFindScheduled(t, open(t)) })
	t.Run("SharedRowFiresOnce", func(t *testing.T) { testSharedRowFiresOnce(t, open(t)) })
	t.Run("CancelFromOtherScheduler", func(t *testing.T) { testCancelFromOtherScheduler(t, open(t)) })
	t.Run("StaleClaimRefires", func(t *testing.T) { testStaleClaimRefires(t, open(t)) })
}

func TestReversalDBWithScheduler(t *testing.T) {
	runReversalStoreTests(t, func(t *testing.T) scheduler.Store {
		return NewReversalDB(openTestDB(t))
	})
}

func TestRedisReversalsWithScheduler(t *testing.T) {
	runReversalStoreTests(t, func(t *testing.T) scheduler.Store {
		client, prefix := testRedis(t)
		return NewRedisReversals(client, prefix)
	})
}
