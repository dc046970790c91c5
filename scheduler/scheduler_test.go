package scheduler

import (
	"context"
	"discord-automod/model"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]model.PendingReversal
	claimed map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.PendingReversal), claimed: make(map[string]time.Time)}
}

func (m *memStore) Add(ctx context.Context, rev model.PendingReversal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rev.ID] = rev
	return nil
}

func (m *memStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.New("not found")
	}
	delete(m.rows, id)
	delete(m.claimed, id)
	return nil
}

func (m *memStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.rows[id]
	if !ok || rev.Status != model.ReversalScheduled {
		return false, nil
	}
	rev.Status = model.ReversalFiring
	m.rows[id] = rev
	m.claimed[id] = at
	return true, nil
}

func (m *memStore) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev, ok := m.rows[id]; ok && rev.Status == model.ReversalFiring {
		rev.Status = model.ReversalScheduled
		m.rows[id] = rev
		delete(m.claimed, id)
	}
	return nil
}

func (m *memStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, at := range m.claimed {
		rev := m.rows[id]
		if rev.Status == model.ReversalFiring && !at.After(cutoff) {
			rev.Status = model.ReversalScheduled
			m.rows[id] = rev
			delete(m.claimed, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RemoveScheduled(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev, ok := m.rows[id]; !ok || rev.Status != model.ReversalScheduled {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *memStore) FindScheduled(ctx context.Context, key model.ReversalKey) ([]model.PendingReversal, error) {
	revs := m.list(func(r model.PendingReversal) bool { return r.Status == model.ReversalScheduled && r.Key() == key })
	slices.Reverse(revs)
	return revs, nil
}

func (m *memStore) MarkAbandoned(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := m.rows[id]
	rev.Status = model.ReversalAbandoned
	m.rows[id] = rev
	delete(m.claimed, id)
	return nil
}

func (m *memStore) list(match func(model.PendingReversal) bool) []model.PendingReversal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revs []model.PendingReversal
	for _, rev := range m.rows {
		if match(rev) {
			revs = append(revs, rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].DueAt.Before(revs[j].DueAt) })
	return revs
}

func (m *memStore) ListScheduled(ctx context.Context) ([]model.PendingReversal, error) {
	return m.list(func(r model.PendingReversal) bool { return r.Status == model.ReversalScheduled }), nil
}

func (m *memStore) ListDue(ctx context.Context, before time.Time) ([]model.PendingReversal, error) {
	return m.list(func(r model.PendingReversal) bool {
		return r.Status == model.ReversalScheduled && !r.DueAt.After(before)
	}), nil
}

func (m *memStore) get(id string) (model.PendingReversal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.rows[id]
	return rev, ok
}

type fakeReverser struct {
	calls atomic.Int32
	fails atomic.Int32
	block chan struct{}
}

func (f *fakeReverser) Reverse(ctx context.Context, rev model.PendingReversal) error {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.fails.Load() != 0 {
		f.fails.Add(-1)
		return errors.New("platform down")
	}
	return nil
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{PollInterval: time.Second, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestScheduler(store Store, rev Reverser) *Scheduler {
	s := New(store, rev, testConfig())
	s.Now = func() time.Time { return t0 }
	return s
}

func unmute(id string, due time.Time) model.PendingReversal {
	return model.PendingReversal{
		ID:       id,
		GuildID:  "g1",
		MemberID: "m1",
		Kind:     model.PunishmentRoleMute,
		Action:   model.ReversalRemoveRole,
		RoleID:   "muted",
		DueAt:    due,
		Status:   model.ReversalScheduled,
	}
}

func TestPastDueFiresOnceAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Add(ctx, unmute("r1", t0.Add(-time.Hour))))

	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)
	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "reloading does not duplicate entries")

	assert.Equal(t, 1, s.FireDue(ctx))
	assert.Equal(t, 0, s.FireDue(ctx))
	s.Wait()

	assert.Equal(t, int32(1), rev.calls.Load())
	_, stored := store.get("r1")
	assert.False(t, stored, "completed entries are deleted")
	state, _ := s.State("r1")
	assert.Equal(t, model.ReversalCompleted, state)

	// 再次重启不会重复执行
	s2 := newTestScheduler(store, rev)
	n, err = s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoadWhileFiring(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Add(ctx, unmute("r1", t0.Add(-time.Minute))))

	rev := &fakeReverser{block: make(chan struct{})}
	s := newTestScheduler(store, rev)
	_, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.FireDue(ctx))

	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, s.FireDue(ctx))

	close(rev.block)
	s.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
}

func TestCancelBeforeDue(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0.Add(10*time.Minute))))
	state, ok := s.State("r1")
	require.True(t, ok)
	assert.Equal(t, model.ReversalScheduled, state)

	cancelled, found, err := s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r1", cancelled.ID)

	s.Now = func() time.Time { return t0.Add(time.Hour) }
	assert.Equal(t, 0, s.FireDue(ctx))
	s.Wait()
	assert.Equal(t, int32(0), rev.calls.Load())
	_, stored := store.get("r1")
	assert.False(t, stored)
	state, _ = s.State("r1")
	assert.Equal(t, model.ReversalCancelled, state)

	_, found, err = s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStaleSnapshotAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Add(ctx, unmute("r1", t0.Add(-time.Minute))))
	snapshot, err := store.ListDue(ctx, t0)
	require.NoError(t, err)

	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)
	_, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.FireDue(ctx))
	s.Wait()
	require.Equal(t, int32(1), rev.calls.Load())

	// 完成前读取的快照不能让条目复活
	assert.Equal(t, 0, s.adopt(snapshot))
	assert.Equal(t, 0, s.FireDue(ctx))

	other := newTestScheduler(store, rev)
	assert.Equal(t, 1, other.adopt(snapshot))
	other.FireDue(ctx)
	other.Wait()
	assert.Equal(t, int32(1), rev.calls.Load(), "a removed row cannot be claimed")
	_, known := other.State("r1")
	assert.False(t, known)
}

func TestStaleSnapshotAfterCancel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0.Add(time.Minute))))
	snapshot, err := store.ListScheduled(ctx)
	require.NoError(t, err)
	_, found, err := s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 0, s.adopt(snapshot))
	s.Now = func() time.Time { return t0.Add(time.Hour) }
	assert.Equal(t, 0, s.FireDue(ctx))
	s.Wait()
	assert.Equal(t, int32(0), rev.calls.Load())
}

func TestCancelBeforeLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Add(ctx, unmute("old", t0.Add(10*time.Minute))))
	require.NoError(t, store.Add(ctx, unmute("new", t0.Add(time.Hour))))

	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)
	cancelled, found, err := s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	require.NoError(t, err)
	require.True(t, found, "rows not loaded yet are cancelled from the store")
	assert.Equal(t, "new", cancelled.ID)
	_, stored := store.get("new")
	assert.False(t, stored)

	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	assert.Equal(t, 1, s.FireDue(ctx))
	s.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
}

func TestCancelRowClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)
	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0.Add(time.Minute))))

	ok, err := store.Claim(ctx, "r1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	require.NoError(t, err)
	assert.False(t, found)
	stored, ok := store.get("r1")
	require.True(t, ok)
	assert.Equal(t, model.ReversalFiring, stored.Status)
}

func TestLoadReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Add(ctx, unmute("stale", t0.Add(-time.Hour))))
	require.NoError(t, store.Add(ctx, unmute("fresh", t0.Add(-time.Hour))))
	_, err := store.Claim(ctx, "stale", t0.Add(-time.Hour))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "fresh", t0.Add(-time.Minute))
	require.NoError(t, err)

	rev := &fakeReverser{}
	s := newTestScheduler(store, rev)
	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.FireDue(ctx))
	s.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
	_, stored := store.get("stale")
	assert.False(t, stored)
	fresh, _ := store.get("fresh")
	assert.Equal(t, model.ReversalFiring, fresh.Status)
}

func TestShutdownReleasesClaim(t *testing.T) {
	store := newMemStore()
	rev := &fakeReverser{block: make(chan struct{})}
	rev.fails.Store(-1)
	s := newTestScheduler(store, rev)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0)))
	require.Equal(t, 1, s.FireDue(ctx))
	require.Eventually(t, func() bool { return rev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	close(rev.block)
	s.Wait()

	stored, ok := store.get("r1")
	require.True(t, ok)
	assert.Equal(t, model.ReversalScheduled, stored.Status)
	state, _ := s.State("r1")
	assert.Equal(t, model.ReversalScheduled, state)
}

func TestCancelWhileFiring(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{block: make(chan struct{})}
	s := newTestScheduler(store, rev)

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0)))
	require.Equal(t, 1, s.FireDue(ctx))
	state, _ := s.State("r1")
	assert.Equal(t, model.ReversalFiring, state)

	_, found, err := s.Cancel(ctx, model.ReversalKey{GuildID: "g1", MemberID: "m1", Kind: model.PunishmentRoleMute})
	assert.NoError(t, err)
	assert.False(t, found)

	close(rev.block)
	s.Wait()
	assert.Equal(t, int32(1), rev.calls.Load())
}

func TestRetryThenAbandon(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{}
	rev.fails.Store(-1)
	s := newTestScheduler(store, rev)

	var abandoned atomic.Int32
	s.OnAbandon(func(model.PendingReversal, error) { abandoned.Add(1) })

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0)))
	s.FireDue(ctx)
	s.Wait()

	assert.Equal(t, int32(3), rev.calls.Load())
	assert.Equal(t, int32(1), abandoned.Load())
	stored, ok := store.get("r1")
	require.True(t, ok, "abandoned entries are kept for inspection")
	assert.Equal(t, model.ReversalAbandoned, stored.Status)

	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "abandoned entries never re-enter scheduled")
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	rev := &fakeReverser{}
	rev.fails.Store(2)
	s := newTestScheduler(store, rev)

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0)))
	s.FireDue(ctx)
	s.Wait()

	assert.Equal(t, int32(3), rev.calls.Load())
	_, stored := store.get("r1")
	assert.False(t, stored)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestScheduler(store, &fakeReverser{})

	require.NoError(t, s.Enqueue(ctx, unmute("r1", t0.Add(time.Minute))))
	require.NoError(t, s.Discard(ctx, "r1"))
	_, stored := store.get("r1")
	assert.False(t, stored)
	s.Now = func() time.Time { return t0.Add(time.Hour) }
	assert.Equal(t, 0, s.FireDue(ctx))
	assert.NoError(t, s.Discard(ctx, "unknown"))
}

func TestRunFiresAtDueTime(t *testing.T) {
	store := newMemStore()
	rev := &fakeReverser{}
	s := New(store, rev, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.NoError(t, s.Enqueue(ctx, unmute("r1", time.Now().Add(30*time.Millisecond))))
	assert.Eventually(t, func() bool { return rev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { _, ok := store.get("r1"); return !ok }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRunPicksUpStoreRows(t *testing.T) {
	store := newMemStore()
	rev := &fakeReverser{}
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	s := New(store, rev, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// 其他进程写入的条目
	require.NoError(t, store.Add(context.Background(), unmute("shared", time.Now().Add(-time.Second))))
	assert.Eventually(t, func() bool { return rev.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}
