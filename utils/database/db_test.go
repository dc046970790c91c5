package database

import (
	"context"
	"discord-automod/escalation"
	"discord-automod/model"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Init(filepath.Join(t.TempDir(), "automod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testReversal(id string, due time.Time) model.PendingReversal {
	return model.PendingReversal{
		ID:        id,
		GuildID:   "g1",
		MemberID:  "m1",
		Kind:      model.PunishmentRoleMute,
		Action:    model.ReversalRemoveRole,
		RoleID:    "muted",
		DueAt:     due,
		CreatedAt: due.Add(-time.Minute),
	}
}

func TestReversalDB(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	store := NewReversalDB(openTestDB(t))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(store.Add(ctx, testReversal("a", now.Add(-time.Minute))))
	require.NoError(store.Add(ctx, testReversal("b", now.Add(time.Hour))))
	require.NoError(store.Add(ctx, testReversal("c", now)))

	all, err := store.ListScheduled(ctx)
	require.NoError(err)
	require.Len(all, 3)
	assert.Equal("a", all[0].ID)
	assert.Equal("c", all[1].ID)
	assert.Equal("b", all[2].ID)
	assert.Equal(model.PunishmentRoleMute, all[0].Kind)
	assert.Equal(model.ReversalRemoveRole, all[0].Action)
	assert.Equal("muted", all[0].RoleID)
	assert.True(all[0].DueAt.Equal(now.Add(-time.Minute)))

	due, err := store.ListDue(ctx, now)
	require.NoError(err)
	require.Len(due, 2)
	assert.Equal("a", due[0].ID)
	assert.Equal("c", due[1].ID)

	require.NoError(store.Remove(ctx, "a"))
	err = store.Remove(ctx, "a")
	assert.True(errors.Is(err, ErrNotFound))

	require.NoError(store.MarkAbandoned(ctx, "c"))
	due, err = store.ListDue(ctx, now.Add(2*time.Hour))
	require.NoError(err)
	require.Len(due, 1)
	assert.Equal("b", due[0].ID)

	abandoned, err := store.ListAbandoned(ctx)
	require.NoError(err)
	require.Len(abandoned, 1)
	assert.Equal("c", abandoned[0].ID)
	assert.Equal(model.ReversalAbandoned, abandoned[0].Status)

	assert.True(errors.Is(store.MarkAbandoned(ctx, "missing"), ErrNotFound))
}

func TestReversalDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "automod.db")

	db, err := Init(path)
	require.NoError(t, err)
	require.NoError(t, NewReversalDB(db).Add(ctx, testReversal("x", time.Now().Add(time.Minute))))
	require.NoError(t, db.Close())

	db, err = Init(path)
	require.NoError(t, err)
	defer db.Close()
	revs, err := NewReversalDB(db).ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "x", revs[0].ID)
}

func TestInitAddsClaimColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "automod.db")

	old, err := sqlx.Connect("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE pending_reversals (
		id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		action TEXT NOT NULL,
		role_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		due_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled'
	)`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	db, err := Init(path)
	require.NoError(t, err)
	store := NewReversalDB(db)
	require.NoError(t, store.Add(ctx, testReversal("x", time.Now())))
	ok, err := store.Claim(ctx, "x", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Close())
	db, err = Init(path)
	require.NoError(t, err, "reopening a migrated database is a no-op")
	db.Close()
}

func TestViolationDB(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	store := NewViolationDB(openTestDB(t))

	key := escalation.Key{GuildID: "g1", MemberID: "m1", Violation: model.PunishmentRoleMute}
	other := escalation.Key{GuildID: "g1", MemberID: "m1", Violation: model.PunishmentBan}

	for i := 1; i <= 3; i++ {
		n, err := store.Increment(ctx, key)
		require.NoError(err)
		assert.Equal(i, n)
	}
	n, err := store.Get(ctx, other)
	require.NoError(err)
	assert.Equal(0, n)

	require.NoError(store.Reset(ctx, key))
	n, err = store.Get(ctx, key)
	require.NoError(err)
	assert.Equal(0, n)
	n, err = store.Increment(ctx, key)
	require.NoError(err)
	assert.Equal(1, n)

	kicked, err := store.Kicked(ctx, "g1", "m1")
	require.NoError(err)
	assert.False(kicked)
	require.NoError(store.SetKicked(ctx, "g1", "m1", true))
	require.NoError(store.SetKicked(ctx, "g1", "m1", true))
	kicked, err = store.Kicked(ctx, "g1", "m1")
	require.NoError(err)
	assert.True(kicked)
	require.NoError(store.SetKicked(ctx, "g1", "m1", false))
	kicked, err = store.Kicked(ctx, "g1", "m1")
	require.NoError(err)
	assert.False(kicked)
}

func TestViolationDBWithLedger(t *testing.T) {
	ctx := context.Background()
	ledger := escalation.NewLedger(NewViolationDB(openTestDB(t)))
	key := escalation.Key{GuildID: "g1", MemberID: "m1", Violation: model.PunishmentRoleMute}

	fires := 0
	for i := 0; i < 7; i++ {
		_, reset, err := ledger.Escalate(ctx, key, func(count int) bool { return count >= 3 })
		require.NoError(t, err)
		if reset {
			fires++
		}
	}
	assert.Equal(t, 2, fires)
	n, err := ledger.Count(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPunishmentLogDB(t *testing.T) {
	ctx := context.Background()
	store := NewPunishmentLogDB(openTestDB(t))

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, kind := range []string{"mute", "kick", "ban"} {
		_, err := store.AddPunishmentRecord(ctx, model.PunishmentRecord{
			GuildID:    "g1",
			UserID:     "m1",
			ActorID:    "bot",
			Reason:     "automod",
			ActionType: kind,
			Timestamp:  base.Add(time.Duration(i) * time.Hour).Unix(),
		})
		require.NoError(t, err)
	}

	all, err := store.GetPunishmentRecordsByUserID(ctx, "g1", "m1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	since := base.Add(90 * time.Minute)
	recent, err := store.GetPunishmentRecordsByUserID(ctx, "g1", "m1", &since)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ban", recent[0].ActionType)
}
