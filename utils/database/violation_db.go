package database

import (
	"context"
	"discord-automod/escalation"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ViolationDB stores violation counters and kicked flags in sqlite.
type ViolationDB struct {
	db *sqlx.DB
}

func NewViolationDB(db *sqlx.DB) *ViolationDB {
	return &ViolationDB{db: db}
}

func (v *ViolationDB) Increment(ctx context.Context, key escalation.Key) (int, error) {
	var count int
	query := `INSERT INTO violation_counters (guild_id, member_id, violation, count, updated_at)
              VALUES (?, ?, ?, 1, ?)
              ON CONFLICT (guild_id, member_id, violation) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
              RETURNING count`
	err := v.db.GetContext(ctx, &count, query, key.GuildID, key.MemberID, int(key.Violation), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to increment violation counter %s: %w", key, err)
	}
	return count, nil
}

func (v *ViolationDB) Get(ctx context.Context, key escalation.Key) (int, error) {
	var counts []int
	query := "SELECT count FROM violation_counters WHERE guild_id = ? AND member_id = ? AND violation = ?"
	if err := v.db.SelectContext(ctx, &counts, query, key.GuildID, key.MemberID, int(key.Violation)); err != nil {
		return 0, fmt.Errorf("failed to get violation counter %s: %w", key, err)
	}
	if len(counts) == 0 {
		return 0, nil
	}
	return counts[0], nil
}

func (v *ViolationDB) Reset(ctx context.Context, key escalation.Key) error {
	query := "DELETE FROM violation_counters WHERE guild_id = ? AND member_id = ? AND violation = ?"
	if _, err := v.db.ExecContext(ctx, query, key.GuildID, key.MemberID, int(key.Violation)); err != nil {
		return fmt.Errorf("failed to reset violation counter %s: %w", key, err)
	}
	return nil
}

func (v *ViolationDB) SetKicked(ctx context.Context, guildID, memberID string, kicked bool) error {
	var err error
	if kicked {
		_, err = v.db.ExecContext(ctx, "INSERT OR REPLACE INTO kicked_members (guild_id, member_id, kicked_at) VALUES (?, ?, ?)", guildID, memberID, time.Now().Unix())
	} else {
		_, err = v.db.ExecContext(ctx, "DELETE FROM kicked_members WHERE guild_id = ? AND member_id = ?", guildID, memberID)
	}
	if err != nil {
		return fmt.Errorf("failed to update kicked flag for user %s in guild %s: %w", memberID, guildID, err)
	}
	return nil
}

func (v *ViolationDB) Kicked(ctx context.Context, guildID, memberID string) (bool, error) {
	var count int
	err := v.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM kicked_members WHERE guild_id = ? AND member_id = ?", guildID, memberID)
	if err != nil {
		return false, fmt.Errorf("failed to read kicked flag for user %s in guild %s: %w", memberID, guildID, err)
	}
	return count > 0, nil
}
