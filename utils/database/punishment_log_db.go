package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PunishmentLogDB is the audit trail of automatic punishments.
type PunishmentLogDB struct {
	db *sqlx.DB
}

func NewPunishmentLogDB(db *sqlx.DB) *PunishmentLogDB {
	return &PunishmentLogDB{db: db}
}

// AddPunishmentRecord adds a new punishment record to the database and returns the new record's ID.
func (p *PunishmentLogDB) AddPunishmentRecord(ctx context.Context, record model.PunishmentRecord) (int64, error) {
	query := `INSERT INTO punishments (guild_id, user_id, actor_id, reason, action_type, role_id, duration_sec, timestamp)
			  VALUES (:guild_id, :user_id, :actor_id, :reason, :action_type, :role_id, :duration_sec, :timestamp)`

	result, err := p.db.NamedExecContext(ctx, query, record)
	if err != nil {
		return 0, fmt.Errorf("failed to insert punishment record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetPunishmentRecordsByUserID retrieves punishment records for a user in a guild, optionally filtered by a start time.
func (p *PunishmentLogDB) GetPunishmentRecordsByUserID(ctx context.Context, guildID, userID string, since *time.Time) ([]model.PunishmentRecord, error) {
	var records []model.PunishmentRecord
	query := "SELECT * FROM punishments WHERE guild_id = ? AND user_id = ?"
	args := []interface{}{guildID, userID}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.Unix())
	}
	query += " ORDER BY timestamp"

	if err := p.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get punishment records for user %s: %w", userID, err)
	}
	return records, nil
}
