package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// reversalColumns is the column list shared by every SELECT; claimed_at has
// no field in model.PendingReversal.
const reversalColumns = "id, guild_id, member_id, kind, action, role_id, channel_id, message_id, due_at, created_at, status"

// ReversalDB stores pending reversals in sqlite.
type ReversalDB struct {
	db *sqlx.DB
}

func NewReversalDB(db *sqlx.DB) *ReversalDB {
	return &ReversalDB{db: db}
}

// Add persists a new pending reversal. Times are stored in UTC so that the
// textual DATETIME values compare correctly.
func (r *ReversalDB) Add(ctx context.Context, rev model.PendingReversal) error {
	rev.DueAt = rev.DueAt.UTC()
	rev.CreatedAt = rev.CreatedAt.UTC()
	if rev.Status == "" {
		rev.Status = model.ReversalScheduled
	}

	query := `INSERT INTO pending_reversals (id, guild_id, member_id, kind, action, role_id, channel_id, message_id, due_at, created_at, status)
              VALUES (:id, :guild_id, :member_id, :kind, :action, :role_id, :channel_id, :message_id, :due_at, :created_at, :status)`

	_, err := r.db.NamedExecContext(ctx, query, rev)
	if err != nil {
		return fmt.Errorf("failed to insert pending reversal: %w", err)
	}
	return nil
}

// Remove deletes a reversal by its ID.
func (r *ReversalDB) Remove(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM pending_reversals WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pending reversal %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for pending reversal %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no pending reversal with id %s: %w", id, ErrNotFound)
	}
	return nil
}

// Claim moves a scheduled row to firing. Only one caller can win the claim.
func (r *ReversalDB) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE pending_reversals SET status = ?, claimed_at = ? WHERE id = ? AND status = ?",
		model.ReversalFiring, at.UTC(), id, model.ReversalScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to claim pending reversal %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for pending reversal %s: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// Release hands a claimed row back to scheduled.
func (r *ReversalDB) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE pending_reversals SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?",
		model.ReversalScheduled, id, model.ReversalFiring)
	if err != nil {
		return fmt.Errorf("failed to release pending reversal %s: %w", id, err)
	}
	return nil
}

// ReleaseStale hands back every row claimed at or before cutoff.
func (r *ReversalDB) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE pending_reversals SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at <= ?",
		model.ReversalScheduled, model.ReversalFiring, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale reversals: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check released reversals: %w", err)
	}
	return int(rowsAffected), nil
}

// RemoveScheduled deletes a row only while nobody has claimed it.
func (r *ReversalDB) RemoveScheduled(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM pending_reversals WHERE id = ? AND status = ?", id, model.ReversalScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending reversal %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for pending reversal %s: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// FindScheduled returns the scheduled rows of a punishment, latest due first.
func (r *ReversalDB) FindScheduled(ctx context.Context, key model.ReversalKey) ([]model.PendingReversal, error) {
	var revs []model.PendingReversal
	query := "SELECT " + reversalColumns + " FROM pending_reversals WHERE guild_id = ? AND member_id = ? AND kind = ? AND status = ? ORDER BY due_at DESC"
	if err := r.db.SelectContext(ctx, &revs, query, key.GuildID, key.MemberID, key.Kind, model.ReversalScheduled); err != nil {
		return nil, fmt.Errorf("failed to find reversals of %s: %w", key.String(), err)
	}
	return revs, nil
}

// MarkAbandoned keeps the row for inspection but stops it from being reloaded.
func (r *ReversalDB) MarkAbandoned(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE pending_reversals SET status = ?, claimed_at = NULL WHERE id = ?", model.ReversalAbandoned, id)
	if err != nil {
		return fmt.Errorf("failed to abandon pending reversal %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for pending reversal %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no pending reversal with id %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListScheduled returns every reversal still waiting to fire, earliest first.
func (r *ReversalDB) ListScheduled(ctx context.Context) ([]model.PendingReversal, error) {
	return r.listByStatus(ctx, model.ReversalScheduled)
}

// ListAbandoned returns reversals that ran out of attempts.
func (r *ReversalDB) ListAbandoned(ctx context.Context) ([]model.PendingReversal, error) {
	return r.listByStatus(ctx, model.ReversalAbandoned)
}

func (r *ReversalDB) listByStatus(ctx context.Context, status model.ReversalState) ([]model.PendingReversal, error) {
	var revs []model.PendingReversal
	query := "SELECT " + reversalColumns + " FROM pending_reversals WHERE status = ? ORDER BY due_at"
	if err := r.db.SelectContext(ctx, &revs, query, status); err != nil {
		return nil, fmt.Errorf("failed to list %s reversals: %w", status, err)
	}
	return revs, nil
}

// ListDue retrieves all scheduled reversals due at or before the given time.
func (r *ReversalDB) ListDue(ctx context.Context, before time.Time) ([]model.PendingReversal, error) {
	var revs []model.PendingReversal
	query := "SELECT " + reversalColumns + " FROM pending_reversals WHERE status = ? AND due_at <= ? ORDER BY due_at"
	if err := r.db.SelectContext(ctx, &revs, query, model.ReversalScheduled, before.UTC()); err != nil {
		return nil, fmt.Errorf("failed to get due reversals: %w", err)
	}
	return revs, nil
}
