package model

import (
	"fmt"
	"time"
)

// ReversalAction is the platform action that undoes a time-bounded punishment.
type ReversalAction string

const (
	ReversalUnban         ReversalAction = "unban"
	ReversalUnmute        ReversalAction = "unmute"
	ReversalUndeafen      ReversalAction = "undeafen"
	ReversalRemoveRole    ReversalAction = "remove-role"
	ReversalDeleteMessage ReversalAction = "delete-message"
)

// ReversalState tracks a PendingReversal through the scheduler.
type ReversalState string

const (
	ReversalScheduled ReversalState = "scheduled"
	ReversalFiring    ReversalState = "firing"
	ReversalCompleted ReversalState = "completed"
	ReversalCancelled ReversalState = "cancelled"
	ReversalAbandoned ReversalState = "abandoned"
)

// PendingReversal is a reversal waiting for its due time.
// The database table is named 'pending_reversals'.
type PendingReversal struct {
	ID        string         `db:"id" json:"id"`
	GuildID   string         `db:"guild_id" json:"guild_id"`
	MemberID  string         `db:"member_id" json:"member_id"`
	Kind      PunishmentKind `db:"kind" json:"kind"`
	Action    ReversalAction `db:"action" json:"action"`
	RoleID    string         `db:"role_id" json:"role_id"`
	ChannelID string         `db:"channel_id" json:"channel_id"`
	MessageID string         `db:"message_id" json:"message_id"`
	DueAt     time.Time      `db:"due_at" json:"due_at"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	Status    ReversalState  `db:"status" json:"status"`
}

// Key identifies the punishment a reversal belongs to. Manual unmute/unban
// cancels pending reversals by this key.
type ReversalKey struct {
	GuildID  string
	MemberID string
	Kind     PunishmentKind
}

func (r PendingReversal) Key() ReversalKey {
	return ReversalKey{GuildID: r.GuildID, MemberID: r.MemberID, Kind: r.Kind}
}

func (k ReversalKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.GuildID, k.MemberID, k.Kind)
}

func (r PendingReversal) String() string {
	return fmt.Sprintf("%s %s (guild %s, member %s, due %s)", r.ID, r.Action, r.GuildID, r.MemberID, r.DueAt.Format(time.RFC3339))
}
