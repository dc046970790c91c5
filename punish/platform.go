package punish

import (
	"context"
	"discord-automod/model"
)

// Platform is the chat platform client the executor acts through.
type Platform interface {
	// ApplyPunishment issues the moderation action for an already resolved punishment.
	ApplyPunishment(ctx context.Context, guildID, memberID string, p model.Punishment, reason string) error
	// ReversePunishment undoes a punishment. Reversing something that is not
	// in place (member left, role already gone) must succeed.
	ReversePunishment(ctx context.Context, rev model.PendingReversal) error
	// HasPunishment reports whether the member is already under p.
	HasPunishment(ctx context.Context, guildID, memberID string, p model.Punishment) (bool, error)
	// MemberPosition is the position of the member's highest role, zero without roles.
	MemberPosition(ctx context.Context, guildID, memberID string) (int, error)
	// SelfPosition is the position of the bot's highest role.
	SelfPosition(ctx context.Context, guildID string) (int, error)
	DeleteMessage(ctx context.Context, guildID, channelID, messageID string) error
	// SendEphemeralNotice posts a short lived message and returns its id.
	SendEphemeralNotice(ctx context.Context, guildID, channelID, content string) (string, error)
}

// ReversalQueue is where time-bounded punishments schedule their reversal.
type ReversalQueue interface {
	// Enqueue must have persisted rev when it returns nil.
	Enqueue(ctx context.Context, rev model.PendingReversal) error
	// Discard drops an entry whose punishment never took effect.
	Discard(ctx context.Context, id string) error
	// Cancel removes the scheduled entry of key. It reports false when no
	// entry is scheduled, including when it is already firing.
	Cancel(ctx context.Context, key model.ReversalKey) (model.PendingReversal, bool, error)
}

// KickTracker remembers members that were kicked once, for kick-then-ban.
type KickTracker interface {
	WasKicked(ctx context.Context, guildID, memberID string) (bool, error)
	MarkKicked(ctx context.Context, guildID, memberID string) error
}

// Auditor receives every punishment the executor applied.
type Auditor interface {
	PunishmentApplied(ctx context.Context, req Request, applied model.Punishment)
}
