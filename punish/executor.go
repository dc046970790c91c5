// Package punish applies punishments through the chat platform after a
// hierarchy check, and schedules their reversal.
package punish

import (
	"context"
	"discord-automod/model"
	"discord-automod/policy"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInsufficientHierarchy means the actor does not outrank the target.
	ErrInsufficientHierarchy = errors.New("actor does not outrank target")
	// ErrPlatformActionFailed wraps failures of the platform call itself.
	ErrPlatformActionFailed = errors.New("platform action failed")
)

// Request describes one punishment to apply.
type Request struct {
	GuildID    string
	MemberID   string
	Punishment model.Punishment
	Reason     string
	// Automatic requests come from detectors. Their hierarchy failures are
	// logged and skipped instead of returned.
	Automatic bool
	// ActorID is the moderator of a manual request. Empty means the bot itself.
	ActorID string
}

// Result is the outcome of a successful Punish call.
type Result struct {
	// Applied is the punishment actually issued, after kick-then-ban resolution.
	Applied model.Punishment
	// Reversal is the scheduled reversal, nil for permanent punishments.
	Reversal *model.PendingReversal
	// AlreadyApplied is set when the member already had the punishment.
	AlreadyApplied bool
	// Skipped is set when an automatic punishment was dropped by the hierarchy check.
	Skipped bool
}

// Executor applies and reverses punishments.
type Executor struct {
	platform Platform
	queue    ReversalQueue
	kicks    KickTracker
	auditor  Auditor
	logger   *logrus.Entry

	Now func() time.Time
}

func NewExecutor(platform Platform, queue ReversalQueue, kicks KickTracker) *Executor {
	return &Executor{
		platform: platform,
		queue:    queue,
		kicks:    kicks,
		logger:   logrus.WithField("module", "Executor"),
		Now:      time.Now,
	}
}

// SetAuditor registers the receiver of applied punishments.
func (e *Executor) SetAuditor(a Auditor) {
	e.auditor = a
}

// checkHierarchy verifies that the bot, and the moderator of a manual action,
// both sit above the target.
func (e *Executor) checkHierarchy(ctx context.Context, guildID, actorID, targetID string) error {
	target, err := e.platform.MemberPosition(ctx, guildID, targetID)
	if err != nil {
		return fmt.Errorf("failed to get position of member %s: %w", targetID, err)
	}
	self, err := e.platform.SelfPosition(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to get bot position in guild %s: %w", guildID, err)
	}
	if self <= target {
		return fmt.Errorf("%w: bot position %d, member %s position %d", ErrInsufficientHierarchy, self, targetID, target)
	}
	if actorID == "" {
		return nil
	}
	actor, err := e.platform.MemberPosition(ctx, guildID, actorID)
	if err != nil {
		return fmt.Errorf("failed to get position of member %s: %w", actorID, err)
	}
	if actor <= target {
		return fmt.Errorf("%w: actor %s position %d, member %s position %d", ErrInsufficientHierarchy, actorID, actor, targetID, target)
	}
	return nil
}

// Punish applies req. A time-bounded punishment has its reversal persisted
// before the platform call; if the call fails the reversal is discarded, so a
// failed punishment never leaves anything scheduled.
func (e *Executor) Punish(ctx context.Context, req Request) (Result, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"guild":  req.GuildID,
		"member": req.MemberID,
		"kind":   req.Punishment.Kind,
	})

	p := req.Punishment
	if p.Kind == model.PunishmentNone {
		return Result{Skipped: true}, nil
	}
	if !p.Kind.Valid() {
		return Result{}, fmt.Errorf("invalid punishment kind %d", int(p.Kind))
	}
	if p.Kind == model.PunishmentRoleMute && p.RoleID == "" {
		return Result{}, fmt.Errorf("mute of member %s in guild %s has no role", req.MemberID, req.GuildID)
	}

	if p.Kind == model.PunishmentKickThenBan {
		kicked, err := e.kicks.WasKicked(ctx, req.GuildID, req.MemberID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read kicked flag: %w", err)
		}
		p = policy.ResolveKick(p, kicked)
	}

	if err := e.checkHierarchy(ctx, req.GuildID, req.ActorID, req.MemberID); err != nil {
		if errors.Is(err, ErrInsufficientHierarchy) && req.Automatic {
			logger.WithError(err).Warn("skipping automatic punishment")
			punishmentsTotal.WithLabelValues(p.Kind.String(), "skipped").Inc()
			return Result{Applied: p, Skipped: true}, nil
		}
		return Result{}, err
	}

	has, err := e.platform.HasPunishment(ctx, req.GuildID, req.MemberID, p)
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to check current punishment: %v", ErrPlatformActionFailed, err)
	}
	if has {
		logger.Debug("member already has this punishment")
		punishmentsTotal.WithLabelValues(p.Kind.String(), "already_applied").Inc()
		return Result{Applied: p, AlreadyApplied: true}, nil
	}

	var rev *model.PendingReversal
	if action, ok := policy.ReversalFor(p.Kind); ok && p.Duration > 0 {
		now := e.Now()
		rev = &model.PendingReversal{
			ID:        uuid.NewString(),
			GuildID:   req.GuildID,
			MemberID:  req.MemberID,
			Kind:      p.Kind,
			Action:    action,
			RoleID:    p.RoleID,
			DueAt:     now.Add(p.Duration),
			CreatedAt: now,
			Status:    model.ReversalScheduled,
		}
		if err := e.queue.Enqueue(ctx, *rev); err != nil {
			return Result{}, fmt.Errorf("failed to schedule reversal: %w", err)
		}
	}

	if err := e.platform.ApplyPunishment(ctx, req.GuildID, req.MemberID, p, req.Reason); err != nil {
		if rev != nil {
			if derr := e.queue.Discard(ctx, rev.ID); derr != nil {
				logger.WithError(derr).Error("failed to discard reversal of failed punishment")
			}
		}
		punishmentsTotal.WithLabelValues(p.Kind.String(), "failed").Inc()
		return Result{}, fmt.Errorf("%w: %s member %s: %v", ErrPlatformActionFailed, p.Kind, req.MemberID, err)
	}

	if p.Kind == model.PunishmentKick {
		if err := e.kicks.MarkKicked(ctx, req.GuildID, req.MemberID); err != nil {
			logger.WithError(err).Error("failed to record kick")
		}
	}

	punishmentsTotal.WithLabelValues(p.Kind.String(), "applied").Inc()
	logger.WithField("duration", p.Duration).Info("punishment applied")
	if e.auditor != nil {
		e.auditor.PunishmentApplied(ctx, req, p)
	}
	return Result{Applied: p, Reversal: rev}, nil
}

// Reverse performs a scheduled reversal. It is the path the scheduler fires.
func (e *Executor) Reverse(ctx context.Context, rev model.PendingReversal) error {
	if rev.Action == model.ReversalDeleteMessage {
		if err := e.platform.DeleteMessage(ctx, rev.GuildID, rev.ChannelID, rev.MessageID); err != nil {
			reversalsTotal.WithLabelValues(string(rev.Action), "failed").Inc()
			return fmt.Errorf("%w: delete message %s: %v", ErrPlatformActionFailed, rev.MessageID, err)
		}
		reversalsTotal.WithLabelValues(string(rev.Action), "done").Inc()
		return nil
	}

	if policy.NeedsHierarchy(rev.Action) {
		if err := e.checkHierarchy(ctx, rev.GuildID, "", rev.MemberID); err != nil {
			return err
		}
	}
	if err := e.platform.ReversePunishment(ctx, rev); err != nil {
		reversalsTotal.WithLabelValues(string(rev.Action), "failed").Inc()
		return fmt.Errorf("%w: %s member %s: %v", ErrPlatformActionFailed, rev.Action, rev.MemberID, err)
	}
	reversalsTotal.WithLabelValues(string(rev.Action), "done").Inc()
	e.logger.WithFields(logrus.Fields{
		"guild":  rev.GuildID,
		"member": rev.MemberID,
		"action": rev.Action,
	}).Info("punishment reversed")
	return nil
}

// Revoke is a manual unmute/unban: the pending reversal of key is cancelled
// and the punishment undone right away. roleID is used when nothing was
// scheduled to say which role a mute used.
func (e *Executor) Revoke(ctx context.Context, key model.ReversalKey, roleID, actorID string) error {
	action, ok := policy.ReversalFor(key.Kind)
	if !ok {
		return fmt.Errorf("%s cannot be revoked", key.Kind)
	}
	if policy.NeedsHierarchy(action) {
		if err := e.checkHierarchy(ctx, key.GuildID, actorID, key.MemberID); err != nil {
			return err
		}
	}

	rev, found, err := e.queue.Cancel(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to cancel pending reversal %s: %w", key, err)
	}
	if !found {
		rev = model.PendingReversal{
			GuildID:  key.GuildID,
			MemberID: key.MemberID,
			Kind:     key.Kind,
			Action:   action,
			RoleID:   roleID,
		}
	}
	if err := e.platform.ReversePunishment(ctx, rev); err != nil {
		reversalsTotal.WithLabelValues(string(action), "failed").Inc()
		if found {
			// 撤销失败时恢复原来的定时任务
			if qerr := e.queue.Enqueue(ctx, rev); qerr != nil {
				e.logger.WithError(qerr).WithField("reversal", rev.ID).Error("failed to restore cancelled reversal")
			}
		}
		return fmt.Errorf("%w: %s member %s: %v", ErrPlatformActionFailed, action, key.MemberID, err)
	}
	reversalsTotal.WithLabelValues(string(action), "revoked").Inc()
	return nil
}
