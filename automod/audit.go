package automod

import (
	"context"
	"discord-automod/model"
	"discord-automod/punish"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PunishmentLog stores the audit trail of punishments.
type PunishmentLog interface {
	AddPunishmentRecord(ctx context.Context, record model.PunishmentRecord) (int64, error)
}

// Notifier posts moderation notices to a guild's log channel.
type Notifier interface {
	LogInfo(guildID, title, description string)
	LogWarn(guildID, title, description string)
}

// Audit records every applied punishment and reports abandoned reversals.
type Audit struct {
	store    PunishmentLog
	notifier Notifier
	selfID   func() string
	logger   *logrus.Entry
}

// NewAudit creates an audit sink. notifier may be nil. selfID names the actor
// of automatic punishments.
func NewAudit(store PunishmentLog, notifier Notifier, selfID func() string) *Audit {
	return &Audit{
		store:    store,
		notifier: notifier,
		selfID:   selfID,
		logger:   logrus.WithField("module", "Audit"),
	}
}

func (a *Audit) PunishmentApplied(ctx context.Context, req punish.Request, applied model.Punishment) {
	actor := req.ActorID
	if actor == "" && a.selfID != nil {
		actor = a.selfID()
	}
	record := model.PunishmentRecord{
		GuildID:     req.GuildID,
		UserID:      req.MemberID,
		ActorID:     actor,
		Reason:      req.Reason,
		ActionType:  applied.Kind.String(),
		RoleID:      applied.RoleID,
		DurationSec: int64(applied.Duration / time.Second),
		Timestamp:   time.Now().Unix(),
	}
	if _, err := a.store.AddPunishmentRecord(ctx, record); err != nil {
		a.logger.WithError(err).WithField("member", req.MemberID).Error("failed to store punishment record")
	}

	if a.notifier == nil {
		return
	}
	duration := "永久"
	if applied.Duration > 0 {
		duration = applied.Duration.String()
	}
	a.notifier.LogInfo(req.GuildID, "自动处罚",
		fmt.Sprintf("用户: <@%s>\n处罚: %s\n时长: %s\n原因: %s", req.MemberID, applied.Kind, duration, req.Reason))
}

// ReversalAbandoned is registered with the scheduler for reversals that ran out of attempts.
func (a *Audit) ReversalAbandoned(rev model.PendingReversal, err error) {
	if a.notifier == nil {
		return
	}
	a.notifier.LogWarn(rev.GuildID, "自动解除处罚失败",
		fmt.Sprintf("用户: <@%s>\n操作: %s\n错误: %v\n请手动处理。", rev.MemberID, rev.Action, err))
}
