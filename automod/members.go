package automod

import (
	"context"
	"discord-automod/model"
	"discord-automod/policy"
	"discord-automod/punish"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HandleMemberJoined feeds a join to the raid detector and punishes every
// member of a detected burst.
func (e *Enforcer) HandleMemberJoined(ctx context.Context, ev model.MemberEvent) (err error) {
	defer e.recoverEvent("member_joined", &err)

	g, ok := e.guild(ev.GuildID)
	if !ok {
		eventsTotal.WithLabelValues("member_joined", "ignored").Inc()
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.Now()
	}
	eventsTotal.WithLabelValues("member_joined", "handled").Inc()

	triggers := e.raid.Join(ev)
	if len(triggers) == 0 {
		return nil
	}
	detectionsTotal.WithLabelValues("raid").Inc()

	// 同一成员命中多个类别时只执行最重的处罚
	strongest := make(map[string]model.Punishment)
	var order []string
	for _, trigger := range triggers {
		p := g.rules.ResolvePunishment(trigger.Punishment)
		for _, member := range trigger.Members {
			prev, seen := strongest[member]
			if !seen {
				order = append(order, member)
			}
			strongest[member] = policy.Strongest(prev, p)
		}
	}

	byPunishment := make(map[model.Punishment][]string)
	for _, member := range order {
		p := strongest[member]
		byPunishment[p] = append(byPunishment[p], member)
	}
	for p, members := range byPunishment {
		e.massPunish(ctx, ev.GuildID, members, p, "raid")
	}
	return nil
}

// HandleMemberLeft forgets a member that left: their spam records and their
// place among the recent joiners.
func (e *Enforcer) HandleMemberLeft(ctx context.Context, ev model.MemberEvent) (err error) {
	defer e.recoverEvent("member_left", &err)

	e.raid.Leave(ev)
	e.spam.Forget(ev.GuildID, ev.MemberID)
	eventsTotal.WithLabelValues("member_left", "handled").Inc()
	return nil
}

// massPunish applies p to many members, throttled so a raid cannot exhaust
// the platform rate limit. It returns how many punishments were applied.
func (e *Enforcer) massPunish(ctx context.Context, guildID string, members []string, p model.Punishment, reason string) int {
	if p.IsZero() || len(members) == 0 {
		return 0
	}
	var applied atomic.Int32
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for _, member := range members {
		member := member
		group.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			res, err := e.executor.Punish(gctx, punish.Request{
				GuildID:    guildID,
				MemberID:   member,
				Punishment: p,
				Reason:     reason,
				Automatic:  true,
			})
			if err != nil {
				e.logger.WithFields(logrus.Fields{"guild": guildID, "member": member}).WithError(err).Error("failed to punish raid member")
				return nil
			}
			if !res.Skipped && !res.AlreadyApplied {
				applied.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		e.logger.WithField("guild", guildID).WithError(err).Warn("mass punishment interrupted")
	}
	return int(applied.Load())
}
