package automod

import (
	"context"
	"discord-automod/detector"
	"discord-automod/escalation"
	"discord-automod/model"
	"discord-automod/policy"
	"discord-automod/punish"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HandleMessage runs the banned-phrase and spam detectors on a message.
// Only immediate platform failures of a punishment are returned.
func (e *Enforcer) HandleMessage(ctx context.Context, msg model.MessageEvent) (err error) {
	defer e.recoverEvent("message", &err)

	g, ok := e.guild(msg.GuildID)
	if !ok || msg.Bot || msg.MemberID == "" {
		eventsTotal.WithLabelValues("message", "ignored").Inc()
		return nil
	}
	if g.rules.IsExempt(msg.MemberRoleIDs) {
		eventsTotal.WithLabelValues("message", "exempt").Inc()
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.Now()
	}
	eventsTotal.WithLabelValues("message", "handled").Inc()

	var errs []error
	if err := e.checkPhrases(ctx, g, msg); err != nil {
		errs = append(errs, err)
	}
	if err := e.checkSpam(ctx, g, msg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkPhrases deletes a message containing banned phrases and escalates the
// violation counter of every matched kind once.
func (e *Enforcer) checkPhrases(ctx context.Context, g *guildState, msg model.MessageEvent) error {
	matches := g.phrases.Match(msg.Content)
	if len(matches) == 0 {
		return nil
	}
	logger := e.logger.WithFields(logrus.Fields{"guild": msg.GuildID, "member": msg.MemberID})
	detectionsTotal.WithLabelValues("banned_phrase").Inc()

	if err := e.platform.DeleteMessage(ctx, msg.GuildID, msg.ChannelID, msg.MessageID); err != nil {
		logger.WithError(err).Warn("failed to delete message with banned phrase")
	}

	var fired []model.Punishment
	for _, kind := range detector.Kinds(matches) {
		key := escalation.Key{GuildID: msg.GuildID, MemberID: msg.MemberID, Violation: kind}
		var rule model.PunishmentRule
		count, reset, err := e.ledger.Escalate(ctx, key, func(count int) bool {
			var ok bool
			rule, ok = policy.RuleFor(g.rules.PunishmentRules, kind, count)
			return ok
		})
		if err != nil {
			logger.WithError(err).Error("failed to escalate violation")
			continue
		}
		logger.WithFields(logrus.Fields{"violation": kind, "count": count}).Debug("banned phrase violation counted")
		if reset {
			fired = append(fired, g.rules.ResolvePunishment(rule.Punishment))
		}
	}
	if len(fired) == 0 {
		return nil
	}

	p := policy.Strongest(fired...)
	_, err := e.executor.Punish(ctx, punish.Request{
		GuildID:    msg.GuildID,
		MemberID:   msg.MemberID,
		Punishment: p,
		Reason:     "banned phrase",
		Automatic:  true,
	})
	if err != nil {
		logger.WithError(err).Error("failed to punish banned phrase")
		return fmt.Errorf("failed to punish member %s for banned phrase: %w", msg.MemberID, err)
	}
	return nil
}

func (e *Enforcer) checkSpam(ctx context.Context, g *guildState, msg model.MessageEvent) error {
	obs := e.spam.Observe(msg, g.rules)
	if len(obs.NewlyPending) > 0 {
		detectionsTotal.WithLabelValues("spam").Inc()
		e.postVoteNotice(ctx, g, msg, obs.NewlyPending)
	}
	if obs.Ready.IsZero() {
		return nil
	}
	return e.punishSpam(ctx, msg.GuildID, msg.MemberID, obs.Ready)
}

// punishSpam applies a ready spam punishment once per member, however many
// messages and votes race to it. Records are reset unless the platform call
// failed, so a later vote can retry.
func (e *Enforcer) punishSpam(ctx context.Context, guildID, memberID string, p model.Punishment) error {
	release, ok := e.spam.Claim(guildID, memberID)
	if !ok {
		return nil
	}
	defer release()

	// 抢到执行权后重新确认，上一个执行者可能已经重置了记录
	p = e.spam.Ready(guildID, memberID)
	if p.IsZero() {
		return nil
	}

	_, err := e.executor.Punish(ctx, punish.Request{
		GuildID:    guildID,
		MemberID:   memberID,
		Punishment: p,
		Reason:     "spam",
		Automatic:  true,
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{"guild": guildID, "member": memberID}).WithError(err).Error("failed to punish spam")
		return fmt.Errorf("failed to punish member %s for spam: %w", memberID, err)
	}
	e.spam.Reset(guildID, memberID)
	return nil
}

// voteSeeder is implemented by platforms that can pre-react to a notice.
type voteSeeder interface {
	AddVoteReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// postVoteNotice asks the channel to vote on a member that became potentially
// punishable. The notice deletes itself after the guild's notice TTL.
func (e *Enforcer) postVoteNotice(ctx context.Context, g *guildState, msg model.MessageEvent, categories []model.SpamCategory) {
	votes := 0
	names := make([]string, 0, len(categories))
	for _, category := range categories {
		names = append(names, string(category))
		if v := g.rules.Spam[category].VotesRequired; v > votes {
			votes = v
		}
	}
	content := fmt.Sprintf("<@%s> 疑似刷屏 (%s)。需要 %d 位成员点击 %s 投票确认处罚。",
		msg.MemberID, strings.Join(names, ", "), votes, g.rules.VoteEmoji)

	logger := e.logger.WithFields(logrus.Fields{"guild": msg.GuildID, "member": msg.MemberID})
	noticeID, err := e.platform.SendEphemeralNotice(ctx, msg.GuildID, msg.ChannelID, content)
	if err != nil {
		logger.WithError(err).Warn("failed to post vote notice")
		return
	}
	e.spam.AttachNotice(msg.GuildID, msg.MemberID, noticeID)
	if seeder, ok := e.platform.(voteSeeder); ok {
		if err := seeder.AddVoteReaction(ctx, msg.ChannelID, noticeID, g.rules.VoteEmoji); err != nil {
			logger.WithError(err).Debug("failed to seed vote reaction")
		}
	}

	now := e.Now()
	err = e.reversals.Enqueue(ctx, model.PendingReversal{
		ID:        uuid.NewString(),
		GuildID:   msg.GuildID,
		MemberID:  msg.MemberID,
		Action:    model.ReversalDeleteMessage,
		ChannelID: msg.ChannelID,
		MessageID: noticeID,
		DueAt:     now.Add(g.rules.NoticeTTL),
		CreatedAt: now,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to schedule vote notice removal")
	}
}

// Vote counts voterID toward punishing memberID for spam.
func (e *Enforcer) Vote(ctx context.Context, guildID, memberID, voterID string) (err error) {
	defer e.recoverEvent("vote", &err)

	if _, ok := e.guild(guildID); !ok {
		return nil
	}
	p := e.spam.Vote(guildID, memberID, voterID)
	eventsTotal.WithLabelValues("vote", "handled").Inc()
	if p.IsZero() {
		return nil
	}
	return e.punishSpam(ctx, guildID, memberID, p)
}

// HandleVoteReaction counts a reaction with the guild's vote emoji on a vote notice.
func (e *Enforcer) HandleVoteReaction(ctx context.Context, ev model.VoteEvent) error {
	g, ok := e.guild(ev.GuildID)
	if !ok || ev.Emoji != g.rules.VoteEmoji {
		return nil
	}
	guildID, memberID, ok := e.spam.NoticeTarget(ev.MessageID)
	if !ok || guildID != ev.GuildID {
		return nil
	}
	return e.Vote(ctx, guildID, memberID, ev.VoterID)
}
