// Package automod is the enforcement core: it feeds platform events to the
// detectors and turns their findings into punishments.
package automod

import (
	"context"
	"discord-automod/detector"
	"discord-automod/escalation"
	"discord-automod/model"
	"discord-automod/punish"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Reversals is the part of the delayed reversal scheduler the enforcer uses.
type Reversals interface {
	Enqueue(ctx context.Context, rev model.PendingReversal) error
	Cancel(ctx context.Context, key model.ReversalKey) (model.PendingReversal, bool, error)
}

// guildState is the active configuration of one guild. It is replaced as a
// whole by Configure and never mutated afterwards.
type guildState struct {
	rules   model.GuildRuleSet
	phrases *detector.PhraseSet
}

// Options tunes an Enforcer.
type Options struct {
	// MassPunishRate bounds platform calls per second when a raid punishes many members.
	MassPunishRate float64
	// MassPunishConcurrency bounds concurrent punishments of one raid.
	MassPunishConcurrency int
}

func (o Options) withDefaults() Options {
	if o.MassPunishRate <= 0 {
		o.MassPunishRate = 5
	}
	if o.MassPunishConcurrency <= 0 {
		o.MassPunishConcurrency = 4
	}
	return o
}

// Enforcer is safe for concurrent use; events of different guilds and members
// never contend on a shared lock.
type Enforcer struct {
	platform  punish.Platform
	executor  *punish.Executor
	reversals Reversals
	ledger    *escalation.Ledger

	spam   *detector.Spam
	raid   *detector.Raid
	guilds *xsync.MapOf[string, *guildState]

	limiter     *rate.Limiter
	concurrency int
	logger      *logrus.Entry

	Now func() time.Time
}

func New(platform punish.Platform, executor *punish.Executor, reversals Reversals, ledger *escalation.Ledger, opts Options) *Enforcer {
	opts = opts.withDefaults()
	return &Enforcer{
		platform:    platform,
		executor:    executor,
		reversals:   reversals,
		ledger:      ledger,
		spam:        detector.NewSpam(),
		raid:        detector.NewRaid(),
		guilds:      xsync.NewMapOf[string, *guildState](),
		limiter:     rate.NewLimiter(rate.Limit(opts.MassPunishRate), opts.MassPunishConcurrency),
		concurrency: opts.MassPunishConcurrency,
		logger:      logrus.WithField("module", "Automod"),
		Now:         time.Now,
	}
}

func (e *Enforcer) guild(guildID string) (*guildState, bool) {
	return e.guilds.Load(guildID)
}

// RuleSet returns the active rule set of a guild.
func (e *Enforcer) RuleSet(guildID string) (model.GuildRuleSet, bool) {
	g, ok := e.guild(guildID)
	if !ok {
		return model.GuildRuleSet{}, false
	}
	return g.rules, true
}

// Configure replaces the rule set of a guild. Invalid sections are disabled
// and logged; the remaining ones take effect. Enabling regular raid
// prevention punishes the most recent joiners right away.
func (e *Enforcer) Configure(ctx context.Context, guildID string, rules model.GuildRuleSet) error {
	rules.GuildID = guildID
	rules, problems := rules.WithDefaults().Sanitize()
	logger := e.logger.WithField("guild", guildID)
	for _, problem := range problems {
		logger.WithError(problem).Warn("rule set section disabled")
	}

	phrases, errs := detector.CompilePhrases(rules.BannedPhrases, rules.RegexTimeout)
	for _, err := range errs {
		logger.WithError(err).Warn("banned phrase disabled")
	}

	e.guilds.Store(guildID, &guildState{rules: rules, phrases: phrases})
	logger.WithFields(logrus.Fields{"phrases": phrases.Len(), "rules": len(rules.PunishmentRules)}).Info("rule set configured")

	retro := e.raid.Configure(guildID, rules.Raid)
	if len(retro) == 0 {
		return nil
	}
	p := rules.ResolvePunishment(rules.Raid[model.RaidRegular].Punishment)
	punished := e.massPunish(ctx, guildID, retro, p, "raid prevention enabled")
	logger.WithFields(logrus.Fields{"members": len(retro), "punished": punished}).Info("retroactive raid punishment done")
	return nil
}

// RemoveGuild forgets everything about a guild the bot left.
func (e *Enforcer) RemoveGuild(guildID string) {
	e.guilds.Delete(guildID)
	e.spam.ForgetGuild(guildID)
	e.raid.ForgetGuild(guildID)
}

// CancelPendingReversal cancels the scheduled reversal of a punishment, e.g.
// before a moderator lifts it by hand. It reports whether an entry was
// cancelled; an entry that is already firing is not an error.
func (e *Enforcer) CancelPendingReversal(ctx context.Context, guildID, memberID string, kind model.PunishmentKind) (bool, error) {
	_, found, err := e.reversals.Cancel(ctx, model.ReversalKey{GuildID: guildID, MemberID: memberID, Kind: kind})
	return found, err
}

// Revoke lifts a punishment by hand: the pending reversal is cancelled and the
// platform reversal performed at once.
func (e *Enforcer) Revoke(ctx context.Context, guildID, memberID string, kind model.PunishmentKind, actorID string) error {
	var roleID string
	if g, ok := e.guild(guildID); ok {
		roleID = g.rules.MuteRoleID
	}
	return e.executor.Revoke(ctx, model.ReversalKey{GuildID: guildID, MemberID: memberID, Kind: kind}, roleID, actorID)
}

// HandleMessageDeleted stops counting votes on a vote notice that was removed.
func (e *Enforcer) HandleMessageDeleted(messageID string) {
	e.spam.DropNotice(messageID)
}

// SweepSpam drops spam records idle for longer than their guild's cooldown.
func (e *Enforcer) SweepSpam() int {
	return e.spam.Sweep(e.Now(), func(guildID string) time.Duration {
		if g, ok := e.guild(guildID); ok {
			return g.rules.SpamCooldown
		}
		return 0
	})
}

// recoverEvent keeps a panic in one event from taking down the event loop.
func (e *Enforcer) recoverEvent(event string, err *error) {
	if r := recover(); r != nil {
		e.logger.WithFields(logrus.Fields{"event": event, "panic": r}).Error(string(debug.Stack()))
		eventsTotal.WithLabelValues(event, "panic").Inc()
		if err != nil {
			*err = fmt.Errorf("panic handling %s: %v", event, r)
		}
	}
}
