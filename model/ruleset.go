package model

import (
	"fmt"
	"strings"
	"time"
)

// SpamCategory is one independent flood metric taken from each message.
type SpamCategory string

const (
	SpamMessages SpamCategory = "messages"
	SpamLinks    SpamCategory = "links"
	SpamImages   SpamCategory = "images"
	SpamMentions SpamCategory = "mentions"
)

// SpamCategories is the fixed evaluation order of spam categories.
var SpamCategories = []SpamCategory{SpamMessages, SpamLinks, SpamImages, SpamMentions}

// RaidCategory separates the slow "regular" join burst from rapid joins.
type RaidCategory string

const (
	RaidRegular RaidCategory = "regular"
	RaidRapid   RaidCategory = "rapid"
)

var RaidCategories = []RaidCategory{RaidRegular, RaidRapid}

// SpamRule configures one spam category. A zero RequiredInterval makes the
// check per message (for example the raw mention count of a single message).
type SpamRule struct {
	Enabled           bool          `mapstructure:"enabled" json:"enabled"`
	RequiredInstances int           `mapstructure:"required_instances" json:"required_instances"`
	RequiredInterval  time.Duration `mapstructure:"required_interval" json:"required_interval"`
	VotesRequired     int           `mapstructure:"votes_required" json:"votes_required"`
	Punishment        Punishment    `mapstructure:"punishment" json:"punishment"`
}

// RaidRule configures one raid category.
type RaidRule struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	UserCount  int           `mapstructure:"user_count" json:"user_count"`
	Interval   time.Duration `mapstructure:"interval" json:"interval"`
	Punishment Punishment    `mapstructure:"punishment" json:"punishment"`
}

// BannedPhrase is matched case-insensitively as a substring, or as a regular
// expression when Regex is set.
type BannedPhrase struct {
	Pattern string         `mapstructure:"pattern" json:"pattern"`
	Regex   bool           `mapstructure:"regex" json:"regex"`
	Kind    PunishmentKind `mapstructure:"kind" json:"kind"`
}

// GuildRuleSet holds the automod configuration of one guild.
type GuildRuleSet struct {
	GuildID         string                    `mapstructure:"guild_id" json:"guild_id"`
	Name            string                    `mapstructure:"name" json:"name"`
	Spam            map[SpamCategory]SpamRule `mapstructure:"spam" json:"spam"`
	SpamCooldown    time.Duration             `mapstructure:"spam_cooldown" json:"spam_cooldown"`
	Raid            map[RaidCategory]RaidRule `mapstructure:"raid" json:"raid"`
	BannedPhrases   []BannedPhrase            `mapstructure:"banned_phrases" json:"banned_phrases"`
	PunishmentRules []PunishmentRule          `mapstructure:"punishment_rules" json:"punishment_rules"`
	MuteRoleID      string                    `mapstructure:"mute_role_id" json:"mute_role_id"`
	ExemptRoleIDs   []string                  `mapstructure:"exempt_role_ids" json:"exempt_role_ids"`
	RegexTimeout    time.Duration             `mapstructure:"regex_timeout" json:"regex_timeout"`
	VoteEmoji       string                    `mapstructure:"vote_emoji" json:"vote_emoji"`
	NoticeTTL       time.Duration             `mapstructure:"notice_ttl" json:"notice_ttl"`
	// LogChannelID overrides the process-wide log channel for this guild.
	LogChannelID string `mapstructure:"log_channel_id" json:"log_channel_id,omitempty"`
}

const (
	DefaultSpamCooldown = 10 * time.Minute
	DefaultRegexTimeout = 100 * time.Millisecond
	DefaultVoteEmoji    = "⚠️"
	DefaultNoticeTTL    = 5 * time.Minute
)

// WithDefaults fills unset guild-wide values.
func (r GuildRuleSet) WithDefaults() GuildRuleSet {
	if r.SpamCooldown <= 0 {
		r.SpamCooldown = DefaultSpamCooldown
	}
	if r.RegexTimeout <= 0 {
		r.RegexTimeout = DefaultRegexTimeout
	}
	if r.VoteEmoji == "" {
		r.VoteEmoji = DefaultVoteEmoji
	}
	if r.NoticeTTL <= 0 {
		r.NoticeTTL = DefaultNoticeTTL
	}
	return r
}

// ResolvePunishment fills the role of a role mute from the guild mute role.
func (r GuildRuleSet) ResolvePunishment(p Punishment) Punishment {
	if p.Kind == PunishmentRoleMute && p.RoleID == "" {
		p.RoleID = r.MuteRoleID
	}
	return p
}

// IsExempt reports whether any of the member roles is exempt from automod.
func (r GuildRuleSet) IsExempt(memberRoleIDs []string) bool {
	for _, exempt := range r.ExemptRoleIDs {
		for _, role := range memberRoleIDs {
			if role == exempt {
				return true
			}
		}
	}
	return false
}

// Sanitize returns a copy of the rule set in which every invalid section is
// disabled, together with the problems found. The rest of the rule set stays usable.
func (r GuildRuleSet) Sanitize() (GuildRuleSet, []error) {
	var problems []error

	spam := make(map[SpamCategory]SpamRule, len(r.Spam))
	for cat, rule := range r.Spam {
		if rule.Enabled {
			var err error
			switch {
			case rule.RequiredInstances <= 0:
				err = fmt.Errorf("spam %s: required_instances must be positive", cat)
			case rule.VotesRequired < 0:
				err = fmt.Errorf("spam %s: votes_required must not be negative", cat)
			case !rule.Punishment.Kind.Valid():
				err = fmt.Errorf("spam %s: invalid punishment", cat)
			case rule.Punishment.Kind == PunishmentRoleMute && r.ResolvePunishment(rule.Punishment).RoleID == "":
				err = fmt.Errorf("spam %s: mute without a mute role", cat)
			}
			if err != nil {
				problems = append(problems, err)
				rule.Enabled = false
			}
		}
		spam[cat] = rule
	}
	r.Spam = spam

	raid := make(map[RaidCategory]RaidRule, len(r.Raid))
	for cat, rule := range r.Raid {
		if rule.Enabled {
			var err error
			switch {
			case rule.UserCount <= 0 || rule.Interval <= 0:
				err = fmt.Errorf("raid %s: user_count and interval must be positive", cat)
			case !rule.Punishment.Kind.Valid():
				err = fmt.Errorf("raid %s: invalid punishment", cat)
			case rule.Punishment.Kind == PunishmentRoleMute && r.ResolvePunishment(rule.Punishment).RoleID == "":
				err = fmt.Errorf("raid %s: mute without a mute role", cat)
			}
			if err != nil {
				problems = append(problems, err)
				rule.Enabled = false
			}
		}
		raid[cat] = rule
	}
	r.Raid = raid

	var phrases []BannedPhrase
	for i, phrase := range r.BannedPhrases {
		if strings.TrimSpace(phrase.Pattern) == "" {
			problems = append(problems, fmt.Errorf("banned phrase %d: empty pattern", i))
			continue
		}
		phrases = append(phrases, phrase)
	}
	r.BannedPhrases = phrases

	var rules []PunishmentRule
	for i, rule := range r.PunishmentRules {
		if rule.Count <= 0 {
			problems = append(problems, fmt.Errorf("punishment rule %d: count must be positive", i))
			continue
		}
		if rule.Punishment.Kind == PunishmentRoleMute && r.ResolvePunishment(rule.Punishment).RoleID == "" {
			problems = append(problems, fmt.Errorf("punishment rule %d: mute without a mute role", i))
			continue
		}
		rules = append(rules, rule)
	}
	r.PunishmentRules = rules

	return r, problems
}

// Validate returns the problems of a rule set without changing it.
func (r GuildRuleSet) Validate() []error {
	_, problems := r.Sanitize()
	return problems
}
