package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPunishmentKindOrdering(t *testing.T) {
	for i := 1; i < len(AllPunishmentKinds); i++ {
		assert.Greater(t, AllPunishmentKinds[i], AllPunishmentKinds[i-1])
	}
	assert.False(t, PunishmentKind(42).Valid())
	assert.Equal(t, "punishment(42)", PunishmentKind(42).String())
}

func TestParsePunishmentKind(t *testing.T) {
	cases := map[string]PunishmentKind{
		"":              PunishmentNone,
		"ban":           PunishmentBan,
		" Kick ":        PunishmentKick,
		"kick-then-ban": PunishmentKickThenBan,
		"timeout":       PunishmentRoleMute,
		"role-mute":     PunishmentRoleMute,
		"voice-mute":    PunishmentVoiceMute,
		"deafen":        PunishmentDeafen,
	}
	for in, want := range cases {
		got, err := ParsePunishmentKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePunishmentKind("banish")
	assert.Error(t, err)

	var k PunishmentKind
	require.NoError(t, k.UnmarshalText([]byte("mute")))
	assert.Equal(t, PunishmentRoleMute, k)
	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "mute", string(text))
}

func TestSanitizeDisablesInvalidSections(t *testing.T) {
	rs := GuildRuleSet{
		GuildID: "g1",
		Spam: map[SpamCategory]SpamRule{
			SpamMessages: {Enabled: true, RequiredInstances: 5, RequiredInterval: time.Second, Punishment: Punishment{Kind: PunishmentKick}},
			SpamLinks:    {Enabled: true, RequiredInstances: 0, Punishment: Punishment{Kind: PunishmentKick}},
			SpamImages:   {Enabled: true, RequiredInstances: 2, Punishment: Punishment{Kind: PunishmentRoleMute}},
		},
		Raid: map[RaidCategory]RaidRule{
			RaidRegular: {Enabled: true, UserCount: 3, Interval: time.Minute, Punishment: Punishment{Kind: PunishmentBan}},
			RaidRapid:   {Enabled: true, UserCount: 3, Punishment: Punishment{Kind: PunishmentBan}},
		},
		BannedPhrases: []BannedPhrase{
			{Pattern: "bad", Kind: PunishmentRoleMute},
			{Pattern: "  ", Kind: PunishmentRoleMute},
		},
		PunishmentRules: []PunishmentRule{
			{Violation: PunishmentRoleMute, Count: 3, Punishment: Punishment{Kind: PunishmentRoleMute}},
			{Violation: PunishmentKick, Count: 0, Punishment: Punishment{Kind: PunishmentKick}},
			{Violation: PunishmentBan, Count: 1, Punishment: Punishment{Kind: PunishmentBan}},
		},
	}

	clean, problems := rs.Sanitize()
	// links: zero instances, images: no mute role, rapid: no interval,
	// empty phrase, zero count rule, mute rule without a role
	assert.Len(t, problems, 6)

	assert.True(t, clean.Spam[SpamMessages].Enabled)
	assert.False(t, clean.Spam[SpamLinks].Enabled)
	assert.False(t, clean.Spam[SpamImages].Enabled)
	assert.True(t, clean.Raid[RaidRegular].Enabled)
	assert.False(t, clean.Raid[RaidRapid].Enabled)
	assert.Len(t, clean.BannedPhrases, 1)
	require.Len(t, clean.PunishmentRules, 1)
	assert.Equal(t, PunishmentBan, clean.PunishmentRules[0].Violation)

	// the original is untouched
	assert.True(t, rs.Spam[SpamLinks].Enabled)
	assert.Len(t, rs.BannedPhrases, 2)
}

func TestSanitizeUsesGuildMuteRole(t *testing.T) {
	rs := GuildRuleSet{
		MuteRoleID: "muted",
		Spam: map[SpamCategory]SpamRule{
			SpamMentions: {Enabled: true, RequiredInstances: 5, Punishment: Punishment{Kind: PunishmentRoleMute}},
		},
	}
	clean, problems := rs.Sanitize()
	assert.Empty(t, problems)
	assert.True(t, clean.Spam[SpamMentions].Enabled)
	assert.Equal(t, "muted", clean.ResolvePunishment(clean.Spam[SpamMentions].Punishment).RoleID)
}

func TestWithDefaultsAndExempt(t *testing.T) {
	rs := GuildRuleSet{ExemptRoleIDs: []string{"mod"}}.WithDefaults()
	assert.Equal(t, DefaultSpamCooldown, rs.SpamCooldown)
	assert.Equal(t, DefaultRegexTimeout, rs.RegexTimeout)
	assert.Equal(t, DefaultVoteEmoji, rs.VoteEmoji)
	assert.Equal(t, DefaultNoticeTTL, rs.NoticeTTL)
	assert.True(t, rs.IsExempt([]string{"member", "mod"}))
	assert.False(t, rs.IsExempt([]string{"member"}))
}
