package detector

import (
	"discord-automod/model"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhraseSubstring(t *testing.T) {
	set, errs := CompilePhrases([]model.BannedPhrase{
		{Pattern: "spam", Kind: model.PunishmentRoleMute},
		{Pattern: "scam link", Kind: model.PunishmentBan},
	}, 0)
	require.Empty(t, errs)
	assert.Equal(t, 2, set.Len())

	matches := set.Match("buy SPAM now")
	require.Len(t, matches, 1)
	assert.Equal(t, model.PunishmentRoleMute, matches[0].Kind)

	assert.Empty(t, set.Match("hello there"))
	assert.Len(t, set.Match("spam and a Scam Link"), 2)
}

func TestPhraseRegex(t *testing.T) {
	set, errs := CompilePhrases([]model.BannedPhrase{
		{Pattern: `fr[e3]{2}\s+nitro`, Regex: true, Kind: model.PunishmentKick},
	}, 50*time.Millisecond)
	require.Empty(t, errs)

	assert.Len(t, set.Match("get FR33 nitro here"), 1)
	assert.Empty(t, set.Match("nitro is free"))
}

func TestPhraseInvalid(t *testing.T) {
	set, errs := CompilePhrases([]model.BannedPhrase{
		{Pattern: "(", Regex: true, Kind: model.PunishmentKick},
		{Pattern: "  ", Kind: model.PunishmentKick},
		{Pattern: "x", Kind: model.PunishmentNone},
		{Pattern: "ok", Kind: model.PunishmentDeafen},
	}, 0)
	assert.Len(t, errs, 3)
	assert.Equal(t, 1, set.Len())
}

func TestPhraseRegexTimeout(t *testing.T) {
	set, errs := CompilePhrases([]model.BannedPhrase{
		{Pattern: `^(a+)+$`, Regex: true, Kind: model.PunishmentKick},
		{Pattern: "aaa", Kind: model.PunishmentDeafen},
	}, 10*time.Millisecond)
	require.Empty(t, errs)

	content := strings.Repeat("a", 40) + "!"
	matches, scanErrs := set.Scan(content)
	require.Len(t, scanErrs, 1)
	assert.True(t, errors.Is(scanErrs[0], ErrRegexTimeout))
	require.Len(t, matches, 1, "a timed out regex is a non-match")
	assert.Equal(t, model.PunishmentDeafen, matches[0].Kind)

	assert.NotPanics(t, func() { set.Match(content) })
}

func TestKinds(t *testing.T) {
	kinds := Kinds([]model.BannedPhrase{
		{Pattern: "a", Kind: model.PunishmentRoleMute},
		{Pattern: "b", Kind: model.PunishmentRoleMute},
		{Pattern: "c", Kind: model.PunishmentBan},
	})
	assert.Equal(t, []model.PunishmentKind{model.PunishmentRoleMute, model.PunishmentBan}, kinds)
}

func TestNilPhraseSet(t *testing.T) {
	var set *PhraseSet
	assert.Empty(t, set.Match("spam"))
	assert.Equal(t, 0, set.Len())
}
