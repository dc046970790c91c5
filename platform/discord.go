// Package platform adapts the discordgo session to the executor's Platform interface.
package platform

import (
	"context"
	"discord-automod/model"
	"discord-automod/utils"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Discord API error codes treated as "already done".
const (
	codeUnknownMember  = 10007
	codeUnknownMessage = 10008
	codeUnknownBan     = 10026
)

// Discord implements punish.Platform on a discordgo session.
type Discord struct {
	session *discordgo.Session
	roles   *expirable.LRU[string, map[string]int]
	logger  *logrus.Entry
}

// NewDiscord creates the adapter. Role positions are cached per guild for
// roleTTL; role changes show up after at most that long.
func NewDiscord(s *discordgo.Session, roleTTL time.Duration) *Discord {
	return &Discord{
		session: s,
		roles:   expirable.NewLRU[string, map[string]int](256, nil, roleTTL),
		logger:  logrus.WithField("module", "Discord"),
	}
}

// isNotFound reports a 404 or one of the unknown-entity codes.
func isNotFound(err error, codes ...int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		for _, code := range codes {
			if restErr.Message.Code == code {
				return true
			}
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func (d *Discord) ApplyPunishment(ctx context.Context, guildID, memberID string, p model.Punishment, reason string) error {
	opt := discordgo.WithContext(ctx)
	switch p.Kind {
	case model.PunishmentRoleMute:
		return d.session.GuildMemberRoleAdd(guildID, memberID, p.RoleID, opt)
	case model.PunishmentVoiceMute:
		return d.session.GuildMemberMute(guildID, memberID, true, opt)
	case model.PunishmentDeafen:
		return d.session.GuildMemberDeafen(guildID, memberID, true, opt)
	case model.PunishmentKick:
		return d.session.GuildMemberDeleteWithReason(guildID, memberID, reason, opt)
	case model.PunishmentBan:
		return d.session.GuildBanCreateWithReason(guildID, memberID, reason, 0, opt)
	default:
		return fmt.Errorf("unsupported punishment %s", p.Kind)
	}
}

func (d *Discord) ReversePunishment(ctx context.Context, rev model.PendingReversal) error {
	opt := discordgo.WithContext(ctx)
	var err error
	switch rev.Action {
	case model.ReversalUnban:
		err = d.session.GuildBanDelete(rev.GuildID, rev.MemberID, opt)
	case model.ReversalRemoveRole:
		err = d.session.GuildMemberRoleRemove(rev.GuildID, rev.MemberID, rev.RoleID, opt)
	case model.ReversalUnmute:
		err = d.session.GuildMemberMute(rev.GuildID, rev.MemberID, false, opt)
	case model.ReversalUndeafen:
		err = d.session.GuildMemberDeafen(rev.GuildID, rev.MemberID, false, opt)
	case model.ReversalDeleteMessage:
		return d.DeleteMessage(ctx, rev.GuildID, rev.ChannelID, rev.MessageID)
	default:
		return fmt.Errorf("unsupported reversal %s", rev.Action)
	}
	if err != nil && isNotFound(err, codeUnknownMember, codeUnknownBan) {
		// 成员已离开或封禁已被手动解除
		d.logger.WithFields(logrus.Fields{"guild": rev.GuildID, "member": rev.MemberID, "action": rev.Action}).Debug("nothing to reverse")
		return nil
	}
	return err
}

func (d *Discord) HasPunishment(ctx context.Context, guildID, memberID string, p model.Punishment) (bool, error) {
	opt := discordgo.WithContext(ctx)
	if p.Kind == model.PunishmentBan {
		_, err := d.session.GuildBan(guildID, memberID, opt)
		if err == nil {
			return true, nil
		}
		if isNotFound(err, codeUnknownBan) {
			return false, nil
		}
		return false, err
	}

	member, err := d.member(ctx, guildID, memberID)
	if err != nil {
		if isNotFound(err, codeUnknownMember) {
			return false, nil
		}
		return false, err
	}
	switch p.Kind {
	case model.PunishmentRoleMute:
		return utils.Contains(member.Roles, p.RoleID), nil
	case model.PunishmentVoiceMute:
		return member.Mute, nil
	case model.PunishmentDeafen:
		return member.Deaf, nil
	default:
		return false, nil
	}
}

func (d *Discord) member(ctx context.Context, guildID, memberID string) (*discordgo.Member, error) {
	if d.session.State != nil {
		if m, err := d.session.State.Member(guildID, memberID); err == nil {
			return m, nil
		}
	}
	return d.session.GuildMember(guildID, memberID, discordgo.WithContext(ctx))
}

func (d *Discord) rolePositions(ctx context.Context, guildID string) (map[string]int, error) {
	if positions, ok := d.roles.Get(guildID); ok {
		return positions, nil
	}
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get roles of guild %s: %w", guildID, err)
	}
	positions := make(map[string]int, len(roles))
	for _, role := range roles {
		positions[role.ID] = role.Position
	}
	d.roles.Add(guildID, positions)
	return positions, nil
}

// InvalidateRoles drops the cached role positions of a guild.
func (d *Discord) InvalidateRoles(guildID string) {
	d.roles.Remove(guildID)
}

func (d *Discord) MemberPosition(ctx context.Context, guildID, memberID string) (int, error) {
	guild, err := d.guild(ctx, guildID)
	if err == nil && guild.OwnerID == memberID {
		return math.MaxInt, nil
	}
	member, err := d.member(ctx, guildID, memberID)
	if err != nil {
		if isNotFound(err, codeUnknownMember) {
			return 0, nil
		}
		return 0, err
	}
	positions, err := d.rolePositions(ctx, guildID)
	if err != nil {
		return 0, err
	}
	return utils.HighestRolePosition(member.Roles, positions), nil
}

func (d *Discord) SelfPosition(ctx context.Context, guildID string) (int, error) {
	if d.session.State == nil || d.session.State.User == nil {
		return 0, errors.New("session has no user")
	}
	return d.MemberPosition(ctx, guildID, d.session.State.User.ID)
}

func (d *Discord) guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, discordgo.WithContext(ctx))
}

func (d *Discord) DeleteMessage(ctx context.Context, guildID, channelID, messageID string) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil && isNotFound(err, codeUnknownMessage) {
		return nil
	}
	return err
}

func (d *Discord) SendEphemeralNotice(ctx context.Context, guildID, channelID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// AddVoteReaction seeds a vote notice with the vote emoji so members can click it.
func (d *Discord) AddVoteReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return d.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}
