package bot

import (
	"context"
	"discord-automod/model"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const eventTimeout = 30 * time.Second

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>]+`)

// RegisterHandlers 将网关事件接入自动审核核心
func (b *Bot) RegisterHandlers() {
	b.Session.AddHandler(b.onReady)
	b.Session.AddHandler(b.onGuildCreate)
	b.Session.AddHandler(b.onGuildDelete)
	b.Session.AddHandler(b.onGuildRoleUpdate)
	b.Session.AddHandler(b.onGuildRoleDelete)
	b.Session.AddHandler(b.onMessageCreate)
	b.Session.AddHandler(b.onGuildMemberAdd)
	b.Session.AddHandler(b.onGuildMemberRemove)
	b.Session.AddHandler(b.onMessageReactionAdd)
	b.Session.AddHandler(b.onMessageDelete)
}

func eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), eventTimeout)
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.WithField("user", r.User.Username).WithField("guilds", len(r.Guilds)).Info("connected to gateway")
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Unavailable {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	b.ConfigureGuild(ctx, g.ID)
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	// 服务器暂时不可用时保留状态
	if g.Unavailable {
		return
	}
	b.Enforcer.RemoveGuild(g.ID)
	b.Platform.InvalidateRoles(g.ID)
}

func (b *Bot) onGuildRoleUpdate(s *discordgo.Session, r *discordgo.GuildRoleUpdate) {
	b.Platform.InvalidateRoles(r.GuildID)
}

func (b *Bot) onGuildRoleDelete(s *discordgo.Session, r *discordgo.GuildRoleDelete) {
	b.Platform.InvalidateRoles(r.GuildID)
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID == "" || m.Author == nil {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	if err := b.Enforcer.HandleMessage(ctx, messageEvent(m.Message)); err != nil {
		b.logger.WithError(err).WithField("guild", m.GuildID).WithField("message", m.ID).Warn("message enforcement failed")
	}
}

// messageEvent 提取检测器需要的计数
func messageEvent(m *discordgo.Message) model.MessageEvent {
	ev := model.MessageEvent{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		MemberID:  m.Author.ID,
		Content:   m.Content,
		Bot:       m.Author.Bot,
		Timestamp: m.Timestamp,
		Mentions:  len(m.Mentions) + len(m.MentionRoles),
		Links:     len(linkPattern.FindAllStringIndex(m.Content, -1)),
	}
	if m.MentionEveryone {
		ev.Mentions++
	}
	if m.Member != nil {
		ev.MemberRoleIDs = m.Member.Roles
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") || a.Width > 0 {
			ev.Images++
		}
	}
	for _, e := range m.Embeds {
		if e.Image != nil || e.Type == discordgo.EmbedTypeImage {
			ev.Images++
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}

func (b *Bot) onGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	ev := model.MemberEvent{GuildID: m.GuildID, MemberID: m.User.ID, Timestamp: joined}
	if err := b.Enforcer.HandleMemberJoined(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("guild", m.GuildID).WithField("member", m.User.ID).Warn("join enforcement failed")
	}
}

func (b *Bot) onGuildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	ev := model.MemberEvent{GuildID: m.GuildID, MemberID: m.User.ID, Timestamp: time.Now()}
	if err := b.Enforcer.HandleMemberLeft(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("guild", m.GuildID).Warn("member left handling failed")
	}
}

func (b *Bot) onMessageReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	if r.UserID == b.selfID() {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	ev := model.VoteEvent{
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		VoterID:   r.UserID,
		Emoji:     r.Emoji.APIName(),
	}
	if err := b.Enforcer.HandleVoteReaction(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("guild", r.GuildID).Warn("vote handling failed")
	}
}

func (b *Bot) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	b.Enforcer.HandleMessageDeleted(m.ID)
}
