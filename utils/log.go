package utils

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

type LogLevel string

const (
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

func getColor(level LogLevel) int {
	switch level {
	case Info:
		return 3066993 // Green
	case Warn:
		return 15105570 // Orange
	case Error:
		return 15158332 // Red
	default:
		return 3447003 // Blue
	}
}

// LogChannel posts moderation logs as embeds into a Discord channel.
// A guild can have its own channel; otherwise the default one is used.
type LogChannel struct {
	session   *discordgo.Session
	defaultID string
	channelOf func(guildID string) string
	logger    *logrus.Entry
}

// NewLogChannel creates a log channel sink. channelOf may be nil.
func NewLogChannel(s *discordgo.Session, defaultID string, channelOf func(guildID string) string) *LogChannel {
	return &LogChannel{
		session:   s,
		defaultID: defaultID,
		channelOf: channelOf,
		logger:    logrus.WithField("module", "LogChannel"),
	}
}

func (l *LogChannel) channel(guildID string) string {
	if l.channelOf != nil {
		if id := l.channelOf(guildID); id != "" {
			return id
		}
	}
	return l.defaultID
}

func (l *LogChannel) send(level LogLevel, guildID, title, description string) {
	channelID := l.channel(guildID)
	if channelID == "" || l.session == nil {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("[%s] %s", level, title),
		Description: description,
		Color:       getColor(level),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "服务器", Value: guildID, Inline: true},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if _, err := l.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		l.logger.WithError(err).WithField("channel", channelID).Warn("failed to send log embed")
	}
}

func (l *LogChannel) LogInfo(guildID, title, description string) {
	l.send(Info, guildID, title, description)
}

func (l *LogChannel) LogWarn(guildID, title, description string) {
	l.send(Warn, guildID, title, description)
}

func (l *LogChannel) LogError(guildID, title, description string) {
	l.send(Error, guildID, title, description)
}
