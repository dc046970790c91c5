package model

import "time"

// MessageEvent is a message received in a guild text channel.
type MessageEvent struct {
	GuildID       string
	ChannelID     string
	MessageID     string
	MemberID      string
	MemberRoleIDs []string
	Content       string
	Mentions      int
	Links         int
	Images        int
	Bot           bool
	Timestamp     time.Time
}

// MemberEvent is a member joining or leaving a guild.
type MemberEvent struct {
	GuildID   string
	MemberID  string
	Timestamp time.Time
}

// VoteEvent is a reaction on a vote notice.
type VoteEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	VoterID   string
	Emoji     string
}
