// Package platformtest provides an in-memory chat platform for tests.
package platformtest

import (
	"context"
	"discord-automod/model"
	"errors"
	"fmt"
	"sync"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("injected platform failure")

// Action is one recorded platform call.
type Action struct {
	Op        string
	GuildID   string
	MemberID  string
	Kind      model.PunishmentKind
	RoleID    string
	ChannelID string
	MessageID string
	Content   string
}

type memberState struct {
	position int
	roles    map[string]struct{}
	muted    bool
	deafened bool
}

// Platform records every call and keeps just enough guild state to answer
// HasPunishment. It is safe for concurrent use.
type Platform struct {
	mu sync.Mutex

	selfPosition map[string]int
	members      map[string]*memberState
	bans         map[string]struct{}
	actions      []Action
	nextMessage  int

	// remaining injected failures
	failApply   int
	failReverse int
	failDelete  int
}

func New() *Platform {
	return &Platform{
		selfPosition: make(map[string]int),
		members:      make(map[string]*memberState),
		bans:         make(map[string]struct{}),
	}
}

func key(guildID, memberID string) string {
	return guildID + "/" + memberID
}

func (p *Platform) member(guildID, memberID string) *memberState {
	m, ok := p.members[key(guildID, memberID)]
	if !ok {
		m = &memberState{roles: make(map[string]struct{})}
		p.members[key(guildID, memberID)] = m
	}
	return m
}

// SetSelfPosition sets the bot's highest role position in a guild.
func (p *Platform) SetSelfPosition(guildID string, position int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selfPosition[guildID] = position
}

// SetMemberPosition sets a member's highest role position.
func (p *Platform) SetMemberPosition(guildID, memberID string, position int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.member(guildID, memberID).position = position
}

// FailApply makes the next n ApplyPunishment calls fail.
func (p *Platform) FailApply(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failApply = n
}

// FailReverse makes the next n ReversePunishment calls fail.
func (p *Platform) FailReverse(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failReverse = n
}

// FailDelete makes the next n DeleteMessage calls fail.
func (p *Platform) FailDelete(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDelete = n
}

func (p *Platform) record(a Action) {
	p.actions = append(p.actions, a)
}

// Actions returns a copy of the recorded calls.
func (p *Platform) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

// Count returns how many recorded calls have op.
func (p *Platform) Count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.actions {
		if a.Op == op {
			n++
		}
	}
	return n
}

// HasRole reports whether the member currently has roleID.
func (p *Platform) HasRole(guildID, memberID, roleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[key(guildID, memberID)]
	if !ok {
		return false
	}
	_, has := m.roles[roleID]
	return has
}

// Banned reports whether the member is banned.
func (p *Platform) Banned(guildID, memberID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bans[key(guildID, memberID)]
	return ok
}

func (p *Platform) ApplyPunishment(ctx context.Context, guildID, memberID string, pun model.Punishment, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failApply > 0 {
		p.failApply--
		return ErrInjected
	}
	p.record(Action{Op: "apply", GuildID: guildID, MemberID: memberID, Kind: pun.Kind, RoleID: pun.RoleID, Content: reason})
	m := p.member(guildID, memberID)
	switch pun.Kind {
	case model.PunishmentRoleMute:
		m.roles[pun.RoleID] = struct{}{}
	case model.PunishmentVoiceMute:
		m.muted = true
	case model.PunishmentDeafen:
		m.deafened = true
	case model.PunishmentKick:
		delete(p.members, key(guildID, memberID))
	case model.PunishmentBan:
		delete(p.members, key(guildID, memberID))
		p.bans[key(guildID, memberID)] = struct{}{}
	default:
		return fmt.Errorf("unsupported punishment %s", pun.Kind)
	}
	return nil
}

func (p *Platform) ReversePunishment(ctx context.Context, rev model.PendingReversal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failReverse > 0 {
		p.failReverse--
		return ErrInjected
	}
	p.record(Action{Op: "reverse", GuildID: rev.GuildID, MemberID: rev.MemberID, Kind: rev.Kind, RoleID: rev.RoleID})
	switch rev.Action {
	case model.ReversalUnban:
		delete(p.bans, key(rev.GuildID, rev.MemberID))
	case model.ReversalRemoveRole:
		if m, ok := p.members[key(rev.GuildID, rev.MemberID)]; ok {
			delete(m.roles, rev.RoleID)
		}
	case model.ReversalUnmute:
		if m, ok := p.members[key(rev.GuildID, rev.MemberID)]; ok {
			m.muted = false
		}
	case model.ReversalUndeafen:
		if m, ok := p.members[key(rev.GuildID, rev.MemberID)]; ok {
			m.deafened = false
		}
	}
	return nil
}

func (p *Platform) HasPunishment(ctx context.Context, guildID, memberID string, pun model.Punishment) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pun.Kind == model.PunishmentBan {
		_, ok := p.bans[key(guildID, memberID)]
		return ok, nil
	}
	m, ok := p.members[key(guildID, memberID)]
	if !ok {
		return false, nil
	}
	switch pun.Kind {
	case model.PunishmentRoleMute:
		_, has := m.roles[pun.RoleID]
		return has, nil
	case model.PunishmentVoiceMute:
		return m.muted, nil
	case model.PunishmentDeafen:
		return m.deafened, nil
	default:
		return false, nil
	}
}

func (p *Platform) MemberPosition(ctx context.Context, guildID, memberID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[key(guildID, memberID)]; ok {
		return m.position, nil
	}
	return 0, nil
}

func (p *Platform) SelfPosition(ctx context.Context, guildID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.selfPosition[guildID]; ok {
		return pos, nil
	}
	return 100, nil
}

func (p *Platform) DeleteMessage(ctx context.Context, guildID, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete > 0 {
		p.failDelete--
		return ErrInjected
	}
	p.record(Action{Op: "delete", GuildID: guildID, ChannelID: channelID, MessageID: messageID})
	return nil
}

func (p *Platform) SendEphemeralNotice(ctx context.Context, guildID, channelID, content string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextMessage++
	id := fmt.Sprintf("notice-%d", p.nextMessage)
	p.record(Action{Op: "notice", GuildID: guildID, ChannelID: channelID, MessageID: id, Content: content})
	return id, nil
}
