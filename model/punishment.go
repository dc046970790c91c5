package model

import (
	"fmt"
	"strings"
	"time"
)

// PunishmentKind is the closed set of punishments the bot can apply.
// The numeric value is the severity rank: a larger value is a harsher punishment.
type PunishmentKind int

const (
	PunishmentNone PunishmentKind = iota
	PunishmentDeafen
	PunishmentVoiceMute
	PunishmentRoleMute
	PunishmentKick
	PunishmentKickThenBan
	PunishmentBan
)

var punishmentNames = map[PunishmentKind]string{
	PunishmentNone:        "none",
	PunishmentDeafen:      "deafen",
	PunishmentVoiceMute:   "voice-mute",
	PunishmentRoleMute:    "mute",
	PunishmentKick:        "kick",
	PunishmentKickThenBan: "kick-then-ban",
	PunishmentBan:         "ban",
}

// AllPunishmentKinds lists every kind in ascending severity.
var AllPunishmentKinds = []PunishmentKind{
	PunishmentNone,
	PunishmentDeafen,
	PunishmentVoiceMute,
	PunishmentRoleMute,
	PunishmentKick,
	PunishmentKickThenBan,
	PunishmentBan,
}

func (k PunishmentKind) String() string {
	if name, ok := punishmentNames[k]; ok {
		return name
	}
	return fmt.Sprintf("punishment(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k PunishmentKind) Valid() bool {
	_, ok := punishmentNames[k]
	return ok
}

// ParsePunishmentKind accepts the names used in rule set files. "role-mute" and
// "timeout" are accepted as aliases of "mute".
func ParsePunishmentKind(s string) (PunishmentKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "", "none":
		return PunishmentNone, nil
	case "role-mute", "timeout":
		return PunishmentRoleMute, nil
	}
	for k, n := range punishmentNames {
		if n == name {
			return k, nil
		}
	}
	return PunishmentNone, fmt.Errorf("unknown punishment kind %q", s)
}

func (k PunishmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PunishmentKind) UnmarshalText(text []byte) error {
	parsed, err := ParsePunishmentKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Punishment is a concrete decision: what to apply, with which role and for how long.
// A zero Duration means the punishment is permanent (nothing is scheduled).
type Punishment struct {
	Kind     PunishmentKind `mapstructure:"kind" json:"kind"`
	RoleID   string         `mapstructure:"role_id" json:"role_id,omitempty"`
	Duration time.Duration  `mapstructure:"duration" json:"duration,omitempty"`
}

// IsZero reports whether the punishment does nothing.
func (p Punishment) IsZero() bool {
	return p.Kind == PunishmentNone
}

// PunishmentRule fires Punishment once the violation counter of Violation reaches Count.
type PunishmentRule struct {
	Violation  PunishmentKind `mapstructure:"violation" json:"violation"`
	Count      int            `mapstructure:"count" json:"count"`
	Punishment Punishment     `mapstructure:"punishment" json:"punishment"`
}

// PunishmentRecord is the audit row written for each automatic punishment.
// The database table is named 'punishments'.
type PunishmentRecord struct {
	PunishmentID int64  `db:"punishment_id"` // Primary Key, Auto-increment
	GuildID      string `db:"guild_id"`
	UserID       string `db:"user_id"`
	ActorID      string `db:"actor_id"`
	Reason       string `db:"reason"`
	ActionType   string `db:"action_type"`
	RoleID       string `db:"role_id"`
	DurationSec  int64  `db:"duration_sec"`
	Timestamp    int64  `db:"timestamp"`
}
