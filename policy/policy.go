// Package policy decides which punishment applies and how it is undone.
package policy

import "discord-automod/model"

// Severity ranks a punishment kind. Unknown kinds rank below PunishmentNone.
func Severity(k model.PunishmentKind) int {
	if !k.Valid() {
		return -1
	}
	return int(k)
}

// Harsher reports whether a is strictly more severe than b.
func Harsher(a, b model.PunishmentKind) bool {
	return Severity(a) > Severity(b)
}

// Strongest keeps the most severe punishment. On a tie the first one wins,
// so callers can rely on category order for determinism.
func Strongest(punishments ...model.Punishment) model.Punishment {
	var best model.Punishment
	for _, p := range punishments {
		if Harsher(p.Kind, best.Kind) {
			best = p
		}
	}
	return best
}

// RuleFor returns the rule whose threshold equals count for the given violation.
func RuleFor(rules []model.PunishmentRule, violation model.PunishmentKind, count int) (model.PunishmentRule, bool) {
	for _, rule := range rules {
		if rule.Violation == violation && rule.Count == count {
			return rule, true
		}
	}
	return model.PunishmentRule{}, false
}

// ResolveKick turns kick-then-ban into a concrete action: a member that was
// already kicked once is banned.
func ResolveKick(p model.Punishment, alreadyKicked bool) model.Punishment {
	if p.Kind != model.PunishmentKickThenBan {
		return p
	}
	if alreadyKicked {
		p.Kind = model.PunishmentBan
	} else {
		p.Kind = model.PunishmentKick
		p.Duration = 0
	}
	return p
}

// ReversalFor returns the action that undoes a punishment kind. Kicks cannot be undone.
func ReversalFor(k model.PunishmentKind) (model.ReversalAction, bool) {
	switch k {
	case model.PunishmentBan:
		return model.ReversalUnban, true
	case model.PunishmentRoleMute:
		return model.ReversalRemoveRole, true
	case model.PunishmentVoiceMute:
		return model.ReversalUnmute, true
	case model.PunishmentDeafen:
		return model.ReversalUndeafen, true
	default:
		return "", false
	}
}

// NeedsHierarchy reports whether the reversal acts on a member that must be
// below the bot. Unbans target users outside the guild and message deletes
// target no member.
func NeedsHierarchy(a model.ReversalAction) bool {
	switch a {
	case model.ReversalUnban, model.ReversalDeleteMessage:
		return false
	default:
		return true
	}
}
