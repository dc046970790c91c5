package detector

import (
	"discord-automod/model"
	"discord-automod/window"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// RecentJoinLimit bounds the retroactive punishment when raid prevention is enabled.
const RecentJoinLimit = 25

// raidRecord is the join counter of one (guild, raid category).
type raidRecord struct {
	mu      sync.Mutex
	rule    model.RaidRule
	counter *window.Counter
}

// RaidTrigger is a detected join burst.
type RaidTrigger struct {
	Category   model.RaidCategory
	Members    []string
	Punishment model.Punishment
}

// Raid counts member joins per guild and category.
type Raid struct {
	records *xsync.MapOf[string, *raidRecord]
	recent  *xsync.MapOf[string, *lru.Cache[string, struct{}]]
	logger  *logrus.Entry
}

func NewRaid() *Raid {
	return &Raid{
		records: xsync.NewMapOf[string, *raidRecord](),
		recent:  xsync.NewMapOf[string, *lru.Cache[string, struct{}]](),
		logger:  logrus.WithField("module", "RaidDetector"),
	}
}

func raidKey(guildID string, category model.RaidCategory) string {
	return guildID + "/" + string(category)
}

func (d *Raid) record(guildID string, category model.RaidCategory) *raidRecord {
	r, _ := d.records.LoadOrCompute(raidKey(guildID, category), func() *raidRecord {
		return &raidRecord{counter: window.New()}
	})
	return r
}

func (d *Raid) recentJoins(guildID string) *lru.Cache[string, struct{}] {
	c, _ := d.recent.LoadOrCompute(guildID, func() *lru.Cache[string, struct{}] {
		// 只有 size <= 0 时才会返回错误
		c, _ := lru.New[string, struct{}](RecentJoinLimit)
		return c
	})
	return c
}

// Configure applies the raid rules of a guild. It returns the members to
// punish retroactively: enabling the regular category punishes up to the
// RecentJoinLimit most recent joiners that are still in the guild. Disabling a
// category resets its counter and reverses nothing.
func (d *Raid) Configure(guildID string, rules map[model.RaidCategory]model.RaidRule) []string {
	var retro []string
	for _, category := range model.RaidCategories {
		rule := rules[category]
		if rule.Enabled && (rule.UserCount <= 0 || rule.Interval <= 0) {
			d.logger.WithFields(logrus.Fields{"guild": guildID, "category": category}).Warn("raid rule has no threshold, disabling it")
			rule.Enabled = false
		}

		r := d.record(guildID, category)
		r.mu.Lock()
		wasEnabled := r.rule.Enabled
		r.rule = rule
		if !rule.Enabled {
			r.counter.Reset()
		}
		r.mu.Unlock()

		if category == model.RaidRegular && rule.Enabled && !wasEnabled {
			retro = d.RecentJoins(guildID)
			d.logger.WithFields(logrus.Fields{"guild": guildID, "members": len(retro)}).Info("raid prevention enabled, punishing recent joins")
		}
	}
	return retro
}

// Join records a member join and returns every category whose threshold it
// reached. A triggered category is reset so the same members are not
// punished again by later joins.
func (d *Raid) Join(ev model.MemberEvent) []RaidTrigger {
	d.recentJoins(ev.GuildID).Add(ev.MemberID, struct{}{})

	var triggers []RaidTrigger
	for _, category := range model.RaidCategories {
		r, ok := d.records.Load(raidKey(ev.GuildID, category))
		if !ok {
			continue
		}
		r.mu.Lock()
		if !r.rule.Enabled {
			r.mu.Unlock()
			continue
		}
		recordClamped(r.counter, ev.Timestamp, ev.MemberID, 1)
		if r.counter.CountWithin(r.rule.Interval) >= r.rule.UserCount {
			burst := r.counter.Window(r.rule.Interval)
			members := make([]string, 0, len(burst))
			seen := make(map[string]struct{}, len(burst))
			for _, e := range burst {
				if _, dup := seen[e.ID]; dup {
					continue
				}
				seen[e.ID] = struct{}{}
				members = append(members, e.ID)
			}
			triggers = append(triggers, RaidTrigger{Category: category, Members: members, Punishment: r.rule.Punishment})
			r.counter.Reset()
			d.logger.WithFields(logrus.Fields{
				"guild":    ev.GuildID,
				"category": category,
				"members":  len(members),
			}).Warn("raid detected")
		}
		r.mu.Unlock()
	}
	return triggers
}

// Leave forgets a member that left, so retroactive punishment skips them.
func (d *Raid) Leave(ev model.MemberEvent) {
	if c, ok := d.recent.Load(ev.GuildID); ok {
		c.Remove(ev.MemberID)
	}
}

// RecentJoins returns the most recent joiners still present, oldest first.
func (d *Raid) RecentJoins(guildID string) []string {
	c, ok := d.recent.Load(guildID)
	if !ok {
		return nil
	}
	return c.Keys()
}

// enabled reports whether a raid category is active for the guild.
func (d *Raid) enabled(guildID string, category model.RaidCategory) bool {
	r, ok := d.records.Load(raidKey(guildID, category))
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rule.Enabled
}

// ForgetGuild drops all raid state of a guild.
func (d *Raid) ForgetGuild(guildID string) {
	for _, category := range model.RaidCategories {
		d.records.Delete(raidKey(guildID, category))
	}
	d.recent.Delete(guildID)
}
