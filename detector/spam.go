package detector

import (
	"discord-automod/model"
	"discord-automod/policy"
	"discord-automod/window"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// spamRecord is the state of one (guild, member, category).
type spamRecord struct {
	mu sync.Mutex

	guildID  string
	memberID string
	category model.SpamCategory

	counter       *window.Counter
	voters        map[string]struct{}
	pending       bool
	votesRequired int
	punishment    model.Punishment
	lastSeen      time.Time
	// dropped is set under mu when the record leaves the map.
	dropped bool
}

func (r *spamRecord) ready() bool {
	return r.pending && len(r.voters) >= r.votesRequired
}

func (r *spamRecord) reset() {
	r.counter.Reset()
	r.voters = make(map[string]struct{})
	r.pending = false
	r.votesRequired = 0
	r.punishment = model.Punishment{}
}

// noticeTarget is the member a vote notice message was posted about.
type noticeTarget struct {
	GuildID  string
	MemberID string
}

// SpamObservation is what one message did to a member's spam records.
type SpamObservation struct {
	// NewlyPending lists categories that became potentially punishable with
	// this message and still wait for votes.
	NewlyPending []model.SpamCategory
	// Ready is the strongest punishment whose vote requirement is met, if any.
	Ready model.Punishment
}

// Spam tracks flooding per (guild, member, category). Each record has its own
// lock; records of unrelated members never contend.
type Spam struct {
	records  *xsync.MapOf[string, *spamRecord]
	inFlight *xsync.MapOf[string, struct{}]
	notices  *xsync.MapOf[string, noticeTarget]
	logger   *logrus.Entry
}

func NewSpam() *Spam {
	return &Spam{
		records:  xsync.NewMapOf[string, *spamRecord](),
		inFlight: xsync.NewMapOf[string, struct{}](),
		notices:  xsync.NewMapOf[string, noticeTarget](),
		logger:   logrus.WithField("module", "SpamDetector"),
	}
}

func spamKey(guildID, memberID string, category model.SpamCategory) string {
	return guildID + "/" + memberID + "/" + string(category)
}

func memberKey(guildID, memberID string) string {
	return guildID + "/" + memberID
}

func (s *Spam) record(guildID, memberID string, category model.SpamCategory) *spamRecord {
	r, _ := s.records.LoadOrCompute(spamKey(guildID, memberID, category), func() *spamRecord {
		return &spamRecord{
			guildID:  guildID,
			memberID: memberID,
			category: category,
			counter:  window.New(),
			voters:   make(map[string]struct{}),
		}
	})
	return r
}

// lockRecord returns the live record locked. A record dropped between lookup
// and lock is replaced by a fresh one.
func (s *Spam) lockRecord(guildID, memberID string, category model.SpamCategory) *spamRecord {
	for {
		r := s.record(guildID, memberID, category)
		r.mu.Lock()
		if !r.dropped {
			return r
		}
		r.mu.Unlock()
	}
}

// drop removes a record when remove approves it under the record lock.
// A nil remove always drops.
func (s *Spam) drop(key string, remove func(r *spamRecord) bool) bool {
	dropped := false
	s.records.Compute(key, func(r *spamRecord, loaded bool) (*spamRecord, bool) {
		if !loaded {
			return r, true
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if remove != nil && !remove(r) {
			return r, false
		}
		r.dropped = true
		dropped = true
		return r, true
	})
	return dropped
}

// Metric returns how many events a message contributes to a category.
func Metric(msg model.MessageEvent, category model.SpamCategory) int {
	switch category {
	case model.SpamMessages:
		return 1
	case model.SpamLinks:
		return msg.Links
	case model.SpamImages:
		return msg.Images
	case model.SpamMentions:
		return msg.Mentions
	default:
		return 0
	}
}

// Observe feeds one message into every enabled spam category of the guild.
func (s *Spam) Observe(msg model.MessageEvent, rules model.GuildRuleSet) SpamObservation {
	var obs SpamObservation
	for _, category := range model.SpamCategories {
		rule, ok := rules.Spam[category]
		if !ok || !rule.Enabled || rule.RequiredInstances <= 0 {
			continue
		}
		n := Metric(msg, category)
		if n <= 0 {
			continue
		}

		r := s.lockRecord(msg.GuildID, msg.MemberID, category)
		if rule.RequiredInterval <= 0 {
			// 按单条消息计数
			r.counter.Reset()
		}
		recordClamped(r.counter, msg.Timestamp, msg.MessageID, n)
		r.lastSeen = msg.Timestamp
		count := r.counter.CountWithin(rule.RequiredInterval)
		if count >= rule.RequiredInstances {
			wasPending := r.pending
			r.pending = true
			r.votesRequired = rule.VotesRequired
			r.punishment = rules.ResolvePunishment(rule.Punishment)
			if !wasPending && !r.ready() {
				obs.NewlyPending = append(obs.NewlyPending, category)
			}
			s.logger.WithFields(logrus.Fields{
				"guild":    msg.GuildID,
				"member":   msg.MemberID,
				"category": category,
				"count":    count,
			}).Debug("member is potentially punishable")
		}
		r.mu.Unlock()
	}
	obs.Ready = s.Ready(msg.GuildID, msg.MemberID)
	return obs
}

// Vote adds voterID to every pending record of the member and returns the
// strongest punishment that is now ready. A member cannot vote on themselves,
// and every voter counts once per record.
func (s *Spam) Vote(guildID, memberID, voterID string) model.Punishment {
	if voterID == "" || voterID == memberID {
		return model.Punishment{}
	}
	for _, category := range model.SpamCategories {
		r, ok := s.records.Load(spamKey(guildID, memberID, category))
		if !ok {
			continue
		}
		r.mu.Lock()
		if r.pending && !r.dropped {
			r.voters[voterID] = struct{}{}
		}
		r.mu.Unlock()
	}
	return s.Ready(guildID, memberID)
}

// Ready returns the strongest punishment among the member's records whose vote
// requirement is met. Ties keep the earlier category.
func (s *Spam) Ready(guildID, memberID string) model.Punishment {
	var ready []model.Punishment
	for _, category := range model.SpamCategories {
		r, ok := s.records.Load(spamKey(guildID, memberID, category))
		if !ok {
			continue
		}
		r.mu.Lock()
		if r.ready() {
			ready = append(ready, r.punishment)
		}
		r.mu.Unlock()
	}
	return policy.Strongest(ready...)
}

// Pending reports whether any category of the member waits for votes or punishment.
func (s *Spam) Pending(guildID, memberID string) bool {
	for _, category := range model.SpamCategories {
		r, ok := s.records.Load(spamKey(guildID, memberID, category))
		if !ok {
			continue
		}
		r.mu.Lock()
		pending := r.pending
		r.mu.Unlock()
		if pending {
			return true
		}
	}
	return false
}

// votes returns the number of distinct voters on a category record.
func (s *Spam) votes(guildID, memberID string, category model.SpamCategory) int {
	r, ok := s.records.Load(spamKey(guildID, memberID, category))
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voters)
}

// Claim marks a punishment of the member as in flight. Only one caller gets
// ok=true until release is called, so concurrent messages and votes that all
// see a ready record punish once.
func (s *Spam) Claim(guildID, memberID string) (release func(), ok bool) {
	key := memberKey(guildID, memberID)
	if _, loaded := s.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil, false
	}
	return func() { s.inFlight.Delete(key) }, true
}

// Reset clears counters, votes and the pending flag of every category of the member.
func (s *Spam) Reset(guildID, memberID string) {
	for _, category := range model.SpamCategories {
		r, ok := s.records.Load(spamKey(guildID, memberID, category))
		if !ok {
			continue
		}
		r.mu.Lock()
		r.reset()
		r.mu.Unlock()
	}
	s.forgetNotices(guildID, memberID)
}

// Forget drops the member's records, e.g. when they leave the guild.
func (s *Spam) Forget(guildID, memberID string) {
	for _, category := range model.SpamCategories {
		s.drop(spamKey(guildID, memberID, category), nil)
	}
	s.forgetNotices(guildID, memberID)
}

// ForgetGuild drops every record of a guild.
func (s *Spam) ForgetGuild(guildID string) {
	s.records.Range(func(key string, r *spamRecord) bool {
		if r.guildID == guildID {
			s.drop(key, nil)
		}
		return true
	})
	s.notices.Range(func(messageID string, target noticeTarget) bool {
		if target.GuildID == guildID {
			s.notices.Delete(messageID)
		}
		return true
	})
}

// Sweep drops records idle for longer than their guild's cooldown and returns
// how many were dropped.
func (s *Spam) Sweep(now time.Time, cooldown func(guildID string) time.Duration) int {
	dropped := 0
	s.records.Range(func(key string, _ *spamRecord) bool {
		// 在记录锁内重新判断，避免删掉刚收到消息的记录
		idle := func(r *spamRecord) bool {
			return now.Sub(r.lastSeen) > cooldown(r.guildID)
		}
		if s.drop(key, idle) {
			dropped++
		}
		return true
	})
	if dropped > 0 {
		s.notices.Range(func(messageID string, target noticeTarget) bool {
			if !s.hasRecords(target.GuildID, target.MemberID) {
				s.notices.Delete(messageID)
			}
			return true
		})
		s.logger.WithField("dropped", dropped).Debug("swept idle spam records")
	}
	return dropped
}

// AttachNotice remembers that messageID is the vote notice about a member.
func (s *Spam) AttachNotice(guildID, memberID, messageID string) {
	s.notices.Store(messageID, noticeTarget{GuildID: guildID, MemberID: memberID})
}

// NoticeTarget returns the member a vote notice was posted about.
func (s *Spam) NoticeTarget(messageID string) (guildID, memberID string, ok bool) {
	target, ok := s.notices.Load(messageID)
	return target.GuildID, target.MemberID, ok
}

// DropNotice forgets a vote notice once its message is gone.
func (s *Spam) DropNotice(messageID string) {
	s.notices.Delete(messageID)
}

func (s *Spam) hasRecords(guildID, memberID string) bool {
	for _, category := range model.SpamCategories {
		if _, ok := s.records.Load(spamKey(guildID, memberID, category)); ok {
			return true
		}
	}
	return false
}

func (s *Spam) forgetNotices(guildID, memberID string) {
	s.notices.Range(func(messageID string, target noticeTarget) bool {
		if target.GuildID == guildID && target.MemberID == memberID {
			s.notices.Delete(messageID)
		}
		return true
	})
}
