// Package escalation keeps the per-member violation counters that drive
// escalating punishments, and the sticky "already kicked" flag.
package escalation

import (
	"context"
	"discord-automod/model"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// Key identifies one violation counter.
type Key struct {
	GuildID   string
	MemberID  string
	Violation model.PunishmentKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.GuildID, k.MemberID, k.Violation)
}

// Store persists counters. Implementations must make Increment atomic per key.
type Store interface {
	Increment(ctx context.Context, key Key) (int, error)
	Get(ctx context.Context, key Key) (int, error)
	Reset(ctx context.Context, key Key) error
	SetKicked(ctx context.Context, guildID, memberID string, kicked bool) error
	Kicked(ctx context.Context, guildID, memberID string) (bool, error)
}

// Ledger serializes escalation steps per key on top of a Store.
type Ledger struct {
	store  Store
	locks  *xsync.MapOf[string, *sync.Mutex]
	logger *logrus.Entry
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:  store,
		locks:  xsync.NewMapOf[string, *sync.Mutex](),
		logger: logrus.WithField("module", "Escalation"),
	}
}

func (l *Ledger) lock(key string) func() {
	mu, _ := l.locks.LoadOrCompute(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// Escalate increments the counter of key and hands the new count to decide.
// When decide returns true the counter is reset to zero before the key is
// unlocked, so no other increment can observe the count that fired.
func (l *Ledger) Escalate(ctx context.Context, key Key, decide func(count int) bool) (int, bool, error) {
	unlock := l.lock(key.String())
	defer unlock()

	count, err := l.store.Increment(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment violation counter %s: %w", key, err)
	}
	if decide == nil || !decide(count) {
		return count, false, nil
	}
	if err := l.store.Reset(ctx, key); err != nil {
		return count, false, fmt.Errorf("failed to reset violation counter %s: %w", key, err)
	}
	l.logger.WithFields(logrus.Fields{"key": key.String(), "count": count}).Debug("violation counter reset after rule fired")
	return count, true, nil
}

// Count returns the current value of a counter.
func (l *Ledger) Count(ctx context.Context, key Key) (int, error) {
	return l.store.Get(ctx, key)
}

// Reset zeroes a counter.
func (l *Ledger) Reset(ctx context.Context, key Key) error {
	unlock := l.lock(key.String())
	defer unlock()
	return l.store.Reset(ctx, key)
}

// MarkKicked records that the member has been kicked from the guild once.
// The flag is per member, shared by every violation and spam category.
func (l *Ledger) MarkKicked(ctx context.Context, guildID, memberID string) error {
	return l.store.SetKicked(ctx, guildID, memberID, true)
}

// WasKicked reports whether the member has already been kicked once.
func (l *Ledger) WasKicked(ctx context.Context, guildID, memberID string) (bool, error) {
	return l.store.Kicked(ctx, guildID, memberID)
}
