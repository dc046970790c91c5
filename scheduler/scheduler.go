// Package scheduler runs the durable queue of delayed punishment reversals.
//
// Every entry moves through scheduled -> firing -> completed, or is cancelled
// while still scheduled. Entries are persisted before Enqueue returns and
// deleted only after their reversal succeeded, so a restart reloads exactly
// the reversals that still have to happen. Firing starts with an atomic claim
// on the stored row, so a row fires once even when several schedulers share
// the store or hold stale snapshots of it.
package scheduler

import (
	"context"
	"discord-automod/model"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence layer of pending reversals.
type Store interface {
	Add(ctx context.Context, rev model.PendingReversal) error
	// Claim moves a scheduled row to firing. It reports false when the row is
	// gone or already claimed.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// Release returns a claimed row to scheduled.
	Release(ctx context.Context, id string) error
	// ReleaseStale returns rows claimed at or before cutoff to scheduled.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)
	Remove(ctx context.Context, id string) error
	// RemoveScheduled deletes a row only while it is scheduled.
	RemoveScheduled(ctx context.Context, id string) (bool, error)
	// FindScheduled returns the scheduled rows of key, latest due first.
	FindScheduled(ctx context.Context, key model.ReversalKey) ([]model.PendingReversal, error)
	MarkAbandoned(ctx context.Context, id string) error
	ListScheduled(ctx context.Context) ([]model.PendingReversal, error)
	ListDue(ctx context.Context, before time.Time) ([]model.PendingReversal, error)
}

// Reverser performs the reversal action of an entry.
type Reverser interface {
	Reverse(ctx context.Context, rev model.PendingReversal) error
}

// ReverserFunc adapts a function to Reverser.
type ReverserFunc func(ctx context.Context, rev model.PendingReversal) error

func (f ReverserFunc) Reverse(ctx context.Context, rev model.PendingReversal) error {
	return f(ctx, rev)
}

// Config tunes the firing loop.
type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ClaimTimeout is how long a row may stay claimed before it is handed
	// back, e.g. after the claiming process died.
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 15 * time.Minute
	}
	if floor := 2 * time.Duration(c.MaxAttempts) * c.MaxBackoff; c.ClaimTimeout < floor {
		c.ClaimTimeout = floor
	}
	return c
}

// tombstoneTTL bounds how long finished ids are remembered.
const tombstoneTTL = time.Hour

type entry struct {
	rev   model.PendingReversal
	state model.ReversalState
}

// tombstone remembers an entry that finished here, so a store snapshot read
// before that cannot bring it back.
type tombstone struct {
	state model.ReversalState
	at    time.Time
}

// Scheduler keeps the in-memory state machine of every known entry on top of a Store.
type Scheduler struct {
	store    Store
	reverser Reverser
	cfg      Config
	logger   *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
	done    map[string]tombstone
	notify  chan struct{}
	wg      sync.WaitGroup

	onAbandon func(model.PendingReversal, error)

	Now func() time.Time
}

func New(store Store, reverser Reverser, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		reverser: reverser,
		cfg:      cfg.withDefaults(),
		logger:   logrus.WithField("module", "Scheduler"),
		entries:  make(map[string]*entry),
		done:     make(map[string]tombstone),
		notify:   make(chan struct{}, 1),
		Now:      time.Now,
	}
}

// OnAbandon registers a callback for entries that ran out of attempts.
func (s *Scheduler) OnAbandon(fn func(model.PendingReversal, error)) {
	s.onAbandon = fn
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue persists rev and schedules it. An empty ID gets a new uuid.
func (s *Scheduler) Enqueue(ctx context.Context, rev model.PendingReversal) error {
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = s.Now()
	}
	rev.Status = model.ReversalScheduled
	if err := s.store.Add(ctx, rev); err != nil {
		return fmt.Errorf("failed to persist reversal %s: %w", rev.ID, err)
	}

	s.mu.Lock()
	s.entries[rev.ID] = &entry{rev: rev, state: model.ReversalScheduled}
	s.updateDepth()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"id": rev.ID, "action": rev.Action, "due": rev.DueAt}).Debug("reversal scheduled")
	s.wake()
	return nil
}

// Load reloads every scheduled entry from the store. Entries already known
// are left alone, so calling Load again never fires anything twice. Rows
// left claimed by a process that stopped are handed back first.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	s.releaseStale(ctx)
	revs, err := s.store.ListScheduled(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending reversals: %w", err)
	}
	added := s.adopt(revs)
	s.logger.WithFields(logrus.Fields{"loaded": added, "stored": len(revs)}).Info("pending reversals loaded")
	s.wake()
	return added, nil
}

func (s *Scheduler) adopt(revs []model.PendingReversal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for id, t := range s.done {
		if now.Sub(t.at) > tombstoneTTL {
			delete(s.done, id)
		}
	}
	added := 0
	for _, rev := range revs {
		if _, known := s.entries[rev.ID]; known {
			continue
		}
		if _, finished := s.done[rev.ID]; finished {
			continue
		}
		rev.Status = model.ReversalScheduled
		s.entries[rev.ID] = &entry{rev: rev, state: model.ReversalScheduled}
		added++
	}
	s.updateDepth()
	return added
}

// Cancel removes the scheduled entry of key so it never fires. Rows only
// in the store, not loaded yet or written by another process, are cancelled
// too. It returns false without error when nothing is scheduled for key,
// which includes an entry that already started firing.
func (s *Scheduler) Cancel(ctx context.Context, key model.ReversalKey) (model.PendingReversal, bool, error) {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.state == model.ReversalScheduled && e.rev.Key() == key {
			if found == nil || e.rev.DueAt.After(found.rev.DueAt) {
				found = e
			}
		}
	}
	if found == nil {
		s.mu.Unlock()
		return s.cancelStored(ctx, key)
	}
	found.state = model.ReversalCancelled
	s.mu.Unlock()

	removed, err := s.store.RemoveScheduled(ctx, found.rev.ID)
	if err != nil {
		s.mu.Lock()
		found.state = model.ReversalScheduled
		s.mu.Unlock()
		return model.PendingReversal{}, false, fmt.Errorf("failed to remove cancelled reversal %s: %w", found.rev.ID, err)
	}
	if !removed {
		// 已被其他进程认领或删除
		s.forget(found.rev.ID)
		return s.cancelStored(ctx, key)
	}

	s.bury(found.rev.ID, model.ReversalCancelled)
	cancelledTotal.Inc()
	s.logger.WithFields(logrus.Fields{"id": found.rev.ID, "key": key.String()}).Info("reversal cancelled")
	return found.rev, true, nil
}

func (s *Scheduler) cancelStored(ctx context.Context, key model.ReversalKey) (model.PendingReversal, bool, error) {
	revs, err := s.store.FindScheduled(ctx, key)
	if err != nil {
		return model.PendingReversal{}, false, fmt.Errorf("failed to look up reversal %s: %w", key.String(), err)
	}
	for _, rev := range revs {
		removed, err := s.store.RemoveScheduled(ctx, rev.ID)
		if err != nil {
			return model.PendingReversal{}, false, fmt.Errorf("failed to remove cancelled reversal %s: %w", rev.ID, err)
		}
		if !removed {
			continue
		}
		s.bury(rev.ID, model.ReversalCancelled)
		cancelledTotal.Inc()
		s.logger.WithFields(logrus.Fields{"id": rev.ID, "key": key.String()}).Info("stored reversal cancelled")
		rev.Status = model.ReversalCancelled
		return rev, true, nil
	}
	return model.PendingReversal{}, false, nil
}

// Discard drops a scheduled entry by id, used when its punishment was never applied.
func (s *Scheduler) Discard(ctx context.Context, id string) error {
	s.mu.Lock()
	e, known := s.entries[id]
	if known && e.state != model.ReversalScheduled {
		s.mu.Unlock()
		return nil
	}
	if known {
		e.state = model.ReversalCancelled
	}
	s.mu.Unlock()

	removed, err := s.store.RemoveScheduled(ctx, id)
	if err != nil {
		if known {
			s.mu.Lock()
			e.state = model.ReversalScheduled
			s.mu.Unlock()
		}
		return fmt.Errorf("failed to discard reversal %s: %w", id, err)
	}
	if known || removed {
		s.bury(id, model.ReversalCancelled)
	}
	return nil
}

// State returns the state of an entry. Entries that finished here keep
// reporting their terminal state for a while.
func (s *Scheduler) State(id string) (model.ReversalState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.state, true
	}
	if t, ok := s.done[id]; ok {
		return t.state, true
	}
	return "", false
}

// bury drops an entry and keeps a tombstone of its terminal state.
func (s *Scheduler) bury(id string, state model.ReversalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	s.done[id] = tombstone{state: state, at: s.Now()}
	s.updateDepth()
}

// forget drops an entry without a tombstone.
func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	s.updateDepth()
}

// Run fires due entries until ctx is cancelled. It wakes at the nearest due
// time, on Enqueue, or after PollInterval, whichever comes first. Each poll
// also picks up due rows written to the store by someone else.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithField("poll_interval", s.cfg.PollInterval).Info("reversal scheduler started")
	lastPoll := s.Now()
	for {
		s.fireDue(ctx)

		timer := time.NewTimer(s.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			s.logger.Info("reversal scheduler stopped")
			return
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}

		if now := s.Now(); now.Sub(lastPoll) >= s.cfg.PollInterval {
			lastPoll = now
			s.poll(ctx, now)
		}
	}
}

// Wait blocks until every firing started so far has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context, now time.Time) {
	s.releaseStale(ctx)
	revs, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("failed to poll due reversals")
		return
	}
	if n := s.adopt(revs); n > 0 {
		s.logger.WithField("adopted", n).Info("picked up due reversals from store")
	}
}

func (s *Scheduler) releaseStale(ctx context.Context) {
	n, err := s.store.ReleaseStale(ctx, s.Now().Add(-s.cfg.ClaimTimeout))
	if err != nil {
		s.logger.WithError(err).Warn("failed to release stale claims")
		return
	}
	if n > 0 {
		s.logger.WithField("released", n).Warn("released reversals left claimed by a stopped process")
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.cfg.PollInterval
	now := s.Now()
	for _, e := range s.entries {
		if e.state != model.ReversalScheduled {
			continue
		}
		if d := e.rev.DueAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// FireDue starts every entry that is due now and returns how many it started.
func (s *Scheduler) FireDue(ctx context.Context) int {
	return s.fireDue(ctx)
}

func (s *Scheduler) fireDue(ctx context.Context) int {
	now := s.Now()
	s.mu.Lock()
	var due []model.PendingReversal
	for _, e := range s.entries {
		if e.state == model.ReversalScheduled && !e.rev.DueAt.After(now) {
			e.state = model.ReversalFiring
			due = append(due, e.rev)
		}
	}
	s.updateDepth()
	s.mu.Unlock()

	for _, rev := range due {
		s.wg.Add(1)
		go func(rev model.PendingReversal) {
			defer s.wg.Done()
			s.fire(ctx, rev)
		}(rev)
	}
	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, rev model.PendingReversal) {
	logger := s.logger.WithFields(logrus.Fields{
		"id":     rev.ID,
		"action": rev.Action,
		"guild":  rev.GuildID,
		"member": rev.MemberID,
	})

	claimed, err := s.store.Claim(ctx, rev.ID, s.Now())
	if err != nil {
		logger.WithError(err).Warn("failed to claim reversal")
		s.mu.Lock()
		if e, ok := s.entries[rev.ID]; ok {
			e.state = model.ReversalScheduled
			e.rev.DueAt = s.Now().Add(s.cfg.InitialBackoff)
		}
		s.updateDepth()
		s.mu.Unlock()
		return
	}
	if !claimed {
		// 其他进程已认领、取消或完成
		logger.Debug("reversal no longer claimable")
		s.forget(rev.ID)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptsTotal.Inc()
		return struct{}{}, s.reverser.Reverse(ctx, rev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": next}).Warn("reversal failed, retrying")
		}),
	)

	if err != nil && ctx.Err() != nil {
		// 关闭时未完成的条目退回 scheduled，下次启动重新加载
		if rerr := s.store.Release(context.WithoutCancel(ctx), rev.ID); rerr != nil {
			logger.WithError(rerr).Error("failed to release reversal")
		}
		s.mu.Lock()
		if e, ok := s.entries[rev.ID]; ok {
			e.state = model.ReversalScheduled
		}
		s.updateDepth()
		s.mu.Unlock()
		return
	}

	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.WithError(err).WithField("attempts", attempt).Error("reversal abandoned")
		abandonedTotal.Inc()
		s.finish(rev.ID, model.ReversalAbandoned, func() error {
			return s.store.MarkAbandoned(storeCtx, rev.ID)
		})
		if s.onAbandon != nil {
			s.onAbandon(rev, err)
		}
		return
	}

	firedTotal.Inc()
	logger.WithField("attempts", attempt).Info("reversal completed")
	s.finish(rev.ID, model.ReversalCompleted, func() error {
		return s.store.Remove(storeCtx, rev.ID)
	})
}

// finish moves an entry to a terminal state. When the store update fails the
// row stays claimed, and the tombstone keeps this process from firing it again.
func (s *Scheduler) finish(id string, state model.ReversalState, persist func() error) {
	if err := persist(); err != nil {
		s.logger.WithError(err).WithField("id", id).Error("failed to update stored reversal")
	}
	s.bury(id, state)
}

// updateDepth must be called with s.mu held.
func (s *Scheduler) updateDepth() {
	n := 0
	for _, e := range s.entries {
		if e.state == model.ReversalScheduled {
			n++
		}
	}
	queueDepth.Set(float64(n))
}
