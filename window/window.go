// Package window counts timestamped events inside a sliding time window.
package window

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidSequence is returned when an event is older than the newest recorded one.
var ErrInvalidSequence = errors.New("timestamps must be recorded in non-decreasing order")

// PruneMargin is kept beyond the widest queried interval before old events are dropped.
const PruneMargin = 5 * time.Second

// Entry is one recorded event. ID is whatever the caller wants back from
// Window (a member id for joins, a message id for spam).
type Entry struct {
	At time.Time
	ID string
}

// Counter is a thread-safe, time-ordered list of events.
type Counter struct {
	mu      sync.Mutex
	entries []Entry
	widest  time.Duration
}

func New() *Counter {
	return &Counter{}
}

// Record appends one event.
func (c *Counter) Record(at time.Time, id string) error {
	return c.RecordN(at, id, 1)
}

// RecordN appends n events sharing the same timestamp, e.g. the mentions of one message.
func (c *Counter) RecordN(at time.Time, id string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1].At
		if at.Before(last) {
			return fmt.Errorf("%w: %s is before %s", ErrInvalidSequence, at.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
	}
	for i := 0; i < n; i++ {
		c.entries = append(c.entries, Entry{At: at, ID: id})
	}
	return nil
}

// CountWithin returns the largest number of recorded events whose span is at
// most interval. With no interval, or fewer than two events, it returns the
// raw count. Events that can no longer fall into any window ending at the
// newest event are pruned afterwards.
func (c *Counter) CountWithin(interval time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if interval <= 0 || len(c.entries) < 2 {
		return len(c.entries)
	}
	start, end := c.widestWindow(interval)
	c.prune(interval)
	return end - start
}

// Window returns a copy of the events of the largest window that fits in
// interval. When several windows tie, the most recent one is returned.
func (c *Counter) Window(interval time.Duration) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if interval <= 0 || len(c.entries) < 2 {
		return append([]Entry(nil), c.entries...)
	}
	start, end := c.widestWindow(interval)
	return append([]Entry(nil), c.entries[start:end]...)
}

// widestWindow returns [start, end) of the largest window. Entries are sorted,
// so a single forward pass with two indices is enough.
func (c *Counter) widestWindow(interval time.Duration) (int, int) {
	bestStart, bestEnd := 0, 0
	start := 0
	for end := range c.entries {
		for c.entries[end].At.Sub(c.entries[start].At) > interval {
			start++
		}
		if end+1-start >= bestEnd-bestStart {
			bestStart, bestEnd = start, end+1
		}
	}
	return bestStart, bestEnd
}

func (c *Counter) prune(interval time.Duration) {
	if interval > c.widest {
		c.widest = interval
	}
	newest := c.entries[len(c.entries)-1].At
	cutoff := newest.Add(-(c.widest + PruneMargin))

	drop := 0
	for drop < len(c.entries) && c.entries[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.entries = append(c.entries[:0], c.entries[drop:]...)
	}
}

// Len returns the number of events currently held.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Last returns the newest event time, or the zero time when empty.
func (c *Counter) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return time.Time{}
	}
	return c.entries[len(c.entries)-1].At
}

// Entries returns a copy of every held event, oldest first.
func (c *Counter) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Reset drops all events.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.widest = 0
}
