// Package detector holds the three abuse detectors: spam floods, join raids
// and banned phrases. Detectors only decide; applying punishments is left to
// the caller.
package detector

import (
	"discord-automod/window"
	"errors"
	"time"
)

// ErrRegexTimeout is reported when a banned-phrase regex runs past its time budget.
var ErrRegexTimeout = errors.New("regex evaluation timed out")

// recordClamped appends n events to c. Platform timestamps can arrive slightly
// out of order under concurrent delivery, so an older timestamp is moved up to
// the newest recorded one instead of being rejected.
func recordClamped(c *window.Counter, at time.Time, id string, n int) {
	if last := c.Last(); at.Before(last) {
		at = last
	}
	// 调用方持有记录锁，Last 与 RecordN 之间不会有其他写入
	_ = c.RecordN(at, id, n)
}
