package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts events since local midnight. It backs the
// bridge's "commands today" sensor and is safe for concurrent use.
type DailyCounter struct {
	mu       sync.Mutex
	count    int64
	failed   int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyCounter creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts one event. Failed events are counted separately.
func (d *DailyCounter) Record(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	if ok {
		d.count++
	} else {
		d.failed++
	}
}

// Snapshot returns today's successful and failed counts.
func (d *DailyCounter) Snapshot() (ok, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.count, d.failed
}

// maybeReset zeroes the counters if the local day has changed. Must be
// called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.count = 0
		d.failed = 0
		d.resetDay = today
	}
}
