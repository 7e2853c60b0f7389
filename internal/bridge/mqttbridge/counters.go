package mqttbridge

import (
	"sync"
	"time"
)

// DailyCounters tracks bridged-message throughput that resets at
// local midnight, for the bridge's own diagnostic logging. Safe for
// concurrent use. Grounded on the teacher's internal/mqtt/tokens.go
// DailyTokens accumulator — the day-boundary reset mechanism is
// unchanged; the counted quantity is bridged messages, not LLM tokens.
type DailyCounters struct {
	mu        sync.Mutex
	toMQTT    int64
	fromMQTT  int64
	resetDay  int
	loc       *time.Location
}

// NewDailyCounters creates a counter using loc for midnight detection.
// A nil loc uses time.Local.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounters{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// RecordToMQTT counts one mesh-text message published to the broker.
func (d *DailyCounters) RecordToMQTT() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.toMQTT++
}

// RecordFromMQTT counts one broker message relayed onto the mesh.
func (d *DailyCounters) RecordFromMQTT() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.fromMQTT++
}

// Snapshot returns today's counts after checking for midnight rollover.
func (d *DailyCounters) Snapshot() (toMQTT, fromMQTT int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.toMQTT, d.fromMQTT
}

func (d *DailyCounters) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.toMQTT = 0
		d.fromMQTT = 0
		d.resetDay = today
	}
}
