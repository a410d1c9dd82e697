// Package quota tracks temporary same-day boosts to a channel's daily reply
// limit. State is in-memory only and intentionally lost on restart.
package quota

import (
	"log/slog"
	"sync"
	"time"
)

type boostRecord struct {
	date  string
	boost int
}

// DailyBoost stores per-channel boosts stamped with the date they were set.
// A record whose date is not today reads as zero; stale records are only
// overwritten, never actively purged.
type DailyBoost struct {
	mu      sync.Mutex
	records map[string]boostRecord
	now     func() time.Time
}

// New creates an empty boost store.
func New() *DailyBoost {
	return &DailyBoost{
		records: make(map[string]boostRecord),
		now:     time.Now,
	}
}

func (d *DailyBoost) today() string {
	return d.now().Format("2006-01-02")
}

// GetBoost returns the boost for chatKey if it was set today, else 0.
// Reading never mutates state.
func (d *DailyBoost) GetBoost(chatKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[chatKey]
	if !ok || rec.date != d.today() {
		return 0
	}
	return rec.boost
}

// SetBoost stores amount stamped with today's date, replacing any prior state.
func (d *DailyBoost) SetBoost(chatKey string, amount int) {
	d.mu.Lock()
	d.records[chatKey] = boostRecord{date: d.today(), boost: amount}
	d.mu.Unlock()

	slog.Info("quota.boost_set", "chat_key", chatKey, "boost", amount)
}

// AddBoost adds amount to the current (date-aware) boost and returns the new
// total. A stale record restarts from zero.
func (d *DailyBoost) AddBoost(chatKey string, amount int) int {
	d.mu.Lock()
	today := d.today()
	current := 0
	if rec, ok := d.records[chatKey]; ok && rec.date == today {
		current = rec.boost
	}
	total := current + amount
	d.records[chatKey] = boostRecord{date: today, boost: total}
	d.mu.Unlock()

	slog.Info("quota.boost_set", "chat_key", chatKey, "boost", total)
	return total
}

// ClearBoost removes all stored state for chatKey.
func (d *DailyBoost) ClearBoost(chatKey string) {
	d.mu.Lock()
	delete(d.records, chatKey)
	d.mu.Unlock()
}
