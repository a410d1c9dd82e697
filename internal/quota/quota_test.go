package quota

import (
	"testing"
	"time"
)

func TestBoostLifecycle(t *testing.T) {
	d := New()

	if got := d.GetBoost("tg-1"); got != 0 {
		t.Errorf("GetBoost on empty store = %d, want 0", got)
	}

	d.SetBoost("tg-1", 10)
	if got := d.GetBoost("tg-1"); got != 10 {
		t.Errorf("GetBoost = %d, want 10", got)
	}

	if got := d.AddBoost("tg-1", 5); got != 15 {
		t.Errorf("AddBoost returned %d, want 15", got)
	}
	if got := d.GetBoost("tg-1"); got != 15 {
		t.Errorf("GetBoost after add = %d, want 15", got)
	}

	// Keys are independent.
	if got := d.GetBoost("tg-2"); got != 0 {
		t.Errorf("GetBoost other key = %d, want 0", got)
	}

	d.ClearBoost("tg-1")
	if got := d.GetBoost("tg-1"); got != 0 {
		t.Errorf("GetBoost after clear = %d, want 0", got)
	}
}

func TestBoostExpiresOnDateRollover(t *testing.T) {
	d := New()
	current := time.Date(2026, 3, 1, 23, 50, 0, 0, time.Local)
	d.now = func() time.Time { return current }

	d.SetBoost("tg-1", 10)
	if got := d.GetBoost("tg-1"); got != 10 {
		t.Fatalf("GetBoost same day = %d, want 10", got)
	}

	// Midnight rolls over: the stored record is logically expired.
	current = current.Add(time.Hour)
	if got := d.GetBoost("tg-1"); got != 0 {
		t.Errorf("GetBoost after rollover = %d, want 0", got)
	}

	// AddBoost after rollover starts from zero, not the stale value.
	if got := d.AddBoost("tg-1", 3); got != 3 {
		t.Errorf("AddBoost after rollover = %d, want 3", got)
	}
	if got := d.GetBoost("tg-1"); got != 3 {
		t.Errorf("GetBoost after re-add = %d, want 3", got)
	}
}
