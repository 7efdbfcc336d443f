package model

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 26, hour, minute, 0, 0, time.Local)
}

func TestParseTimeWindows(t *testing.T) {
	windows, err := ParseTimeWindows("09:00-12:30, 14:00-18:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Start != 9*60 || windows[0].End != 12*60+30 {
		t.Errorf("unexpected first window: %+v", windows[0])
	}
}

func TestParseTimeWindows_Empty(t *testing.T) {
	windows, err := ParseTimeWindows("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if windows != nil {
		t.Errorf("expected nil windows, got %v", windows)
	}
}

func TestParseTimeWindows_Invalid(t *testing.T) {
	if _, err := ParseTimeWindows("nine-to-five"); err == nil {
		t.Error("expected error for malformed window")
	}
}

func TestTimeWindow_Contains(t *testing.T) {
	w := TimeWindow{Start: 9 * 60, End: 18 * 60}

	if !w.Contains(at(12, 0)) {
		t.Error("12:00 should be inside 09:00-18:00")
	}
	if w.Contains(at(8, 59)) {
		t.Error("08:59 should be outside 09:00-18:00")
	}
}

func TestTimeWindow_CrossesMidnight(t *testing.T) {
	// 22:00-06:00 wraps past midnight
	w := TimeWindow{Start: 22 * 60, End: 6 * 60}

	if !w.Contains(at(23, 15)) {
		t.Error("23:15 should be inside 22:00-06:00")
	}
	if !w.Contains(at(3, 0)) {
		t.Error("03:00 should be inside 22:00-06:00")
	}
	if w.Contains(at(12, 0)) {
		t.Error("12:00 should be outside 22:00-06:00")
	}
}
