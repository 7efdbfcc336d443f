package model

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is one daily [start, end] interval in minutes since
// midnight. End before start denotes a window crossing midnight.
type TimeWindow struct {
	Start int
	End   int
}

// ParseTimeWindows parses "HH:MM-HH:MM" intervals joined by commas.
// Whitespace and empty entries are tolerated.
func ParseTimeWindows(spec string) ([]TimeWindow, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var out []TimeWindow
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid time window %q", part)
		}
		start, err := parseHHMM(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid time window %q: %w", part, err)
		}
		end, err := parseHHMM(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid time window %q: %w", part, err)
		}
		out = append(out, TimeWindow{Start: start, End: end})
	}
	return out, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the local clock time falls inside the window.
// A window with end < start wraps past midnight: in iff now >= start or
// now <= end.
func (w TimeWindow) Contains(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	if w.End < w.Start {
		return minute >= w.Start || minute <= w.End
	}
	return minute >= w.Start && minute <= w.End
}

// InWindows reports whether now falls in any of the windows. An empty
// list matches nothing.
func InWindows(windows []TimeWindow, now time.Time) bool {
	for _, w := range windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}
