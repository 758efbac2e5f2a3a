// Package alerting decides when threshold and outage alerts should fire.
// Evaluators are pure: they return an alert or nil and never touch
// AlertState, which the caller commits after the alert is delivered.
package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a local time-of-day range during which alerts may fire.
// The zero Window is always open.
type Window struct {
	Start   time.Duration // offset from local midnight
	End     time.Duration
	Enabled bool
}

// Always is a window with no quiet hours.
var Always = Window{}

// ParseWindow accepts "08:00-17:00" or "8-17". An end before the start wraps
// past midnight, so "22:00-06:00" is the overnight range. An empty string,
// "always" or "off" means no restriction.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "always", "off", "none":
		return Always, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	return Window{Start: start, End: end, Enabled: true}, nil
}

func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	hs, ms, _ := strings.Cut(s, ":")
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("bad hour %q", hs)
	}
	m := 0
	if ms != "" {
		if m, err = strconv.Atoi(ms); err != nil || m < 0 || m > 59 {
			return 0, fmt.Errorf("bad minute %q", ms)
		}
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether t, in its own location, falls inside the window.
// Start is inclusive and End exclusive. Equal bounds mean the whole day.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled || w.Start == w.End {
		return true
	}
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.Start < w.End {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End
}

func (w Window) String() string {
	if !w.Enabled {
		return "always"
	}
	return fmt.Sprintf("%s-%s", clock(w.Start), clock(w.End))
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
