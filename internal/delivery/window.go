package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidClock = errors.New("invalid time of day")

// Clock is a local time of day in minutes since midnight.
type Clock int

// ParseClock accepts "HH:MM" and "HH:MM:SS". Seconds are validated and dropped.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 && len(s) != 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, okH := twoDigits(s[0:2])
	m, okM := twoDigits(s[3:5])
	if s[2] != ':' || !okH || !okM || h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	if len(s) == 8 {
		if sec, ok := twoDigits(s[6:8]); s[5] != ':' || !ok || sec > 59 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
		}
	}
	return Clock(h*60 + m), nil
}

// ClockOf returns the time of day of t in t's own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

// Window is an inclusive local delivery window. Start > End spans midnight.
type Window struct {
	Start Clock
	End   Clock
}

// NewWindow parses both ends of a window as stored by the registry.
func NewWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// ParseWindow parses chat input of the form "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if len(start) != 5 || len(end) != 5 {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return NewWindow(start, end)
}

func (w Window) Wraps() bool { return w.Start > w.End }

func (w Window) Contains(now Clock) bool { return Contains(now, w.Start, w.End) }

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Contains reports whether now is inside [start, end]. When start > end the
// window crosses midnight.
func Contains(now, start, end Clock) bool {
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}
