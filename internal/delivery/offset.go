package delivery

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidOffsetFormat = errors.New("invalid utc offset format")

// Offset is a fixed UTC offset in minutes. No DST rules apply.
type Offset int

// ParseOffset parses "+HH:MM" or "-HH:MM" with hours 0..23 and minutes 0..59.
func ParseOffset(s string) (Offset, error) {
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffsetFormat, s)
	}
	h, okH := twoDigits(s[1:3])
	m, okM := twoDigits(s[4:6])
	if !okH || !okM || h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffsetFormat, s)
	}
	v := h*60 + m
	if s[0] == '-' {
		v = -v
	}
	return Offset(v), nil
}

func (o Offset) Minutes() int { return int(o) }

// Apply converts t into the fixed zone described by o.
func (o Offset) Apply(t time.Time) time.Time {
	return t.In(time.FixedZone(o.String(), int(o)*60))
}

func (o Offset) String() string {
	sign, v := '+', int(o)
	if v < 0 {
		sign, v = '-', -v
	}
	return fmt.Sprintf("%c%02d:%02d", sign, v/60, v%60)
}

func twoDigits(s string) (int, bool) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}
