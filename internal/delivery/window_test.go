package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clock(t *testing.T, s string) Clock {
	t.Helper()
	c, err := ParseClock(s)
	require.NoError(t, err)
	return c
}

func TestContainsBoundaries(t *testing.T) {
	t.Parallel()
	start, end := clock(t, "09:00"), clock(t, "18:00")
	assert.True(t, Contains(start, start, end))
	assert.True(t, Contains(end, start, end))
	assert.True(t, Contains(clock(t, "13:00"), start, end))
	assert.False(t, Contains(clock(t, "08:59"), start, end))
	assert.False(t, Contains(clock(t, "18:01"), start, end))
}

func TestContainsWraparound(t *testing.T) {
	t.Parallel()
	start, end := clock(t, "22:00"), clock(t, "06:00")
	cases := []struct {
		now  string
		want bool
	}{
		{"23:30", true},
		{"12:00", false},
		{"05:59", true},
		{"22:00", true},
		{"06:00", true},
		{"06:01", false},
		{"21:59", false},
		{"00:00", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Contains(clock(t, tc.now), start, end), tc.now)
	}
}

func TestContainsSingleInstant(t *testing.T) {
	t.Parallel()
	w := Window{Start: clock(t, "10:00"), End: clock(t, "10:00")}
	assert.False(t, w.Wraps())
	assert.True(t, w.Contains(clock(t, "10:00")))
	assert.False(t, w.Contains(clock(t, "10:01")))
	assert.False(t, w.Contains(clock(t, "09:59")))
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Clock(9*60+30), clock(t, "09:30"))
	assert.Equal(t, Clock(9*60+30), clock(t, "09:30:45"))

	for _, in := range []string{"9:30", "24:00", "09:60", "09-30", "09:30:60", "09:30:", "abc"} {
		_, err := ParseClock(in)
		assert.ErrorIs(t, err, ErrInvalidClock, in)
	}
}

func TestParseWindow(t *testing.T) {
	t.Parallel()
	w, err := ParseWindow(" 22:00-06:30 ")
	require.NoError(t, err)
	assert.True(t, w.Wraps())
	assert.Equal(t, "22:00-06:30", w.String())

	for _, in := range []string{"22:00", "22:00-6:30", "22:00:00-06:00:00", "aa:bb-cc:dd"} {
		_, err := ParseWindow(in)
		assert.Error(t, err, in)
	}
}

func TestClockOf(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 1, 7, 5, 59, 0, time.UTC)
	assert.Equal(t, "07:05", ClockOf(ts).String())
}
