package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffsetValid(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"+02:30": 150,
		"-02:30": -150,
		"+00:00": 0,
		"-00:00": 0,
		"+23:59": 23*60 + 59,
		"-11:00": -660,
	}
	for in, want := range cases {
		got, err := ParseOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Minutes(), in)
	}
}

func TestParseOffsetInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"03:00",   // missing sign
		"+3:00",   // short hours
		"+03:0",   // short minutes
		"+ab:00",  // non-numeric
		"+03:60",  // minutes >= 60
		"+24:00",  // hours >= 24
		"+03-00",  // wrong separator
		"+03:00 ", // trailing space
		"",
		"UTC",
	} {
		_, err := ParseOffset(in)
		assert.ErrorIs(t, err, ErrInvalidOffsetFormat, "%q", in)
	}
}

func TestOffsetApply(t *testing.T) {
	t.Parallel()
	utc := time.Date(2024, 5, 1, 22, 45, 0, 0, time.UTC)

	plus, err := ParseOffset("+03:00")
	require.NoError(t, err)
	local := plus.Apply(utc)
	assert.Equal(t, 1, local.Hour())
	assert.Equal(t, 2, local.Day())
	assert.True(t, local.Equal(utc), "apply must not change the instant")

	minus, err := ParseOffset("-05:30")
	require.NoError(t, err)
	assert.Equal(t, Clock(17*60+15), ClockOf(minus.Apply(utc)))
}

func TestOffsetString(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"+02:30", "-11:00", "+00:00"} {
		o, err := ParseOffset(in)
		require.NoError(t, err)
		assert.Equal(t, in, o.String())
	}
}
