package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 100.4, RoundTo(100.4000000001, 2))
	assert.Equal(t, 99.75, RoundTo(99.7499999999, 2))
	assert.Equal(t, 0.123, RoundTo(0.12345, 3))
	assert.Equal(t, 12.0, RoundTo(11.6, 0))
}

func TestFormatFixed(t *testing.T) {
	assert.Equal(t, "100.46", FormatFixed(100.456, 2))
	assert.Equal(t, "0.0010", FormatFixed(0.001, 4))
}

func TestParseIntervalDuration(t *testing.T) {
	want := map[string]time.Duration{
		"5m": 5 * time.Minute, "15m": 15 * time.Minute, "1h": time.Hour, "4h": 4 * time.Hour, "1d": 24 * time.Hour,
	}
	for s, d := range want {
		got, err := ParseIntervalDuration(s)
		require.NoError(t, err)
		assert.Equal(t, d, got, s)
	}

	_, err := ParseIntervalDuration("5x")
	assert.Error(t, err)
	_, err = ParseIntervalDuration("m")
	assert.Error(t, err)
	_, err = ParseIntervalDuration("0m")
	assert.Error(t, err)
}

func TestParseFloatOrZero(t *testing.T) {
	assert.Equal(t, 0.0, ParseFloatOrZero(""))
	assert.Equal(t, 0.0, ParseFloatOrZero("abc"))
	assert.Equal(t, 1.5, ParseFloatOrZero("1.5"))
}
