package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		ago      time.Duration
		expected string
	}{
		{"seconds", 45 * time.Second, "45s"},
		{"minutes", 12 * time.Minute, "12m"},
		{"hours", 3*time.Hour + 5*time.Minute, "3h 5m"},
		{"future", -time.Minute, "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatAge(now, now.Add(-tt.ago)))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m", FormatDuration(0))
	assert.Equal(t, "1m", FormatDuration(61))
	assert.Equal(t, "2h 0m", FormatDuration(7200))
}

func TestFormatParams(t *testing.T) {
	assert.Equal(t, "-", FormatParams(nil))
	assert.Equal(t, "description=Please review title=Review Q4",
		FormatParams(map[string]any{"title": "Review Q4", "description": "Please review"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "ünï…", Truncate("ünïcode", 4))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "6f1c2a9e", ShortID("6f1c2a9e-1111-2222-3333-444455556666"))
	assert.Equal(t, "plainid1", ShortID("plainid1234"))
}
