package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openuds/engine/pkg/types"
)

// 2026-08-24 is a Monday
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 8, day, hour, minute, 0, 0, time.UTC)
}

func TestAccessFirstMatchWins(t *testing.T) {
	rules := []*types.CalendarRule{
		{Priority: 1, Action: types.AccessAllow, Days: []time.Weekday{time.Monday},
			StartMinute: 9 * 60, DurationMinutes: 8 * 60},
		{Priority: 2, Action: types.AccessDeny},
	}

	tests := []struct {
		name string
		when time.Time
		want types.AccessPolicy
	}{
		{"monday inside window", at(24, 10, 0), types.AccessAllow},
		{"monday window start", at(24, 9, 0), types.AccessAllow},
		{"monday window end excluded", at(24, 17, 0), types.AccessDeny},
		{"monday before window", at(24, 8, 59), types.AccessDeny},
		{"tuesday same hours", at(25, 10, 0), types.AccessDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Access(rules, types.AccessAllow, tt.when))
		})
	}
}

func TestAccessFallback(t *testing.T) {
	assert.Equal(t, types.AccessDeny, Access(nil, types.AccessDeny, at(24, 12, 0)))
	assert.Equal(t, types.AccessAllow, Access(nil, "", at(24, 12, 0)))
}

func TestAccessAllDayRule(t *testing.T) {
	rules := []*types.CalendarRule{
		{Action: types.AccessDeny, Days: []time.Weekday{time.Monday}},
	}
	assert.Equal(t, types.AccessDeny, Access(rules, types.AccessAllow, at(24, 0, 0)))
	assert.Equal(t, types.AccessDeny, Access(rules, types.AccessAllow, at(24, 23, 59)))
	assert.Equal(t, types.AccessAllow, Access(rules, types.AccessAllow, at(25, 12, 0)))
}

func TestAccessWindowPastMidnight(t *testing.T) {
	// Monday 22:00 for 4 hours: covers Tue 00:00-01:59
	rules := []*types.CalendarRule{
		{Action: types.AccessAllow, Days: []time.Weekday{time.Monday},
			StartMinute: 22 * 60, DurationMinutes: 4 * 60},
	}

	assert.Equal(t, types.AccessAllow, Access(rules, types.AccessDeny, at(24, 23, 30)))
	assert.Equal(t, types.AccessAllow, Access(rules, types.AccessDeny, at(25, 1, 30)))
	assert.Equal(t, types.AccessDeny, Access(rules, types.AccessDeny, at(25, 2, 0)))
	assert.Equal(t, types.AccessDeny, Access(rules, types.AccessDeny, at(24, 1, 30)),
		"monday early morning is not covered by monday's late window")
}
