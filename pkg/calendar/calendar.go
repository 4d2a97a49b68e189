package calendar

import (
	"time"

	"github.com/openuds/engine/pkg/types"
)

const minutesPerDay = 24 * 60

// Access decides whether a pool is open at the given instant. Rules are
// evaluated in order; the first matching rule's action wins, and the
// pool's fallback applies when nothing matches.
func Access(rules []*types.CalendarRule, fallback types.AccessPolicy, at time.Time) types.AccessPolicy {
	for _, rule := range rules {
		if matches(rule, at) {
			return rule.Action
		}
	}
	if fallback == "" {
		return types.AccessAllow
	}
	return fallback
}

// matches reports whether at falls inside the rule's window. A rule
// with no days applies every day; a zero duration covers the whole day.
// Windows that run past midnight spill into the early minutes of the
// following day.
func matches(rule *types.CalendarRule, at time.Time) bool {
	minute := at.Hour()*60 + at.Minute()

	if rule.DurationMinutes <= 0 {
		return dayMatches(rule, at.Weekday())
	}

	end := rule.StartMinute + rule.DurationMinutes
	if dayMatches(rule, at.Weekday()) && minute >= rule.StartMinute && minute < min(end, minutesPerDay) {
		return true
	}
	// spill-over from yesterday's window
	if end > minutesPerDay && dayMatches(rule, previousDay(at.Weekday())) && minute < end-minutesPerDay {
		return true
	}
	return false
}

func dayMatches(rule *types.CalendarRule, day time.Weekday) bool {
	if len(rule.Days) == 0 {
		return true
	}
	for _, d := range rule.Days {
		if d == day {
			return true
		}
	}
	return false
}

func previousDay(day time.Weekday) time.Weekday {
	return (day + 6) % 7
}
