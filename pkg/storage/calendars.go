package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/openuds/engine/pkg/types"
)

// Calendar rules are stored flat; days are a comma-separated weekday
// list ("0,1,2" with Sunday = 0) to keep the query side trivial.

func encodeDays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeDays(encoded string) []time.Weekday {
	if encoded == "" {
		return nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(encoded, ",") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}

// ReplaceCalendarRules swaps a pool's rule set atomically.
func (s *Store) ReplaceCalendarRules(poolID int64, rules []*types.CalendarRule) error {
	return s.db.Atomic(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM calendar_rules WHERE pool_id = ?`, poolID); err != nil {
			return err
		}
		for _, r := range rules {
			res, err := tx.Exec(`
				INSERT INTO calendar_rules (pool_id, priority, action, days, start_minute, duration_minutes)
				VALUES (?, ?, ?, ?, ?, ?)`,
				poolID, r.Priority, string(r.Action), encodeDays(r.Days), r.StartMinute, r.DurationMinutes)
			if err != nil {
				return err
			}
			r.ID, _ = res.LastInsertId()
			r.PoolID = poolID
		}
		return nil
	})
}

// CalendarRules returns a pool's rules ordered by priority, lowest
// first, which is the evaluation order.
func (s *Store) CalendarRules(poolID int64) ([]*types.CalendarRule, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, pool_id, priority, action, days, start_minute, duration_minutes
		FROM calendar_rules WHERE pool_id = ? ORDER BY priority, id`, poolID)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var rules []*types.CalendarRule
	for rows.Next() {
		var r types.CalendarRule
		var action, days string
		if err := rows.Scan(&r.ID, &r.PoolID, &r.Priority, &action, &days,
			&r.StartMinute, &r.DurationMinutes); err != nil {
			return nil, Wrap(err)
		}
		r.Action = types.AccessPolicy(action)
		r.Days = decodeDays(days)
		rules = append(rules, &r)
	}
	return rules, Wrap(rows.Err())
}
