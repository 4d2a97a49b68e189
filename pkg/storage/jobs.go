package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/openuds/engine/pkg/types"
)

// Scheduler rows. One row per registered job; the row is the distributed
// mutex. Claiming happens inside a single write transaction, which is
// what guarantees exactly-one executor per job across all hosts.

const jobColumns = `id, name, frequency, last_execution, next_execution, owner_server, state`

func scanJob(row rowScanner) (*types.JobRecord, error) {
	var j types.JobRecord
	var state string
	var last, next int64
	err := row.Scan(&j.ID, &j.Name, &j.Frequency, &last, &next, &j.OwnerServer, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("job", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	j.State = types.JobState(state)
	j.LastExecution = fromEpoch(last)
	j.NextExecution = fromEpoch(next)
	return &j, nil
}

// EnsureJob registers a job row, inserting it if missing, updating the
// frequency if it changed, and normalizing next_execution when drift is
// detected (next further out than last + frequency).
func (s *Store) EnsureJob(name string, frequency int, now time.Time) error {
	return s.db.Atomic(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(
			`SELECT `+jobColumns+` FROM schedulers WHERE name = ?`, name))
		if types.IsNotFound(err) {
			_, err = tx.Exec(`
				INSERT INTO schedulers (name, frequency, last_execution, next_execution, owner_server, state)
				VALUES (?, ?, ?, ?, '', ?)`,
				name, frequency, toEpoch(now), toEpoch(now.Add(time.Duration(frequency)*time.Second)),
				string(types.JobStateForExecute))
			return err
		}
		if err != nil {
			return err
		}

		normalized := j.LastExecution.Add(time.Duration(frequency) * time.Second)
		if j.Frequency != frequency || j.NextExecution.After(normalized) {
			_, err = tx.Exec(`
				UPDATE schedulers SET frequency = ?, next_execution = ? WHERE id = ?`,
				frequency, toEpoch(normalized), j.ID)
			return err
		}
		return nil
	})
}

// ClaimJob takes the most overdue runnable job for this host. A job is
// runnable when free and either overdue (next_execution < now) or with
// a last_execution in the future (clock rollback, run it to resync).
// NotFoundError means nothing is due.
func (s *Store) ClaimJob(hostname string, now time.Time) (*types.JobRecord, error) {
	var claimed *types.JobRecord
	err := s.db.Atomic(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(`
			SELECT `+jobColumns+` FROM schedulers
			WHERE state = ? AND (last_execution > ? OR next_execution < ?)
			ORDER BY next_execution LIMIT 1`,
			string(types.JobStateForExecute), toEpoch(now), toEpoch(now)))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE schedulers SET state = ?, owner_server = ?, last_execution = ? WHERE id = ?`,
			string(types.JobStateRunning), hostname, toEpoch(now), j.ID)
		if err != nil {
			return err
		}
		j.State = types.JobStateRunning
		j.OwnerServer = hostname
		j.LastExecution = now
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseJob frees a job row after a run (successful or not) and
// schedules the next execution.
func (s *Store) ReleaseJob(name string, now time.Time) error {
	return s.db.Atomic(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(
			`SELECT `+jobColumns+` FROM schedulers WHERE name = ?`, name))
		if err != nil {
			return err
		}
		next := now.Add(time.Duration(j.Frequency) * time.Second)
		_, err = tx.Exec(`
			UPDATE schedulers SET state = ?, owner_server = '', next_execution = ? WHERE id = ?`,
			string(types.JobStateForExecute), toEpoch(next), j.ID)
		return err
	})
}

// RecoverStuckJobs releases RUNNING rows whose last execution is older
// than the stuck threshold: their executor crashed or hung. Returns the
// names released.
func (s *Store) RecoverStuckJobs(threshold time.Duration, now time.Time) ([]string, error) {
	var released []string
	err := s.db.Atomic(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, name, frequency FROM schedulers WHERE state = ? AND last_execution < ?`,
			string(types.JobStateRunning), toEpoch(now.Add(-threshold)))
		if err != nil {
			return err
		}
		type stuck struct {
			id        int64
			name      string
			frequency int
		}
		var found []stuck
		for rows.Next() {
			var st stuck
			if err := rows.Scan(&st.id, &st.name, &st.frequency); err != nil {
				rows.Close()
				return err
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range found {
			next := now.Add(time.Duration(st.frequency) * time.Second)
			if _, err := tx.Exec(`
				UPDATE schedulers SET state = ?, owner_server = '', next_execution = ? WHERE id = ?`,
				string(types.JobStateForExecute), toEpoch(next), st.id); err != nil {
				return err
			}
			released = append(released, st.name)
		}
		return nil
	})
	return released, err
}

// ReleaseOwnedJobs frees every row owned by this hostname. Run at
// startup: rows still owned by us belong to a previous instance that
// died without releasing them.
func (s *Store) ReleaseOwnedJobs(hostname string, now time.Time) error {
	return s.db.Atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE schedulers SET state = ?, owner_server = '',
				next_execution = last_execution + frequency
			WHERE owner_server = ?`,
			string(types.JobStateForExecute), hostname)
		return err
	})
}

// GetJob returns one scheduler row by name.
func (s *Store) GetJob(name string) (*types.JobRecord, error) {
	j, err := scanJob(s.db.conn.QueryRow(
		`SELECT `+jobColumns+` FROM schedulers WHERE name = ?`, name))
	if types.IsNotFound(err) {
		return nil, types.NotFound("job", name)
	}
	return j, err
}

// ListJobs returns all scheduler rows.
func (s *Store) ListJobs() ([]*types.JobRecord, error) {
	rows, err := s.db.conn.Query(`SELECT ` + jobColumns + ` FROM schedulers ORDER BY name`)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var jobs []*types.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, Wrap(rows.Err())
}
