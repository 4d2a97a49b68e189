package uniqueid

import (
	"database/sql"
	"errors"
	"time"

	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

// ErrNotAvailable is returned when the requested range is exhausted.
var ErrNotAvailable = errors.New("no id available in range")

// allocation retries against concurrent allocators and transient locks
const maxAllocRetries = 8

// dbNow stamps rows with the database clock, the only clock shared by
// every engine host.
const dbNow = `CAST(strftime('%s','now') AS INTEGER)`

// Allocator hands out unique sequence numbers per basename from a
// persisted table shared by every engine host. Allocation runs inside
// a write transaction; a uniqueness collision on insert means another
// host won the same seq and the whole attempt is retried.
type Allocator struct {
	store *storage.Store
	owner string
}

// New creates an allocator claiming ids under owner (usually the
// service uuid the ids belong to).
func New(store *storage.Store, owner string) *Allocator {
	return &Allocator{store: store, owner: owner}
}

// Allocate returns the smallest free seq in [rangeStart, rangeEnd] for
// basename, growing the table when no freed seq exists. ErrNotAvailable
// when the range is exhausted.
func (a *Allocator) Allocate(basename string, rangeStart, rangeEnd int64) (int64, error) {
	db := a.store.DB()
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		var seq int64
		err := db.Atomic(func(tx *sql.Tx) error {
			// reuse the smallest freed seq first
			err := tx.QueryRow(`
				SELECT seq FROM unique_ids
				WHERE basename = ? AND assigned = 0 AND seq BETWEEN ? AND ?
				ORDER BY seq LIMIT 1`,
				basename, rangeStart, rangeEnd).Scan(&seq)
			switch {
			case err == nil:
				_, err = tx.Exec(`
					UPDATE unique_ids SET assigned = 1, owner = ?, stamp = `+dbNow+`
					WHERE basename = ? AND seq = ?`,
					a.owner, basename, seq)
				return err
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			// nothing freed: extend past the highest seq in range
			var maxSeq sql.NullInt64
			err = tx.QueryRow(`
				SELECT MAX(seq) FROM unique_ids WHERE basename = ? AND seq BETWEEN ? AND ?`,
				basename, rangeStart, rangeEnd).Scan(&maxSeq)
			if err != nil {
				return err
			}
			seq = rangeStart
			if maxSeq.Valid {
				seq = maxSeq.Int64 + 1
			}
			if seq > rangeEnd {
				return ErrNotAvailable
			}
			_, err = tx.Exec(`
				INSERT INTO unique_ids (owner, basename, seq, assigned, stamp)
				VALUES (?, ?, ?, 1, `+dbNow+`)`,
				a.owner, basename, seq)
			return err
		})
		switch {
		case err == nil:
			return seq, nil
		case errors.Is(err, ErrNotAvailable):
			return 0, ErrNotAvailable
		case storage.IsUniqueViolation(err) || types.IsRetryable(err):
			// concurrent allocator took our seq; back off and retry
			metrics.AllocatorCollisions.Inc()
			log.WithComponent("uniqueid").Debug().
				Str("basename", basename).
				Int("attempt", attempt+1).
				Msg("Allocation collision, retrying")
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		default:
			return 0, err
		}
	}
	return 0, types.Retryable(errors.New("allocation retries exhausted"))
}

// Free releases a seq and purges the unassigned tail above the highest
// assigned seq, keeping the table compact.
func (a *Allocator) Free(basename string, seq int64) error {
	return a.store.DB().Atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE unique_ids SET assigned = 0, owner = '', stamp = `+dbNow+`
			WHERE basename = ? AND seq = ? AND owner = ?`,
			basename, seq, a.owner)
		if err != nil {
			return err
		}

		var maxAssigned sql.NullInt64
		err = tx.QueryRow(`
			SELECT MAX(seq) FROM unique_ids WHERE basename = ? AND assigned = 1`,
			basename).Scan(&maxAssigned)
		if err != nil {
			return err
		}
		high := int64(-1)
		if maxAssigned.Valid {
			high = maxAssigned.Int64
		}
		_, err = tx.Exec(`
			DELETE FROM unique_ids WHERE basename = ? AND assigned = 0 AND seq > ?`,
			basename, high)
		return err
	})
}

// Transfer hands an assigned seq to another owner.
func (a *Allocator) Transfer(basename string, seq int64, toOwner string) error {
	return a.store.DB().Atomic(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE unique_ids SET owner = ? WHERE basename = ? AND seq = ? AND owner = ? AND assigned = 1`,
			toOwner, basename, seq, a.owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFound("unique id", basename)
		}
		return nil
	})
}

// ReleaseAll frees every seq held by this owner, across basenames.
func (a *Allocator) ReleaseAll() error {
	return a.store.DB().Atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE unique_ids SET assigned = 0, owner = '', stamp = `+dbNow+` WHERE owner = ?`,
			a.owner)
		return err
	})
}

// ReleaseOlderThan frees every seq of this owner stamped strictly
// before the given time.
func (a *Allocator) ReleaseOlderThan(stamp time.Time) error {
	return a.store.DB().Atomic(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE unique_ids SET assigned = 0, owner = '', stamp = `+dbNow+`
			WHERE owner = ? AND stamp < ?`,
			a.owner, stamp.Unix())
		return err
	})
}
