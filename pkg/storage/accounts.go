package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openuds/engine/pkg/types"
)

// Usage accounting. Intervals open on first login and close on removal
// or logout; both sides are idempotent because lifecycle transitions can
// replay after a retryable failure.

func (s *Store) CreateAccount(a *types.Account) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO accounts (uuid, name, created_at) VALUES (?, ?, ?)`,
		a.UUID, a.Name, toEpoch(a.CreatedAt))
	if err != nil {
		return Wrap(err)
	}
	a.ID, err = res.LastInsertId()
	return Wrap(err)
}

func (s *Store) GetAccount(id int64) (*types.Account, error) {
	var a types.Account
	var created int64
	err := s.db.conn.QueryRow(`
		SELECT id, uuid, name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.UUID, &a.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("account", fmt.Sprint(id))
	}
	if err != nil {
		return nil, Wrap(err)
	}
	a.CreatedAt = fromEpoch(created)
	return &a, nil
}

// OpenUsage starts a usage interval for a user service. If the service
// already has a running interval on this account nothing happens, so a
// replayed login does not double-bill.
func (s *Store) OpenUsage(accountID int64, userServiceUUID, poolName, userName string, start time.Time) error {
	return s.db.Atomic(func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM account_usage
			WHERE account_id = ? AND user_service_uuid = ? AND running = 1`,
			accountID, userServiceUUID).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.Exec(`
			INSERT INTO account_usage (account_id, user_service_uuid, pool_name, user_name, start, end, running)
			VALUES (?, ?, ?, ?, ?, 0, 1)`,
			accountID, userServiceUUID, poolName, userName, toEpoch(start))
		return err
	})
}

// CloseUsage ends the running interval of a user service, if one is
// open. Closing with nothing open is a no-op.
func (s *Store) CloseUsage(userServiceUUID string, end time.Time) error {
	_, err := s.db.conn.Exec(`
		UPDATE account_usage SET end = ?, running = 0
		WHERE user_service_uuid = ? AND running = 1`,
		toEpoch(end), userServiceUUID)
	return Wrap(err)
}

// ListUsage returns all intervals of an account, oldest first.
func (s *Store) ListUsage(accountID int64) ([]*types.AccountUsage, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, account_id, user_service_uuid, pool_name, user_name, start, end, running
		FROM account_usage WHERE account_id = ? ORDER BY start`, accountID)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var usages []*types.AccountUsage
	for rows.Next() {
		var u types.AccountUsage
		var start, end, running int64
		if err := rows.Scan(&u.ID, &u.AccountID, &u.UserServiceUUID, &u.PoolName,
			&u.UserName, &start, &end, &running); err != nil {
			return nil, Wrap(err)
		}
		u.Start = fromEpoch(start)
		u.End = fromEpoch(end)
		u.Running = running != 0
		usages = append(usages, &u)
	}
	return usages, Wrap(rows.Err())
}
