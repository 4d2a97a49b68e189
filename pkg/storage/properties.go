package storage

import (
	"database/sql"
	"errors"
)

// The property bag is a per-user-service keyed string store (ip,
// comms_url, logins_counter, usage markers). Counter-style keys go
// through CompareAndSwapProperty so concurrent writers cannot lose
// increments.

// GetProperty returns the value of a key and whether it exists.
func (s *Store) GetProperty(userServiceID int64, key string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRow(`
		SELECT value FROM user_service_properties WHERE user_service_id = ? AND key = ?`,
		userServiceID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Wrap(err)
	}
	return value, true, nil
}

// SetProperty unconditionally upserts a key.
func (s *Store) SetProperty(userServiceID int64, key, value string) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO user_service_properties (user_service_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_service_id, key) DO UPDATE SET value = excluded.value`,
		userServiceID, key, value)
	return Wrap(err)
}

// DeleteProperty removes a key; deleting a missing key is not an error.
func (s *Store) DeleteProperty(userServiceID int64, key string) error {
	_, err := s.db.conn.Exec(`
		DELETE FROM user_service_properties WHERE user_service_id = ? AND key = ?`,
		userServiceID, key)
	return Wrap(err)
}

// CompareAndSwapProperty sets key to newValue only if the current value
// is oldValue; an empty oldValue means "only if the key is absent".
// Returns whether the swap happened.
func (s *Store) CompareAndSwapProperty(userServiceID int64, key, oldValue, newValue string) (bool, error) {
	var swapped bool
	err := s.db.Atomic(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`
			SELECT value FROM user_service_properties WHERE user_service_id = ? AND key = ?`,
			userServiceID, key).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if oldValue != "" {
				return nil
			}
			_, err = tx.Exec(`
				INSERT INTO user_service_properties (user_service_id, key, value) VALUES (?, ?, ?)`,
				userServiceID, key, newValue)
			if err != nil {
				return err
			}
			swapped = true
			return nil
		case err != nil:
			return err
		}
		if current != oldValue {
			return nil
		}
		_, err = tx.Exec(`
			UPDATE user_service_properties SET value = ? WHERE user_service_id = ? AND key = ?`,
			newValue, userServiceID, key)
		if err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Properties returns the whole bag of a user service.
func (s *Store) Properties(userServiceID int64) (map[string]string, error) {
	rows, err := s.db.conn.Query(`
		SELECT key, value FROM user_service_properties WHERE user_service_id = ?`, userServiceID)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, Wrap(err)
		}
		props[k] = v
	}
	return props, Wrap(rows.Err())
}
