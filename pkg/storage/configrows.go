package storage

import (
	"database/sql"
	"errors"
)

// Config rows back the typed config registry. Values are strings here;
// typing and secret decryption live in pkg/config.

// GetConfigValue returns the stored value of (section, key) and whether
// the row exists.
func (s *Store) GetConfigValue(section, key string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRow(`
		SELECT value FROM config WHERE section = ? AND key = ?`, section, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Wrap(err)
	}
	return value, true, nil
}

// SetConfigValue upserts (section, key).
func (s *Store) SetConfigValue(section, key, value, kind string, secret bool) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO config (section, key, value, kind, secret) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(section, key) DO UPDATE SET value = excluded.value, kind = excluded.kind, secret = excluded.secret`,
		section, key, value, kind, boolToInt(secret))
	return Wrap(err)
}

// EnsureConfigValue inserts a default only when the row is absent, so
// operator overrides survive restarts.
func (s *Store) EnsureConfigValue(section, key, value, kind string, secret bool) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO config (section, key, value, kind, secret) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(section, key) DO NOTHING`,
		section, key, value, kind, boolToInt(secret))
	return Wrap(err)
}

// ConfigSection returns every key of a section.
func (s *Store) ConfigSection(section string) (map[string]string, error) {
	rows, err := s.db.conn.Query(`SELECT key, value FROM config WHERE section = ?`, section)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, Wrap(err)
		}
		values[k] = v
	}
	return values, Wrap(rows.Err())
}
