package storage

import (
	"database/sql"
	"errors"

	"github.com/openuds/engine/pkg/types"
)

// Agent registry. Actors running inside deployed machines authenticate
// with the token minted at registration time.

const serverColumns = `id, token, hostname, ip, port, mac, type, subtype, os_type, version, certificate, data, created_at`

func scanServer(row rowScanner) (*types.Server, error) {
	var srv types.Server
	var created int64
	err := row.Scan(&srv.ID, &srv.Token, &srv.Hostname, &srv.IP, &srv.Port, &srv.MAC,
		&srv.Type, &srv.Subtype, &srv.OSType, &srv.Version, &srv.Certificate, &srv.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("server", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	srv.CreatedAt = fromEpoch(created)
	return &srv, nil
}

// UpsertServer registers an agent, replacing any previous registration
// with the same token (agents re-register on every boot).
func (s *Store) UpsertServer(srv *types.Server) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO servers (token, hostname, ip, port, mac, type, subtype, os_type, version, certificate, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			hostname = excluded.hostname, ip = excluded.ip, port = excluded.port,
			mac = excluded.mac, type = excluded.type, subtype = excluded.subtype,
			os_type = excluded.os_type, version = excluded.version,
			certificate = excluded.certificate, data = excluded.data`,
		srv.Token, srv.Hostname, srv.IP, srv.Port, srv.MAC, srv.Type, srv.Subtype,
		srv.OSType, srv.Version, srv.Certificate, srv.Data, toEpoch(srv.CreatedAt))
	if err != nil {
		return Wrap(err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		srv.ID = id
	}
	return nil
}

func (s *Store) GetServerByToken(token string) (*types.Server, error) {
	srv, err := scanServer(s.db.conn.QueryRow(
		`SELECT `+serverColumns+` FROM servers WHERE token = ?`, token))
	if types.IsNotFound(err) {
		return nil, types.NotFound("server", token)
	}
	return srv, err
}

func (s *Store) DeleteServer(token string) error {
	_, err := s.db.conn.Exec(`DELETE FROM servers WHERE token = ?`, token)
	return Wrap(err)
}

func (s *Store) ListServers() ([]*types.Server, error) {
	rows, err := s.db.conn.Query(`SELECT ` + serverColumns + ` FROM servers ORDER BY hostname`)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var servers []*types.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, Wrap(rows.Err())
}
