package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/openuds/engine/pkg/types"
)

// --- Publications ---

func (s *Store) CreatePublication(p *types.Publication) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO publications (uuid, pool_id, revision, state, state_date, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UUID, p.PoolID, p.Revision, string(p.State), toEpoch(p.StateDate), p.Data)
	if err != nil {
		return Wrap(err)
	}
	p.ID, err = res.LastInsertId()
	return Wrap(err)
}

func scanPublication(row rowScanner) (*types.Publication, error) {
	var p types.Publication
	var state string
	var stateDate int64
	err := row.Scan(&p.ID, &p.UUID, &p.PoolID, &p.Revision, &state, &stateDate, &p.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("publication", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	p.State = types.State(state)
	p.StateDate = fromEpoch(stateDate)
	return &p, nil
}

const publicationColumns = `id, uuid, pool_id, revision, state, state_date, data`

func (s *Store) GetPublication(id int64) (*types.Publication, error) {
	p, err := scanPublication(s.db.conn.QueryRow(
		`SELECT `+publicationColumns+` FROM publications WHERE id = ?`, id))
	if types.IsNotFound(err) {
		return nil, types.NotFound("publication", fmt.Sprint(id))
	}
	return p, err
}

func (s *Store) UpdatePublication(p *types.Publication) error {
	_, err := s.db.conn.Exec(`
		UPDATE publications SET revision = ?, state = ?, state_date = ?, data = ?
		WHERE id = ?`,
		p.Revision, string(p.State), toEpoch(p.StateDate), p.Data, p.ID)
	return Wrap(err)
}

func (s *Store) DeletePublication(id int64) error {
	_, err := s.db.conn.Exec(`DELETE FROM publications WHERE id = ?`, id)
	return Wrap(err)
}

// ActivePublication returns the pool's single USABLE publication, the
// one new deploys are built from. NotFoundError when none is usable.
func (s *Store) ActivePublication(poolID int64) (*types.Publication, error) {
	p, err := scanPublication(s.db.conn.QueryRow(`
		SELECT `+publicationColumns+` FROM publications
		WHERE pool_id = ? AND state = ?
		ORDER BY revision DESC LIMIT 1`,
		poolID, string(types.StateUsable)))
	if types.IsNotFound(err) {
		return nil, types.NotFound("active publication", fmt.Sprintf("pool %d", poolID))
	}
	return p, err
}

// HasPreparingPublication reports whether a publication is mid-flight;
// the cache updater stays out of the pool's way while one is.
func (s *Store) HasPreparingPublication(poolID int64) (bool, error) {
	var n int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM publications WHERE pool_id = ? AND state = ?`,
		poolID, string(types.StatePreparing)).Scan(&n)
	return n > 0, Wrap(err)
}

func (s *Store) ListPublicationsByPool(poolID int64) ([]*types.Publication, error) {
	rows, err := s.db.conn.Query(
		`SELECT `+publicationColumns+` FROM publications WHERE pool_id = ? ORDER BY revision`, poolID)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var pubs []*types.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, Wrap(rows.Err())
}

// NextPublicationRevision allocates the next revision number for a new
// publication. The pool's current_pub_revision is left alone: it only
// moves when the finished publication is activated, so in-flight
// deploys keep building from the active template.
func (s *Store) NextPublicationRevision(poolID int64) (int, error) {
	var revision int
	err := s.db.Atomic(func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRow(
			`SELECT current_pub_revision FROM service_pools WHERE id = ?`, poolID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return types.NotFound("pool", fmt.Sprint(poolID))
			}
			return err
		}
		var highest int
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(revision), 0) FROM publications WHERE pool_id = ?`, poolID).Scan(&highest); err != nil {
			return err
		}
		revision = current
		if highest > revision {
			revision = highest
		}
		revision++
		return nil
	})
	return revision, err
}
