package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openuds/engine/pkg/types"
)

// Store is the persistence layer for all engine entities. Methods run
// their own transactions unless they take a *sql.Tx; claim-style methods
// that need row-lock semantics always go through DB.Atomic.
type Store struct {
	db *DB
}

// NewStore creates a store over an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database for components that run their own
// SQL inside Atomic sections (the unique-ID allocator does).
func (s *Store) DB() *DB {
	return s.db
}

// Now returns the database clock.
func (s *Store) Now() (time.Time, error) {
	return s.db.Now()
}

func toEpoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromEpoch(e int64) time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.Unix(e, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func fromJSON(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// --- Providers ---

func (s *Store) CreateProvider(p *types.Provider) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO providers (uuid, name, type_name, maintenance, max_services, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UUID, p.Name, p.TypeName, boolToInt(p.Maintenance), p.MaxServices, p.Data, toEpoch(p.CreatedAt))
	if err != nil {
		return Wrap(err)
	}
	p.ID, err = res.LastInsertId()
	return Wrap(err)
}

func (s *Store) scanProvider(row *sql.Row) (*types.Provider, error) {
	var p types.Provider
	var maintenance int
	var created int64
	err := row.Scan(&p.ID, &p.UUID, &p.Name, &p.TypeName, &maintenance, &p.MaxServices, &p.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("provider", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	p.Maintenance = maintenance != 0
	p.CreatedAt = fromEpoch(created)
	return &p, nil
}

func (s *Store) GetProvider(id int64) (*types.Provider, error) {
	p, err := s.scanProvider(s.db.conn.QueryRow(`
		SELECT id, uuid, name, type_name, maintenance, max_services, data, created_at
		FROM providers WHERE id = ?`, id))
	if types.IsNotFound(err) {
		return nil, types.NotFound("provider", fmt.Sprint(id))
	}
	return p, err
}

func (s *Store) GetProviderByUUID(uuid string) (*types.Provider, error) {
	p, err := s.scanProvider(s.db.conn.QueryRow(`
		SELECT id, uuid, name, type_name, maintenance, max_services, data, created_at
		FROM providers WHERE uuid = ?`, uuid))
	if types.IsNotFound(err) {
		return nil, types.NotFound("provider", uuid)
	}
	return p, err
}

func (s *Store) UpdateProvider(p *types.Provider) error {
	_, err := s.db.conn.Exec(`
		UPDATE providers SET name = ?, type_name = ?, maintenance = ?, max_services = ?, data = ?
		WHERE id = ?`,
		p.Name, p.TypeName, boolToInt(p.Maintenance), p.MaxServices, p.Data, p.ID)
	return Wrap(err)
}

func (s *Store) DeleteProvider(id int64) error {
	_, err := s.db.conn.Exec(`DELETE FROM providers WHERE id = ?`, id)
	return Wrap(err)
}

// --- Services ---

func (s *Store) CreateService(svc *types.Service) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO services (uuid, provider_id, name, type_name, token, max_services, count_type,
			uses_cache, uses_cache_l2, needs_osmanager, publication_required, must_stop_before_deletion,
			data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.UUID, svc.ProviderID, svc.Name, svc.TypeName, svc.Token, svc.MaxServices, string(svc.CountType),
		boolToInt(svc.UsesCache), boolToInt(svc.UsesCacheL2), boolToInt(svc.NeedsOSManager),
		boolToInt(svc.PublicationRequired), boolToInt(svc.MustStopBeforeDeletion),
		svc.Data, toEpoch(svc.CreatedAt))
	if err != nil {
		return Wrap(err)
	}
	svc.ID, err = res.LastInsertId()
	return Wrap(err)
}

const serviceColumns = `id, uuid, provider_id, name, type_name, token, max_services, count_type,
	uses_cache, uses_cache_l2, needs_osmanager, publication_required, must_stop_before_deletion,
	data, created_at`

func scanService(row *sql.Row) (*types.Service, error) {
	var svc types.Service
	var countType string
	var usesCache, usesCacheL2, needsOSM, pubRequired, mustStop int
	var created int64
	err := row.Scan(&svc.ID, &svc.UUID, &svc.ProviderID, &svc.Name, &svc.TypeName, &svc.Token,
		&svc.MaxServices, &countType, &usesCache, &usesCacheL2, &needsOSM, &pubRequired, &mustStop,
		&svc.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("service", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	svc.CountType = types.CountType(countType)
	svc.UsesCache = usesCache != 0
	svc.UsesCacheL2 = usesCacheL2 != 0
	svc.NeedsOSManager = needsOSM != 0
	svc.PublicationRequired = pubRequired != 0
	svc.MustStopBeforeDeletion = mustStop != 0
	svc.CreatedAt = fromEpoch(created)
	return &svc, nil
}

func (s *Store) GetService(id int64) (*types.Service, error) {
	svc, err := scanService(s.db.conn.QueryRow(
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, id))
	if types.IsNotFound(err) {
		return nil, types.NotFound("service", fmt.Sprint(id))
	}
	return svc, err
}

func (s *Store) GetServiceByUUID(uuid string) (*types.Service, error) {
	svc, err := scanService(s.db.conn.QueryRow(
		`SELECT `+serviceColumns+` FROM services WHERE uuid = ?`, uuid))
	if types.IsNotFound(err) {
		return nil, types.NotFound("service", uuid)
	}
	return svc, err
}

func (s *Store) GetServiceByToken(token string) (*types.Service, error) {
	svc, err := scanService(s.db.conn.QueryRow(
		`SELECT `+serviceColumns+` FROM services WHERE token = ? AND token <> ''`, token))
	if types.IsNotFound(err) {
		return nil, types.NotFound("service", token)
	}
	return svc, err
}

func (s *Store) UpdateService(svc *types.Service) error {
	_, err := s.db.conn.Exec(`
		UPDATE services SET name = ?, token = ?, max_services = ?, count_type = ?,
			uses_cache = ?, uses_cache_l2 = ?, needs_osmanager = ?, publication_required = ?,
			must_stop_before_deletion = ?, data = ?
		WHERE id = ?`,
		svc.Name, svc.Token, svc.MaxServices, string(svc.CountType),
		boolToInt(svc.UsesCache), boolToInt(svc.UsesCacheL2), boolToInt(svc.NeedsOSManager),
		boolToInt(svc.PublicationRequired), boolToInt(svc.MustStopBeforeDeletion), svc.Data, svc.ID)
	return Wrap(err)
}

// --- Service pools ---

func (s *Store) CreatePool(p *types.ServicePool) error {
	res, err := s.db.conn.Exec(`
		INSERT INTO service_pools (uuid, service_id, name, state, initial_srvs, cache_l1_srvs,
			cache_l2_srvs, max_srvs, current_pub_revision, osmanager_type, assigned_groups,
			transports, show_transports, visible, allow_users_remove, allow_users_reset,
			fallback_access, account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UUID, p.ServiceID, p.Name, string(p.State), p.InitialSrvs, p.CacheL1Srvs,
		p.CacheL2Srvs, p.MaxSrvs, p.CurrentPubRevision, p.OSManagerType, mustJSON(p.AssignedGroups),
		mustJSON(p.Transports), boolToInt(p.ShowTransports), boolToInt(p.Visible),
		boolToInt(p.AllowUsersRemove), boolToInt(p.AllowUsersReset),
		string(p.FallbackAccess), p.AccountID, toEpoch(p.CreatedAt))
	if err != nil {
		return Wrap(err)
	}
	p.ID, err = res.LastInsertId()
	return Wrap(err)
}

const poolColumns = `id, uuid, service_id, name, state, initial_srvs, cache_l1_srvs, cache_l2_srvs,
	max_srvs, current_pub_revision, osmanager_type, assigned_groups, transports, show_transports,
	visible, allow_users_remove, allow_users_reset, fallback_access, account_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*types.ServicePool, error) {
	var p types.ServicePool
	var state, groups, transports, fallback string
	var showTransports, visible, allowRemove, allowReset int
	var created int64
	err := row.Scan(&p.ID, &p.UUID, &p.ServiceID, &p.Name, &state, &p.InitialSrvs, &p.CacheL1Srvs,
		&p.CacheL2Srvs, &p.MaxSrvs, &p.CurrentPubRevision, &p.OSManagerType, &groups, &transports,
		&showTransports, &visible, &allowRemove, &allowReset, &fallback, &p.AccountID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("pool", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	p.State = types.PoolState(state)
	p.AssignedGroups = fromJSON(groups)
	p.Transports = fromJSON(transports)
	p.ShowTransports = showTransports != 0
	p.Visible = visible != 0
	p.AllowUsersRemove = allowRemove != 0
	p.AllowUsersReset = allowReset != 0
	p.FallbackAccess = types.AccessPolicy(fallback)
	p.CreatedAt = fromEpoch(created)
	return &p, nil
}

func (s *Store) GetPool(id int64) (*types.ServicePool, error) {
	p, err := scanPool(s.db.conn.QueryRow(
		`SELECT `+poolColumns+` FROM service_pools WHERE id = ?`, id))
	if types.IsNotFound(err) {
		return nil, types.NotFound("pool", fmt.Sprint(id))
	}
	return p, err
}

func (s *Store) GetPoolByUUID(uuid string) (*types.ServicePool, error) {
	p, err := scanPool(s.db.conn.QueryRow(
		`SELECT `+poolColumns+` FROM service_pools WHERE uuid = ?`, uuid))
	if types.IsNotFound(err) {
		return nil, types.NotFound("pool", uuid)
	}
	return p, err
}

func (s *Store) listPools(query string, args ...any) ([]*types.ServicePool, error) {
	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var pools []*types.ServicePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, Wrap(rows.Err())
}

func (s *Store) ListPools() ([]*types.ServicePool, error) {
	return s.listPools(`SELECT ` + poolColumns + ` FROM service_pools ORDER BY id`)
}

// ListActivePools returns the pools the cache updater walks each tick.
func (s *Store) ListActivePools() ([]*types.ServicePool, error) {
	return s.listPools(`SELECT `+poolColumns+` FROM service_pools WHERE state = ? ORDER BY id`,
		string(types.PoolStateActive))
}

func (s *Store) UpdatePool(p *types.ServicePool) error {
	_, err := s.db.conn.Exec(`
		UPDATE service_pools SET name = ?, state = ?, initial_srvs = ?, cache_l1_srvs = ?,
			cache_l2_srvs = ?, max_srvs = ?, current_pub_revision = ?, osmanager_type = ?,
			assigned_groups = ?, transports = ?, show_transports = ?, visible = ?,
			allow_users_remove = ?, allow_users_reset = ?, fallback_access = ?, account_id = ?
		WHERE id = ?`,
		p.Name, string(p.State), p.InitialSrvs, p.CacheL1Srvs, p.CacheL2Srvs, p.MaxSrvs,
		p.CurrentPubRevision, p.OSManagerType, mustJSON(p.AssignedGroups), mustJSON(p.Transports),
		boolToInt(p.ShowTransports), boolToInt(p.Visible), boolToInt(p.AllowUsersRemove),
		boolToInt(p.AllowUsersReset), string(p.FallbackAccess), p.AccountID, p.ID)
	return Wrap(err)
}

// DeletePool removes the pool and, by cascade, its publications, user
// services, properties and calendar rules.
func (s *Store) DeletePool(id int64) error {
	_, err := s.db.conn.Exec(`DELETE FROM service_pools WHERE id = ?`, id)
	return Wrap(err)
}

// PoolService resolves the pool's service and provider in one call;
// nearly every policy decision needs all three rows.
func (s *Store) PoolService(pool *types.ServicePool) (*types.Service, *types.Provider, error) {
	svc, err := s.GetService(pool.ServiceID)
	if err != nil {
		return nil, nil, err
	}
	prov, err := s.GetProvider(svc.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return svc, prov, nil
}
