package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openuds/engine/pkg/types"
)

// aliveStates are the states that occupy capacity for cache accounting:
// services being built, ready services and canceling ones. Removable
// services are already draining and must not count toward targets, or a
// publication swap would starve the replacement cache.
var aliveStates = []types.State{types.StatePreparing, types.StateUsable, types.StateCanceling}

func statePlaceholders(states []types.State) (string, []any) {
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ","), args
}

const userServiceColumns = `id, uuid, pool_id, COALESCE(publication_id, 0), publication_revision,
	unique_id, friendly_name, state, os_state, cache_level, user_id, in_use, in_use_date,
	src_ip, src_hostname, data, error_reason, creation_date, state_date`

func scanUserService(row rowScanner) (*types.UserService, error) {
	var u types.UserService
	var state, osState string
	var inUse int
	var inUseDate, creation, stateDate int64
	err := row.Scan(&u.ID, &u.UUID, &u.PoolID, &u.PublicationID, &u.PublicationRevision,
		&u.UniqueID, &u.FriendlyName, &state, &osState, &u.CacheLevel, &u.UserID, &inUse, &inUseDate,
		&u.SrcIP, &u.SrcHostname, &u.Data, &u.ErrorReason, &creation, &stateDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("userservice", "?")
	}
	if err != nil {
		return nil, Wrap(err)
	}
	u.State = types.State(state)
	u.OSState = types.State(osState)
	u.InUse = inUse != 0
	u.InUseDate = fromEpoch(inUseDate)
	u.CreationDate = fromEpoch(creation)
	u.StateDate = fromEpoch(stateDate)
	return &u, nil
}

func (s *Store) CreateUserService(u *types.UserService) error {
	var pubID any
	if u.PublicationID != 0 {
		pubID = u.PublicationID
	}
	res, err := s.db.conn.Exec(`
		INSERT INTO user_services (uuid, pool_id, publication_id, publication_revision, unique_id,
			friendly_name, state, os_state, cache_level, user_id, in_use, in_use_date, src_ip,
			src_hostname, data, error_reason, creation_date, state_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UUID, u.PoolID, pubID, u.PublicationRevision, u.UniqueID, u.FriendlyName,
		string(u.State), string(u.OSState), u.CacheLevel, u.UserID, boolToInt(u.InUse),
		toEpoch(u.InUseDate), u.SrcIP, u.SrcHostname, u.Data, u.ErrorReason,
		toEpoch(u.CreationDate), toEpoch(u.StateDate))
	if err != nil {
		return Wrap(err)
	}
	u.ID, err = res.LastInsertId()
	return Wrap(err)
}

func (s *Store) GetUserService(id int64) (*types.UserService, error) {
	u, err := scanUserService(s.db.conn.QueryRow(
		`SELECT `+userServiceColumns+` FROM user_services WHERE id = ?`, id))
	if types.IsNotFound(err) {
		return nil, types.NotFound("userservice", fmt.Sprint(id))
	}
	return u, err
}

func (s *Store) GetUserServiceByUUID(uuid string) (*types.UserService, error) {
	u, err := scanUserService(s.db.conn.QueryRow(
		`SELECT `+userServiceColumns+` FROM user_services WHERE uuid = ?`, uuid))
	if types.IsNotFound(err) {
		return nil, types.NotFound("userservice", uuid)
	}
	return u, err
}

func (s *Store) UpdateUserService(u *types.UserService) error {
	var pubID any
	if u.PublicationID != 0 {
		pubID = u.PublicationID
	}
	_, err := s.db.conn.Exec(`
		UPDATE user_services SET publication_id = ?, publication_revision = ?, unique_id = ?,
			friendly_name = ?, state = ?, os_state = ?, cache_level = ?, user_id = ?, in_use = ?,
			in_use_date = ?, src_ip = ?, src_hostname = ?, data = ?, error_reason = ?, state_date = ?
		WHERE id = ?`,
		pubID, u.PublicationRevision, u.UniqueID, u.FriendlyName, string(u.State), string(u.OSState),
		u.CacheLevel, u.UserID, boolToInt(u.InUse), toEpoch(u.InUseDate), u.SrcIP, u.SrcHostname,
		u.Data, u.ErrorReason, toEpoch(u.StateDate), u.ID)
	return Wrap(err)
}

// DeleteUserService physically removes the row; only REMOVED services
// reach this, after the provider has acknowledged destruction.
func (s *Store) DeleteUserService(id int64) error {
	_, err := s.db.conn.Exec(`DELETE FROM user_services WHERE id = ?`, id)
	return Wrap(err)
}

func (s *Store) listUserServices(query string, args ...any) ([]*types.UserService, error) {
	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var services []*types.UserService
	for rows.Next() {
		u, err := scanUserService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, u)
	}
	return services, Wrap(rows.Err())
}

func (s *Store) ListUserServicesByPool(poolID int64) ([]*types.UserService, error) {
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services WHERE pool_id = ? ORDER BY id`, poolID)
}

// ListUserServicesInStates returns up to limit services in any of the
// given states, oldest state transition first. The state-checker job
// walks PREPARING and CANCELING rows with this.
func (s *Store) ListUserServicesInStates(states []types.State, limit int) ([]*types.UserService, error) {
	marks, args := statePlaceholders(states)
	args = append(args, limit)
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services WHERE state IN (`+marks+`)
		 ORDER BY state_date LIMIT ?`, args...)
}

// ListPoolUserServicesInStates is ListUserServicesInStates restricted
// to one pool, without a limit.
func (s *Store) ListPoolUserServicesInStates(poolID int64, states []types.State) ([]*types.UserService, error) {
	marks, args := statePlaceholders(states)
	args = append([]any{poolID}, args...)
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE pool_id = ? AND state IN (`+marks+`) ORDER BY state_date`, args...)
}

// PoolCounts is the cache accounting triple the updater reasons over.
type PoolCounts struct {
	Assigned int // cache_level 0, alive
	L1       int // cache_level 1, alive
	L2       int // cache_level 2, alive
}

// CountPool returns the pool's alive services grouped by cache level.
func (s *Store) CountPool(poolID int64) (PoolCounts, error) {
	marks, args := statePlaceholders(aliveStates)
	args = append([]any{poolID}, args...)
	rows, err := s.db.conn.Query(`
		SELECT cache_level, COUNT(*) FROM user_services
		WHERE pool_id = ? AND state IN (`+marks+`)
		GROUP BY cache_level`, args...)
	if err != nil {
		return PoolCounts{}, Wrap(err)
	}
	defer rows.Close()

	var counts PoolCounts
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return PoolCounts{}, Wrap(err)
		}
		switch level {
		case types.CacheLevelAssigned:
			counts.Assigned = n
		case types.CacheLevelL1:
			counts.L1 = n
		case types.CacheLevelL2:
			counts.L2 = n
		}
	}
	return counts, Wrap(rows.Err())
}

// CountPoolErrorsSince counts services that entered ERROR in the window;
// the restraint check compares it against RESTRAINT_COUNT.
func (s *Store) CountPoolErrorsSince(poolID int64, since time.Time) (int, error) {
	var n int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM user_services
		WHERE pool_id = ? AND state = ? AND state_date >= ?`,
		poolID, string(types.StateError), toEpoch(since)).Scan(&n)
	return n, Wrap(err)
}

// CountInState counts services in the given state across all pools; the
// MAX_PREPARING_SERVICES / MAX_REMOVING_SERVICES gates use it.
func (s *Store) CountInState(state types.State) (int, error) {
	var n int
	err := s.db.conn.QueryRow(
		`SELECT COUNT(*) FROM user_services WHERE state = ?`, string(state)).Scan(&n)
	return n, Wrap(err)
}

// CountProviderInState counts the provider's in-flight services; the
// per-provider concurrency limits are enforced by reading this before
// starting new operations, never by in-memory counters.
func (s *Store) CountProviderInState(providerID int64, state types.State) (int, error) {
	var n int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM user_services u
		JOIN service_pools p ON u.pool_id = p.id
		JOIN services sv ON p.service_id = sv.id
		WHERE sv.provider_id = ? AND u.state = ?`,
		providerID, string(state)).Scan(&n)
	return n, Wrap(err)
}

// FindAssignedToUser returns the user's live service in the pool, if any.
func (s *Store) FindAssignedToUser(poolID int64, userID string) (*types.UserService, error) {
	marks, args := statePlaceholders(aliveStates)
	args = append([]any{poolID, userID}, args...)
	u, err := scanUserService(s.db.conn.QueryRow(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE pool_id = ? AND user_id = ? AND cache_level = 0 AND state IN (`+marks+`)
		 ORDER BY state_date DESC LIMIT 1`, args...))
	if types.IsNotFound(err) {
		return nil, types.NotFound("userservice", fmt.Sprintf("user %s in pool %d", userID, poolID))
	}
	return u, err
}

// ClaimCachedForUser atomically takes one USABLE L1 service for the user:
// the select and the ownership write happen in a single write transaction,
// so two concurrent logins can never claim the same machine.
func (s *Store) ClaimCachedForUser(poolID int64, userID string, requireOSReady bool, now time.Time) (*types.UserService, error) {
	var claimed *types.UserService
	err := s.db.Atomic(func(tx *sql.Tx) error {
		query := `SELECT ` + userServiceColumns + ` FROM user_services
			WHERE pool_id = ? AND cache_level = 1 AND state = ?`
		args := []any{poolID, string(types.StateUsable)}
		if requireOSReady {
			query += ` AND os_state = ?`
			args = append(args, string(types.StateUsable))
		}
		query += ` ORDER BY state_date LIMIT 1`

		u, err := scanUserService(tx.QueryRow(query, args...))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE user_services SET cache_level = 0, user_id = ?, state_date = ? WHERE id = ?`,
			userID, toEpoch(now), u.ID)
		if err != nil {
			return err
		}
		u.CacheLevel = types.CacheLevelAssigned
		u.UserID = userID
		u.StateDate = now
		claimed = u
		return nil
	})
	if types.IsNotFound(err) {
		return nil, types.NotFound("cached userservice", fmt.Sprintf("pool %d", poolID))
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// OldestCached returns the longest-idle service at a cache level,
// optionally restricted to USABLE ones (for promotion and demotion).
func (s *Store) OldestCached(poolID int64, level int, onlyUsable, requireOSReady bool) (*types.UserService, error) {
	query := `SELECT ` + userServiceColumns + ` FROM user_services
		WHERE pool_id = ? AND cache_level = ?`
	args := []any{poolID, level}
	if onlyUsable {
		query += ` AND state = ?`
		args = append(args, string(types.StateUsable))
	} else {
		marks, stArgs := statePlaceholders(aliveStates)
		query += ` AND state IN (` + marks + `)`
		args = append(args, stArgs...)
	}
	if requireOSReady {
		query += ` AND os_state = ?`
		args = append(args, string(types.StateUsable))
	}
	query += ` ORDER BY state_date LIMIT 1`

	u, err := scanUserService(s.db.conn.QueryRow(query, args...))
	if types.IsNotFound(err) {
		return nil, types.NotFound("cached userservice", fmt.Sprintf("pool %d level %d", poolID, level))
	}
	return u, err
}

// NewestCached returns the most recently touched alive service at a
// cache level (the reduction victim). Rows carrying skipProp are passed
// over in favor of the next-newest; an empty skipProp considers all.
func (s *Store) NewestCached(poolID int64, level int, skipProp string) (*types.UserService, error) {
	marks, stArgs := statePlaceholders(aliveStates)
	query := `SELECT ` + userServiceColumns + ` FROM user_services
		 WHERE pool_id = ? AND cache_level = ? AND state IN (` + marks + `)`
	args := append([]any{poolID, level}, stArgs...)
	if skipProp != "" {
		query += ` AND id NOT IN (
			SELECT user_service_id FROM user_service_properties WHERE key = ?)`
		args = append(args, skipProp)
	}
	query += ` ORDER BY state_date DESC LIMIT 1`
	u, err := scanUserService(s.db.conn.QueryRow(query, args...))
	if types.IsNotFound(err) {
		return nil, types.NotFound("cached userservice", fmt.Sprintf("pool %d level %d", poolID, level))
	}
	return u, err
}

// ListCachedNotOnRevision returns cached services built from a stale
// publication; the publication-replace flow marks them removable.
func (s *Store) ListCachedNotOnRevision(poolID int64, revision int) ([]*types.UserService, error) {
	marks, args := statePlaceholders(aliveStates)
	args = append([]any{poolID, revision}, args...)
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE pool_id = ? AND cache_level > 0 AND publication_revision <> ? AND state IN (`+marks+`)`,
		args...)
}

// ListAssignedNotOnRevision returns user-held services on a stale
// publication, split by the caller into idle (mark removable) and
// in-use (tag to_be_replaced).
func (s *Store) ListAssignedNotOnRevision(poolID int64, revision int) ([]*types.UserService, error) {
	marks, args := statePlaceholders(aliveStates)
	args = append([]any{poolID, revision}, args...)
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE pool_id = ? AND cache_level = 0 AND publication_revision <> ? AND state IN (`+marks+`)`,
		args...)
}

// StateLevelCount is one row of the engine-wide census.
type StateLevelCount struct {
	State types.State
	Level int
	Count int
}

// CountByStateAndLevel returns the engine-wide census of user services
// grouped by state and cache level, for gauge reporting.
func (s *Store) CountByStateAndLevel() ([]StateLevelCount, error) {
	rows, err := s.db.conn.Query(`
		SELECT state, cache_level, COUNT(*) FROM user_services
		GROUP BY state, cache_level`)
	if err != nil {
		return nil, Wrap(err)
	}
	defer rows.Close()

	var counts []StateLevelCount
	for rows.Next() {
		var c StateLevelCount
		var state string
		if err := rows.Scan(&state, &c.Level, &c.Count); err != nil {
			return nil, Wrap(err)
		}
		c.State = types.State(state)
		counts = append(counts, c)
	}
	return counts, Wrap(rows.Err())
}

// ListRemovedBefore returns REMOVED services whose last transition is
// older than the cutoff; the cleanup job purges them.
func (s *Store) ListRemovedBefore(cutoff time.Time, limit int) ([]*types.UserService, error) {
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE state = ? AND state_date < ? ORDER BY state_date LIMIT ?`,
		string(types.StateRemoved), toEpoch(cutoff), limit)
}

// ListStuckPreparing returns services preparing (or canceling) since
// before the cutoff; the stuck cleaner cancels or errors them.
func (s *Store) ListStuckPreparing(cutoff time.Time, limit int) ([]*types.UserService, error) {
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE state IN (?, ?) AND state_date < ? ORDER BY state_date LIMIT ?`,
		string(types.StatePreparing), string(types.StateCanceling), toEpoch(cutoff), limit)
}

// ListRemovable returns services ready for the removal sweeper: marked
// removable and not currently in use.
func (s *Store) ListRemovable(limit int) ([]*types.UserService, error) {
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE state = ? AND in_use = 0 ORDER BY state_date LIMIT ?`,
		string(types.StateRemovable), limit)
}

// ListUnused returns assigned, usable, not-in-use services last touched
// before the cutoff, for OS managers that reclaim unused machines.
func (s *Store) ListUnused(cutoff time.Time, limit int) ([]*types.UserService, error) {
	return s.listUserServices(
		`SELECT `+userServiceColumns+` FROM user_services
		 WHERE cache_level = 0 AND state = ? AND in_use = 0 AND state_date < ?
		 ORDER BY state_date LIMIT ?`,
		string(types.StateUsable), toEpoch(cutoff), limit)
}
