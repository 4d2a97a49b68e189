package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir() + "/engine.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testPool(t *testing.T, s *Store) *types.ServicePool {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)

	prov := &types.Provider{UUID: uuid.NewString(), Name: "prov", TypeName: "fake", CreatedAt: now}
	require.NoError(t, s.CreateProvider(prov))

	svc := &types.Service{
		UUID: uuid.NewString(), ProviderID: prov.ID, Name: "svc", TypeName: "fake",
		CountType: types.CountTypeAbsolute, UsesCache: true, CreatedAt: now,
	}
	require.NoError(t, s.CreateService(svc))

	pool := &types.ServicePool{
		UUID: uuid.NewString(), ServiceID: svc.ID, Name: "pool",
		State: types.PoolStateActive, CacheL1Srvs: 2, MaxSrvs: 10,
		CurrentPubRevision: 1, FallbackAccess: types.AccessAllow, CreatedAt: now,
	}
	require.NoError(t, s.CreatePool(pool))
	return pool
}

func addUserService(t *testing.T, s *Store, poolID int64, state types.State, level int, userID string, stateDate time.Time) *types.UserService {
	t.Helper()
	u := &types.UserService{
		UUID: uuid.NewString(), PoolID: poolID, PublicationRevision: 1,
		State: state, OSState: types.StateUsable, CacheLevel: level, UserID: userID,
		CreationDate: stateDate, StateDate: stateDate,
	}
	require.NoError(t, s.CreateUserService(u))
	return u
}

func TestPoolRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)

	got, err := s.GetPool(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.UUID, got.UUID)
	assert.Equal(t, types.PoolStateActive, got.State)
	assert.Equal(t, 2, got.CacheL1Srvs)
	assert.Equal(t, types.AccessAllow, got.FallbackAccess)

	got.State = types.PoolStateRemovable
	got.AssignedGroups = []string{"staff"}
	require.NoError(t, s.UpdatePool(got))

	got, err = s.GetPool(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PoolStateRemovable, got.State)
	assert.Equal(t, []string{"staff"}, got.AssignedGroups)

	active, err := s.ListActivePools()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGetPoolNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPool(12345)
	assert.True(t, types.IsNotFound(err))
}

func TestCountPoolExcludesDraining(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelAssigned, "alice", now)
	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StatePreparing, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL2, "", now)
	// draining and dead rows must not count
	addUserService(t, s, pool.ID, types.StateRemovable, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StateRemoved, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StateError, types.CacheLevelAssigned, "", now)

	counts, err := s.CountPool(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, PoolCounts{Assigned: 1, L1: 2, L2: 1}, counts)
}

func TestClaimCachedForUser(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	oldest := addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now.Add(-time.Hour))
	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)

	claimed, err := s.ClaimCachedForUser(pool.ID, "alice", false, now)
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, claimed.ID, "claim takes the longest-cached service")
	assert.Equal(t, "alice", claimed.UserID)
	assert.Equal(t, types.CacheLevelAssigned, claimed.CacheLevel)

	second, err := s.ClaimCachedForUser(pool.ID, "bob", false, now)
	require.NoError(t, err)
	assert.NotEqual(t, claimed.ID, second.ID, "two claims never share a machine")

	_, err = s.ClaimCachedForUser(pool.ID, "carol", false, now)
	assert.True(t, types.IsNotFound(err), "cache exhausted")
}

func TestClaimCachedRequiresOSReady(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	u := addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)
	u.OSState = types.StatePreparing
	require.NoError(t, s.UpdateUserService(u))

	_, err := s.ClaimCachedForUser(pool.ID, "alice", true, now)
	assert.True(t, types.IsNotFound(err))

	claimed, err := s.ClaimCachedForUser(pool.ID, "alice", false, now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claimed.ID)
}

func TestFindAssignedToUser(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelAssigned, "alice", now)

	got, err := s.FindAssignedToUser(pool.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = s.FindAssignedToUser(pool.ID, "bob")
	assert.True(t, types.IsNotFound(err))
}

func TestPublicationActiveAndRevision(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	rev, err := s.NextPublicationRevision(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	p := &types.Publication{UUID: uuid.NewString(), PoolID: pool.ID, Revision: rev,
		State: types.StatePreparing, StateDate: now}
	require.NoError(t, s.CreatePublication(p))

	mid, err := s.HasPreparingPublication(pool.ID)
	require.NoError(t, err)
	assert.True(t, mid)

	_, err = s.ActivePublication(pool.ID)
	assert.True(t, types.IsNotFound(err))

	p.State = types.StateUsable
	require.NoError(t, s.UpdatePublication(p))

	active, err := s.ActivePublication(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, rev, active.Revision)
}

func TestPropertyCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)
	u := addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelAssigned, "alice", now)

	// insert-if-absent
	swapped, err := s.CompareAndSwapProperty(u.ID, types.PropLoginsCounter, "", "1")
	require.NoError(t, err)
	assert.True(t, swapped)

	// stale swap loses
	swapped, err = s.CompareAndSwapProperty(u.ID, types.PropLoginsCounter, "0", "2")
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CompareAndSwapProperty(u.ID, types.PropLoginsCounter, "1", "2")
	require.NoError(t, err)
	assert.True(t, swapped)

	value, ok, err := s.GetProperty(u.ID, types.PropLoginsCounter)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}

func TestJobClaimRelease(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.EnsureJob("cache-updater", 10, now))

	// not due yet
	_, err := s.ClaimJob("host-a", now)
	assert.True(t, types.IsNotFound(err))

	later := now.Add(11 * time.Second)
	claimed, err := s.ClaimJob("host-a", later)
	require.NoError(t, err)
	assert.Equal(t, "cache-updater", claimed.Name)
	assert.Equal(t, types.JobStateRunning, claimed.State)

	// second host cannot claim a running job
	_, err = s.ClaimJob("host-b", later)
	assert.True(t, types.IsNotFound(err))

	require.NoError(t, s.ReleaseJob("cache-updater", later))
	j, err := s.GetJob("cache-updater")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateForExecute, j.State)
	assert.Equal(t, later.Add(10*time.Second), j.NextExecution)
}

func TestRecoverStuckJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.EnsureJob("state-checker", 5, now.Add(-time.Hour)))
	_, err := s.ClaimJob("dead-host", now.Add(-30*time.Minute))
	require.NoError(t, err)

	released, err := s.RecoverStuckJobs(10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"state-checker"}, released)

	j, err := s.GetJob("state-checker")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateForExecute, j.State)
	assert.Empty(t, j.OwnerServer)
}

func TestReleaseOwnedJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.EnsureJob("sweeper", 5, now.Add(-time.Minute)))
	_, err := s.ClaimJob("host-a", now)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseOwnedJobs("host-a", now))
	j, err := s.GetJob("sweeper")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateForExecute, j.State)
}

func TestUsageIdempotence(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	acc := &types.Account{UUID: uuid.NewString(), Name: "acct", CreatedAt: now}
	require.NoError(t, s.CreateAccount(acc))

	serviceUUID := uuid.NewString()
	require.NoError(t, s.OpenUsage(acc.ID, serviceUUID, "pool", "alice", now))
	require.NoError(t, s.OpenUsage(acc.ID, serviceUUID, "pool", "alice", now.Add(time.Minute)))

	usages, err := s.ListUsage(acc.ID)
	require.NoError(t, err)
	require.Len(t, usages, 1, "replayed open must not double-bill")
	assert.True(t, usages[0].Running)

	require.NoError(t, s.CloseUsage(serviceUUID, now.Add(time.Hour)))
	require.NoError(t, s.CloseUsage(serviceUUID, now.Add(2*time.Hour)))

	usages, err = s.ListUsage(acc.ID)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.False(t, usages[0].Running)
	assert.Equal(t, now.Add(time.Hour), usages[0].End, "second close is a no-op")
}

func TestCalendarRulesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)

	rules := []*types.CalendarRule{
		{Priority: 1, Action: types.AccessAllow, Days: []time.Weekday{time.Monday, time.Friday},
			StartMinute: 9 * 60, DurationMinutes: 8 * 60},
		{Priority: 2, Action: types.AccessDeny},
	}
	require.NoError(t, s.ReplaceCalendarRules(pool.ID, rules))

	got, err := s.CalendarRules(pool.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.AccessAllow, got[0].Action)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, got[0].Days)
	assert.Nil(t, got[1].Days)

	require.NoError(t, s.ReplaceCalendarRules(pool.ID, nil))
	got, err = s.CalendarRules(pool.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConfigEnsureKeepsOverride(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnsureConfigValue("core", "cacheCheckDelay", "19", "int", false))
	require.NoError(t, s.SetConfigValue("core", "cacheCheckDelay", "30", "int", false))
	require.NoError(t, s.EnsureConfigValue("core", "cacheCheckDelay", "19", "int", false))

	value, ok, err := s.GetConfigValue("core", "cacheCheckDelay")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "30", value, "defaults never clobber operator overrides")
}

func TestServerRegistry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	srv := &types.Server{Token: "tok-1", Hostname: "vm-1", IP: "10.0.0.5", Type: "actor", CreatedAt: now}
	require.NoError(t, s.UpsertServer(srv))

	// re-registration replaces the row
	srv.IP = "10.0.0.6"
	require.NoError(t, s.UpsertServer(srv))

	got, err := s.GetServerByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", got.IP)

	_, err = s.GetServerByToken("missing")
	assert.True(t, types.IsNotFound(err))
}

func TestEntityLookupsAndCascade(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	poolRow, err := s.GetPool(pool.ID)
	require.NoError(t, err)
	svc, err := s.GetService(poolRow.ServiceID)
	require.NoError(t, err)
	prov, err := s.GetProviderByUUID(mustProvider(t, s, svc.ProviderID).UUID)
	require.NoError(t, err)
	assert.Equal(t, svc.ProviderID, prov.ID)

	byUUID, err := s.GetServiceByUUID(svc.UUID)
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byUUID.ID)

	svc.Token = "svc-token-1"
	require.NoError(t, s.UpdateService(svc))
	byToken, err := s.GetServiceByToken("svc-token-1")
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byToken.ID)

	pools, err := s.ListPools()
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)

	// deleting the provider cascades through services, pools and rows
	require.NoError(t, s.DeleteProvider(prov.ID))
	_, err = s.GetPool(pool.ID)
	assert.True(t, types.IsNotFound(err))
	pools, err = s.ListPools()
	require.NoError(t, err)
	assert.Empty(t, pools)
}

func mustProvider(t *testing.T, s *Store, id int64) *types.Provider {
	t.Helper()
	prov, err := s.GetProvider(id)
	require.NoError(t, err)
	return prov
}

func TestDeletePoolRemovesOnlyItsRows(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	other := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)
	kept := addUserService(t, s, other.ID, types.StateUsable, types.CacheLevelL1, "", now)

	require.NoError(t, s.DeletePool(pool.ID))
	_, err := s.GetUserService(kept.ID)
	require.NoError(t, err)

	rows, err := s.ListUserServicesByPool(pool.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPublicationListAndDelete(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	for rev := 2; rev <= 4; rev++ {
		p := &types.Publication{UUID: uuid.NewString(), PoolID: pool.ID, Revision: rev,
			State: types.StateRemovable, StateDate: now}
		require.NoError(t, s.CreatePublication(p))
	}

	pubs, err := s.ListPublicationsByPool(pool.ID)
	require.NoError(t, err)
	require.Len(t, pubs, 3)

	got, err := s.GetPublication(pubs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, pubs[0].Revision, got.Revision)

	require.NoError(t, s.DeletePublication(pubs[0].ID))
	pubs, err = s.ListPublicationsByPool(pool.ID)
	require.NoError(t, err)
	assert.Len(t, pubs, 2)
}

func TestPoolUserServicesInStates(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StatePreparing, types.CacheLevelL1, "", now)
	addUserService(t, s, pool.ID, types.StateRemovable, types.CacheLevelL1, "", now)

	rows, err := s.ListPoolUserServicesInStates(pool.ID,
		[]types.State{types.StateUsable, types.StatePreparing})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPropertiesMap(t *testing.T) {
	s := newTestStore(t)
	pool := testPool(t, s)
	now := time.Now().UTC().Truncate(time.Second)
	u := addUserService(t, s, pool.ID, types.StateUsable, types.CacheLevelAssigned, "alice", now)

	require.NoError(t, s.SetProperty(u.ID, "ip", "10.0.0.9"))
	require.NoError(t, s.SetProperty(u.ID, "comms_url", "https://10.0.0.9:43910"))

	props, err := s.Properties(u.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ip":        "10.0.0.9",
		"comms_url": "https://10.0.0.9:43910",
	}, props)

	require.NoError(t, s.DeleteProperty(u.ID, "ip"))
	props, err = s.Properties(u.ID)
	require.NoError(t, err)
	assert.NotContains(t, props, "ip")
}

func TestConfigSection(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnsureConfigValue("core", "cacheCheckDelay", "19", "int", false))
	require.NoError(t, s.EnsureConfigValue("core", "removalCheck", "31", "int", false))
	require.NoError(t, s.EnsureConfigValue("security", "maxLoginTries", "3", "int", false))

	section, err := s.ConfigSection("core")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cacheCheckDelay": "19", "removalCheck": "31"}, section)
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.EnsureJob("cache-updater", 19, now))
	require.NoError(t, s.EnsureJob("removal-sweeper", 31, now))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	acc := &types.Account{UUID: uuid.NewString(), Name: "finance", CreatedAt: now}
	require.NoError(t, s.CreateAccount(acc))

	got, err := s.GetAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "finance", got.Name)
}

func TestServerListAndDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertServer(&types.Server{Token: "tok-1", Hostname: "vm-1", Type: "actor", CreatedAt: now}))
	require.NoError(t, s.UpsertServer(&types.Server{Token: "tok-2", Hostname: "vm-2", Type: "actor", CreatedAt: now}))

	servers, err := s.ListServers()
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	require.NoError(t, s.DeleteServer("tok-1"))
	_, err = s.GetServerByToken("tok-1")
	assert.True(t, types.IsNotFound(err))
}

func TestDatabaseClock(t *testing.T) {
	s := newTestStore(t)
	dbNow, err := s.Now()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), dbNow, 5*time.Second)
}
