package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/lifecycle"
	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/provider/providertest"
	"github.com/openuds/engine/pkg/security"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

type fixture struct {
	updater *Updater
	checker *lifecycle.StateChecker
	store   *storage.Store
	cfg     *config.Registry
	fake    *providertest.Fake
	prov    *types.Provider
	svc     *types.Service
	pool    *types.ServicePool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/engine.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	crypter, err := security.NewCrypterFromSecret("test")
	require.NoError(t, err)
	cfg, err := config.NewRegistry(store, crypter)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	prov := &types.Provider{UUID: uuid.NewString(), Name: "prov", TypeName: "fake", CreatedAt: now}
	require.NoError(t, store.CreateProvider(prov))
	svc := &types.Service{
		UUID: uuid.NewString(), ProviderID: prov.ID, Name: "svc", TypeName: "fake",
		CountType: types.CountTypeAbsolute, UsesCache: true, UsesCacheL2: true, CreatedAt: now,
	}
	require.NoError(t, store.CreateService(svc))
	pool := &types.ServicePool{
		UUID: uuid.NewString(), ServiceID: svc.ID, Name: "pool", State: types.PoolStateActive,
		InitialSrvs: 0, CacheL1Srvs: 2, CacheL2Srvs: 1, MaxSrvs: 5, CurrentPubRevision: 1,
		FallbackAccess: types.AccessAllow, CreatedAt: now,
	}
	require.NoError(t, store.CreatePool(pool))

	fake := providertest.NewFake()
	buildFake := func(*types.Provider) (provider.Driver, error) { return fake, nil }
	ctrl := lifecycle.NewController(store, cfg, nil, nil)
	ctrl.BuildDriver = buildFake
	updater := NewUpdater(store, cfg, ctrl, nil)
	updater.BuildDriver = buildFake

	return &fixture{
		updater: updater,
		checker: lifecycle.NewStateChecker(ctrl),
		store:   store,
		cfg:     cfg,
		fake:    fake,
		prov:    prov,
		svc:     svc,
		pool:    pool,
	}
}

// settle alternates reconciliation ticks with state-checker passes, the
// way the scheduler interleaves them in production.
func (f *fixture) settle(t *testing.T, ticks int) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		require.NoError(t, f.updater.Run())
		require.NoError(t, f.checker.Run())
	}
}

func (f *fixture) counts(t *testing.T) storage.PoolCounts {
	t.Helper()
	counts, err := f.store.CountPool(f.pool.ID)
	require.NoError(t, err)
	return counts
}

func TestColdStartConverges(t *testing.T) {
	f := newFixture(t)

	f.settle(t, 10)

	counts := f.counts(t)
	assert.Equal(t, 0, counts.Assigned)
	assert.Equal(t, 2, counts.L1)
	assert.Equal(t, 1, counts.L2)

	errored, err := f.store.CountInState(types.StateError)
	require.NoError(t, err)
	assert.Zero(t, errored)
	assert.Len(t, f.fake.Machines(), 3)
}

func TestOneActionPerPoolPerTick(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.updater.Run())

	counts := f.counts(t)
	assert.Equal(t, 1, counts.Assigned+counts.L1+counts.L2)
}

func TestClaimedServiceIsReplaced(t *testing.T) {
	f := newFixture(t)
	f.settle(t, 10)

	now, err := f.store.Now()
	require.NoError(t, err)
	claimed, err := f.store.ClaimCachedForUser(f.pool.ID, "alice", false, now)
	require.NoError(t, err)
	assert.Equal(t, "alice", claimed.UserID)

	f.settle(t, 5)

	counts := f.counts(t)
	assert.Equal(t, 1, counts.Assigned)
	assert.Equal(t, 2, counts.L1)
	assert.Equal(t, 1, counts.L2)
}

func TestMaintenanceStopsGrowth(t *testing.T) {
	f := newFixture(t)
	f.prov.Maintenance = true
	require.NoError(t, f.store.UpdateProvider(f.prov))

	f.settle(t, 5)
	counts := f.counts(t)
	assert.Zero(t, counts.L1+counts.L2, "no creations during maintenance")

	f.prov.Maintenance = false
	require.NoError(t, f.store.UpdateProvider(f.prov))

	f.settle(t, 10)
	counts = f.counts(t)
	assert.Equal(t, 2, counts.L1)
	assert.Equal(t, 1, counts.L2)
}

func TestUnavailablePlatformStopsGrowth(t *testing.T) {
	f := newFixture(t)
	f.fake.SetAvailable(false)

	f.settle(t, 5)
	counts := f.counts(t)
	assert.Zero(t, counts.L1+counts.L2)
}

func TestShrinkAfterTargetLowered(t *testing.T) {
	f := newFixture(t)
	f.svc.UsesCacheL2 = false
	require.NoError(t, f.store.UpdateService(f.svc))
	f.pool.CacheL2Srvs = 0
	require.NoError(t, f.store.UpdatePool(f.pool))

	f.settle(t, 10)
	require.Equal(t, 2, f.counts(t).L1)

	f.pool.CacheL1Srvs = 0
	require.NoError(t, f.store.UpdatePool(f.pool))

	f.settle(t, 5)
	counts := f.counts(t)
	assert.Zero(t, counts.L1)

	removable, err := f.store.CountInState(types.StateRemovable)
	require.NoError(t, err)
	assert.Equal(t, 2, removable)
}

func TestDemoteBeforeDestroy(t *testing.T) {
	f := newFixture(t)
	f.settle(t, 10)
	require.Equal(t, 1, f.counts(t).L2)

	// drop the L2 machine so the next L1 reduction has a hole to fill
	_, err := f.store.Now()
	require.NoError(t, err)
	l2, err := f.store.OldestCached(f.pool.ID, types.CacheLevelL2, false, false)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteUserService(l2.ID))

	f.pool.CacheL1Srvs = 1
	require.NoError(t, f.store.UpdatePool(f.pool))
	require.NoError(t, f.updater.Run())

	counts := f.counts(t)
	assert.Equal(t, 1, counts.L1)
	assert.Equal(t, 1, counts.L2, "over-target L1 was demoted, not destroyed")

	removable, err := f.store.CountInState(types.StateRemovable)
	require.NoError(t, err)
	assert.Zero(t, removable, "no machine was queued for destruction")
}

func TestReductionSkipsFatedVictim(t *testing.T) {
	f := newFixture(t)
	f.svc.UsesCacheL2 = false
	require.NoError(t, f.store.UpdateService(f.svc))
	f.pool.CacheL2Srvs = 0
	require.NoError(t, f.store.UpdatePool(f.pool))
	f.settle(t, 10)
	require.Equal(t, 2, f.counts(t).L1)

	// make one row the clear newest and fate it with destroy_after
	now, err := f.store.Now()
	require.NoError(t, err)
	newest, err := f.store.NewestCached(f.pool.ID, types.CacheLevelL1, "")
	require.NoError(t, err)
	newest.StateDate = now.Add(time.Minute)
	require.NoError(t, f.store.UpdateUserService(newest))
	require.NoError(t, f.store.SetProperty(newest.ID, types.PropDestroyAfter, "1"))

	f.pool.CacheL1Srvs = 1
	require.NoError(t, f.store.UpdatePool(f.pool))
	require.NoError(t, f.updater.Run())

	got, err := f.store.GetUserService(newest.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateUsable, got.State, "fated row is left to its own path")

	removable, err := f.store.CountInState(types.StateRemovable)
	require.NoError(t, err)
	assert.Equal(t, 1, removable, "the next-newest row was released instead")
}

func TestRestrainedPoolIsSkipped(t *testing.T) {
	f := newFixture(t)
	now, err := f.store.Now()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		us := &types.UserService{
			UUID: uuid.NewString(), PoolID: f.pool.ID, State: types.StateError,
			OSState: types.StatePreparing, CacheLevel: types.CacheLevelL1,
			CreationDate: now, StateDate: now,
		}
		require.NoError(t, f.store.CreateUserService(us))
	}

	f.settle(t, 3)

	counts := f.counts(t)
	assert.Zero(t, counts.L1+counts.L2, "restrained pool must not grow")
}

func TestRestraintDisabledByZeroWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, config.RestraintTime.Set(f.cfg, "0"))

	now, err := f.store.Now()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		us := &types.UserService{
			UUID: uuid.NewString(), PoolID: f.pool.ID, State: types.StateError,
			OSState: types.StatePreparing, CacheLevel: types.CacheLevelL1,
			CreationDate: now, StateDate: now,
		}
		require.NoError(t, f.store.CreateUserService(us))
	}

	f.settle(t, 10)

	counts := f.counts(t)
	assert.Equal(t, 2, counts.L1, "zero window disables restraint")
	assert.Equal(t, 1, counts.L2)
}

func TestPublicationGates(t *testing.T) {
	f := newFixture(t)
	f.svc.PublicationRequired = true
	require.NoError(t, f.store.UpdateService(f.svc))

	// no usable publication: nothing happens
	f.settle(t, 3)
	assert.Zero(t, f.counts(t).L1+f.counts(t).L2)

	pub := &types.Publication{
		UUID: uuid.NewString(), PoolID: f.pool.ID, Revision: 1,
		State: types.StateUsable, StateDate: time.Now(),
	}
	require.NoError(t, f.store.CreatePublication(pub))

	// a second publication in progress still holds growth back
	preparing := &types.Publication{
		UUID: uuid.NewString(), PoolID: f.pool.ID, Revision: 2,
		State: types.StatePreparing, StateDate: time.Now(),
	}
	require.NoError(t, f.store.CreatePublication(preparing))
	f.settle(t, 3)
	assert.Zero(t, f.counts(t).L1+f.counts(t).L2)

	preparing.State = types.StateRemoved
	require.NoError(t, f.store.UpdatePublication(preparing))
	f.settle(t, 10)
	counts := f.counts(t)
	assert.Equal(t, 2, counts.L1)
	assert.Equal(t, 1, counts.L2)
}

func TestCreationLimitDefersGrowth(t *testing.T) {
	f := newFixture(t)
	f.fake.SetLimits(1, 10)
	f.fake.SetDeployTicks(1000) // deploys never finish during the test

	require.NoError(t, f.updater.Run())
	require.NoError(t, f.updater.Run())
	require.NoError(t, f.updater.Run())

	preparing, err := f.store.CountInState(types.StatePreparing)
	require.NoError(t, err)
	assert.Equal(t, 1, preparing, "second creation waits for the first")
}
