package cache

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/events"
	"github.com/openuds/engine/pkg/lifecycle"
	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

// Updater is the per-pool reconciliation job. Each tick it walks the
// active pools and performs at most one grow or shrink action per pool,
// so a misconfigured pool can never monopolize a tick.
type Updater struct {
	store  *storage.Store
	cfg    *config.Registry
	ctrl   *lifecycle.Controller
	broker *events.Broker

	// BuildDriver is provider.Build unless a test injects a fake.
	BuildDriver func(prov *types.Provider) (provider.Driver, error)
}

func NewUpdater(store *storage.Store, cfg *config.Registry, ctrl *lifecycle.Controller, broker *events.Broker) *Updater {
	return &Updater{
		store:       store,
		cfg:         cfg,
		ctrl:        ctrl,
		broker:      broker,
		BuildDriver: provider.Build,
	}
}

func (u *Updater) Name() string   { return "cache-updater" }
func (u *Updater) Frequency() int { return config.CacheCheckDelay.Int(u.cfg) }

func (u *Updater) Run() error {
	pools, err := u.store.ListActivePools()
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if err := u.processPool(pool); err != nil {
			log.WithPool(pool.Name).Error().Err(err).Msg("Cache reconciliation failed")
		}
	}
	u.reportCensus()
	return nil
}

// processPool evaluates the reconciliation policy for one pool. The
// ordering matters: shrink decisions come before the growth gate so an
// over-provisioned pool drains even when the provider cannot grow.
func (u *Updater) processPool(pool *types.ServicePool) error {
	svc, prov, err := u.store.PoolService(pool)
	if err != nil {
		return err
	}
	if !svc.UsesCache {
		return nil
	}
	restrained, err := u.isRestrained(pool)
	if err != nil {
		return err
	}
	if restrained {
		return nil
	}
	if svc.PublicationRequired {
		if _, err := u.store.ActivePublication(pool.ID); err != nil {
			if types.IsNotFound(err) {
				log.WithPool(pool.Name).Debug().Msg("No usable publication, skipping")
				return nil
			}
			return err
		}
	}
	preparing, err := u.store.HasPreparingPublication(pool.ID)
	if err != nil {
		return err
	}
	if preparing {
		log.WithPool(pool.Name).Debug().Msg("Publication in progress, skipping")
		return nil
	}

	drv, err := u.BuildDriver(prov)
	if err != nil {
		return err
	}
	counts, err := u.store.CountPool(pool.ID)
	if err != nil {
		return err
	}
	total := counts.L1 + counts.Assigned
	l2Target := 0
	if svc.UsesCacheL2 {
		l2Target = pool.CacheL2Srvs
	}

	switch {
	case pool.MaxSrvs > 0 && total > pool.MaxSrvs:
		return u.reduceL1(pool, prov, drv, counts, l2Target)
	case total > pool.InitialSrvs && counts.L1 > pool.CacheL1Srvs:
		return u.reduceL1(pool, prov, drv, counts, l2Target)
	case counts.L2 > l2Target:
		return u.reduceL2(pool, prov, drv)
	}

	grow, err := u.ctrl.CanGrow(prov, drv)
	if err != nil {
		return err
	}
	if !grow {
		log.WithPool(pool.Name).Debug().Msg("Growth gate closed, skipping")
		return nil
	}

	switch {
	case counts.L2 < l2Target:
		return u.growL2(pool)
	case pool.MaxSrvs > 0 && total == pool.MaxSrvs:
		return nil
	case total < pool.InitialSrvs || counts.L1 < pool.CacheL1Srvs:
		return u.growL1(pool, svc)
	}
	return nil
}

// isRestrained checks the error window: a pool that errored too often
// recently is left alone so a broken template cannot burn through the
// provider. RESTRAINT_TIME of zero disables the check entirely.
func (u *Updater) isRestrained(pool *types.ServicePool) (bool, error) {
	window := config.RestraintTime.Int(u.cfg)
	if window <= 0 {
		return false, nil
	}
	now, err := u.store.Now()
	if err != nil {
		return false, err
	}
	errors, err := u.store.CountPoolErrorsSince(pool.ID, now.Add(-time.Duration(window)*time.Second))
	if err != nil {
		return false, err
	}
	if errors < config.RestraintCount.Int(u.cfg) {
		return false, nil
	}
	metrics.PoolsRestrained.Inc()
	if u.broker != nil {
		u.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventPoolRestrained,
			Message: "pool restrained after repeated errors",
			Metadata: map[string]string{
				"pool":   pool.Name,
				"errors": strconv.Itoa(errors),
			},
		})
	}
	log.WithPool(pool.Name).Warn().Int("errors", errors).Msg("Pool restrained, skipping")
	return true, nil
}

// canRemove gates shrink actions on the removal concurrency limits, the
// same way the controller's growth gate covers creations.
func (u *Updater) canRemove(providerID int64, drv provider.Driver) (bool, error) {
	if !config.IgnoreLimits.Bool(u.cfg) {
		removing, err := u.store.CountInState(types.StateRemovable)
		if err != nil {
			return false, err
		}
		if removing >= config.MaxRemovingServices.Int(u.cfg) {
			return false, nil
		}
	}
	providerRemoving, err := u.store.CountProviderInState(providerID, types.StateRemovable)
	if err != nil {
		return false, err
	}
	if limit := drv.ConcurrentRemovalLimit(); limit > 0 && providerRemoving >= limit {
		return false, nil
	}
	return true, nil
}

// reduceL1 shrinks the L1 cache by one. An under-target L2 absorbs the
// oldest usable L1 instead of destroying it; otherwise the newest L1 is
// released to the removal sweeper.
func (u *Updater) reduceL1(pool *types.ServicePool, prov *types.Provider, drv provider.Driver, counts storage.PoolCounts, l2Target int) error {
	if l2Target > 0 && counts.L2 < l2Target {
		victim, err := u.store.OldestCached(pool.ID, types.CacheLevelL1, true, false)
		if err == nil {
			return u.moveToLevel(pool, victim, types.CacheLevelL2, "demote")
		}
		if !types.IsNotFound(err) {
			return err
		}
		// no usable L1 to demote yet, fall through to destruction
	}

	ok, err := u.canRemove(prov.ID, drv)
	if err != nil || !ok {
		return err
	}
	// rows already fated by destroy_after go on their own; pick the
	// newest of the rest
	victim, err := u.store.NewestCached(pool.ID, types.CacheLevelL1, types.PropDestroyAfter)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}
	metrics.CacheActions.WithLabelValues("reduce_l1").Inc()
	log.WithPool(pool.Name).Info().Str("userservice", victim.UUID).Msg("Reducing L1 cache")
	return u.ctrl.Release(victim)
}

func (u *Updater) reduceL2(pool *types.ServicePool, prov *types.Provider, drv provider.Driver) error {
	ok, err := u.canRemove(prov.ID, drv)
	if err != nil || !ok {
		return err
	}
	victim, err := u.store.NewestCached(pool.ID, types.CacheLevelL2, types.PropDestroyAfter)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}
	metrics.CacheActions.WithLabelValues("reduce_l2").Inc()
	log.WithPool(pool.Name).Info().Str("userservice", victim.UUID).Msg("Reducing L2 cache")
	return u.ctrl.Release(victim)
}

// growL1 prefers promoting a ready L2 machine over creating a new one:
// the L2 instance already exists and only changes level, which is free.
func (u *Updater) growL1(pool *types.ServicePool, svc *types.Service) error {
	if svc.UsesCacheL2 {
		promotable, err := u.store.OldestCached(pool.ID, types.CacheLevelL2, true, svc.NeedsOSManager)
		if err == nil {
			return u.moveToLevel(pool, promotable, types.CacheLevelL1, "promote")
		}
		if !types.IsNotFound(err) {
			return err
		}
	}
	metrics.CacheActions.WithLabelValues("grow_l1").Inc()
	log.WithPool(pool.Name).Info().Msg("Growing L1 cache")
	_, err := u.ctrl.CreateForCache(pool, types.CacheLevelL1)
	return err
}

func (u *Updater) growL2(pool *types.ServicePool) error {
	metrics.CacheActions.WithLabelValues("grow_l2").Inc()
	log.WithPool(pool.Name).Info().Msg("Growing L2 cache")
	_, err := u.ctrl.CreateForCache(pool, types.CacheLevelL2)
	return err
}

func (u *Updater) moveToLevel(pool *types.ServicePool, us *types.UserService, level int, action string) error {
	now, err := u.store.Now()
	if err != nil {
		return err
	}
	us.CacheLevel = level
	us.StateDate = now
	if err := u.store.UpdateUserService(us); err != nil {
		return err
	}
	metrics.CacheActions.WithLabelValues(action).Inc()
	log.WithPool(pool.Name).Info().
		Str("userservice", us.UUID).
		Int("level", level).
		Msg("Moved cache level")
	return nil
}

// reportCensus refreshes the state/level gauge from the census query.
func (u *Updater) reportCensus() {
	counts, err := u.store.CountByStateAndLevel()
	if err != nil {
		log.WithComponent("cache").Error().Err(err).Msg("Census query failed")
		return
	}
	metrics.UserServicesTotal.Reset()
	for _, c := range counts {
		metrics.UserServicesTotal.
			WithLabelValues(string(c.State), strconv.Itoa(c.Level)).
			Set(float64(c.Count))
	}
}
