package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/events"
	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/osmanager"
	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
	"github.com/openuds/engine/pkg/uniqueid"
)

// nameDigits is the width of the numeric suffix of generated machine
// names, e.g. "sales-007".
const nameDigits = 3

// propDestroyIssued marks a removable row whose destroy is in flight,
// so the next sweep polls instead of re-issuing the call.
const propDestroyIssued = "destroy_issued"

// Deleter hands a machine to the deferred-deletion worker.
type Deleter interface {
	Add(drv provider.Driver, providerID int64, serviceUUID, vmid string, stopBeforeDelete, executeLater bool) error
}

// Controller advances user services through their state machine. Every
// operation follows the same shape: read rows, call the plug-in outside
// any transaction, write the result back.
type Controller struct {
	store   *storage.Store
	cfg     *config.Registry
	broker  *events.Broker
	deleter Deleter
	names   *uniqueid.NameGenerator

	// BuildDriver is provider.Build unless a test injects a fake.
	BuildDriver func(prov *types.Provider) (provider.Driver, error)
}

// NewController wires the state machine over its collaborators.
func NewController(store *storage.Store, cfg *config.Registry, broker *events.Broker, deleter Deleter) *Controller {
	return &Controller{
		store:       store,
		cfg:         cfg,
		broker:      broker,
		deleter:     deleter,
		names:       uniqueid.NewNameGenerator(uniqueid.New(store, "engine")),
		BuildDriver: provider.Build,
	}
}

// bound groups the rows and plug-in objects an operation needs.
type bound struct {
	pool *types.ServicePool
	svc  *types.Service
	prov *types.Provider
	drv  provider.Driver
	inst provider.Instance
	osm  osmanager.Manager
}

func (c *Controller) bind(us *types.UserService) (*bound, error) {
	pool, err := c.store.GetPool(us.PoolID)
	if err != nil {
		return nil, err
	}
	svc, prov, err := c.store.PoolService(pool)
	if err != nil {
		return nil, err
	}
	drv, err := c.BuildDriver(prov)
	if err != nil {
		return nil, err
	}
	inst, err := drv.Instance(svc, us)
	if err != nil {
		return nil, err
	}
	osm, err := osmanager.Build(pool.OSManagerType, nil)
	if err != nil {
		return nil, err
	}
	return &bound{pool: pool, svc: svc, prov: prov, drv: drv, inst: inst, osm: osm}, nil
}

// newRow builds an unsaved user-service row for a pool, resolving the
// active publication when the service requires one.
func (c *Controller) newRow(pool *types.ServicePool, svc *types.Service, level int, userID string, now time.Time) (*types.UserService, error) {
	us := &types.UserService{
		UUID:         uuid.NewString(),
		PoolID:       pool.ID,
		State:        types.StatePreparing,
		OSState:      types.StatePreparing,
		CacheLevel:   level,
		UserID:       userID,
		CreationDate: now,
		StateDate:    now,
	}
	name, err := c.names.Get(nameBasename(pool), nameDigits)
	if err != nil {
		// an exhausted name range is not fatal, the provider names it
		log.WithPool(pool.Name).Warn().Err(err).Msg("Name allocation failed")
	} else {
		us.FriendlyName = name
	}
	if svc.PublicationRequired {
		pub, err := c.store.ActivePublication(pool.ID)
		if err != nil {
			return nil, err
		}
		us.PublicationID = pub.ID
		us.PublicationRevision = pub.Revision
	} else {
		us.PublicationRevision = pool.CurrentPubRevision
	}
	return us, nil
}

// CanGrow is the growth gate every deploy path consults: provider
// maintenance, platform availability, the provider's machine cap and
// the preparing-concurrency limits all close it.
func (c *Controller) CanGrow(prov *types.Provider, drv provider.Driver) (bool, error) {
	if prov.Maintenance {
		return false, nil
	}
	if !drv.IsAvailable(context.Background()) {
		return false, nil
	}
	if prov.MaxServices > 0 {
		alive, err := c.countProviderAlive(prov.ID)
		if err != nil {
			return false, err
		}
		if alive >= prov.MaxServices {
			return false, nil
		}
	}
	if !config.IgnoreLimits.Bool(c.cfg) {
		preparing, err := c.store.CountInState(types.StatePreparing)
		if err != nil {
			return false, err
		}
		if preparing >= config.MaxPreparingServices.Int(c.cfg) {
			return false, nil
		}
	}
	providerPreparing, err := c.store.CountProviderInState(prov.ID, types.StatePreparing)
	if err != nil {
		return false, err
	}
	if limit := drv.ConcurrentCreationLimit(); limit > 0 && providerPreparing >= limit {
		return false, nil
	}
	return true, nil
}

func (c *Controller) countProviderAlive(providerID int64) (int, error) {
	total := 0
	for _, st := range []types.State{types.StatePreparing, types.StateUsable, types.StateCanceling} {
		n, err := c.store.CountProviderInState(providerID, st)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CreateForUser creates and starts deploying a service owned by a user.
func (c *Controller) CreateForUser(pool *types.ServicePool, user *types.User) (*types.UserService, error) {
	svc, prov, err := c.store.PoolService(pool)
	if err != nil {
		return nil, err
	}
	now, err := c.store.Now()
	if err != nil {
		return nil, err
	}
	us, err := c.newRow(pool, svc, types.CacheLevelAssigned, user.ID, now)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateUserService(us); err != nil {
		return nil, err
	}
	c.publish(events.EventServiceCreated, us, "deploying for "+user.ID)

	drv, err := c.BuildDriver(prov)
	if err != nil {
		return us, c.setError(us, err.Error())
	}
	inst, err := drv.Instance(svc, us)
	if err != nil {
		return us, c.setError(us, err.Error())
	}
	state, opErr := inst.DeployForUser(context.Background(), user)
	return us, c.applyTaskResult(us, inst, svc, state, opErr, types.StateUsable)
}

// CreateForCache creates and starts deploying a cache service at the
// given level.
func (c *Controller) CreateForCache(pool *types.ServicePool, level int) (*types.UserService, error) {
	svc, prov, err := c.store.PoolService(pool)
	if err != nil {
		return nil, err
	}
	now, err := c.store.Now()
	if err != nil {
		return nil, err
	}
	us, err := c.newRow(pool, svc, level, "", now)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateUserService(us); err != nil {
		return nil, err
	}
	c.publish(events.EventServiceCreated, us, fmt.Sprintf("deploying for cache L%d", level))

	drv, err := c.BuildDriver(prov)
	if err != nil {
		return us, c.setError(us, err.Error())
	}
	inst, err := drv.Instance(svc, us)
	if err != nil {
		return us, c.setError(us, err.Error())
	}
	state, opErr := inst.DeployForCache(context.Background(), level)
	return us, c.applyTaskResult(us, inst, svc, state, opErr, types.StateUsable)
}

// CheckState polls the in-flight operation of a PREPARING or CANCELING
// service and advances the machine on completion.
func (c *Controller) CheckState(us *types.UserService) error {
	b, err := c.bind(us)
	if err != nil {
		return err
	}

	switch us.State {
	case types.StatePreparing:
		state, opErr := b.inst.CheckState(context.Background())
		return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateUsable)
	case types.StateCanceling:
		state, opErr := b.inst.CheckState(context.Background())
		return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateRemovable)
	case types.StateRemovable:
		// only rows with a destroy in flight are polled here
		if _, issued, err := c.store.GetProperty(us.ID, propDestroyIssued); err != nil || !issued {
			return err
		}
		state, opErr := b.inst.CheckState(context.Background())
		return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateRemoved)
	default:
		return nil
	}
}

// applyTaskResult persists the plug-in payload and advances the state
// machine according to the returned task state.
func (c *Controller) applyTaskResult(us *types.UserService, inst provider.Instance, svc *types.Service, state types.TaskState, opErr error, onFinished types.State) error {
	if opErr != nil {
		if types.IsRetryable(opErr) {
			// leave the row as is; the next pass retries
			log.WithUserService(us.UUID).Warn().Err(opErr).Msg("Transient plug-in failure")
			return nil
		}
		return c.setError(us, opErr.Error())
	}

	data, err := inst.Marshal()
	if err != nil {
		return c.setError(us, err.Error())
	}
	us.Data = data

	switch state {
	case types.TaskRunning:
		return c.store.UpdateUserService(us)
	case types.TaskFinished:
		return c.finishOperation(us, inst, svc, onFinished)
	case types.TaskError:
		reason := inst.ErrorReason()
		if reason == "" {
			reason = "plug-in reported error"
		}
		return c.setError(us, reason)
	}
	return c.store.UpdateUserService(us)
}

func (c *Controller) finishOperation(us *types.UserService, inst provider.Instance, svc *types.Service, to types.State) error {
	now, err := c.store.Now()
	if err != nil {
		return err
	}

	if to == types.StateUsable {
		us.UniqueID = inst.UniqueID()
		if us.FriendlyName == "" {
			us.FriendlyName = inst.Name()
		}
		// OS-managed services stay os-preparing until the agent reports
		if !svc.NeedsOSManager {
			us.OSState = types.StateUsable
		}
		if ip := inst.IP(); ip != "" {
			if err := c.store.SetProperty(us.ID, types.PropIP, ip); err != nil {
				return err
			}
		}
		// a deploy the user canceled mid-flight lands here; it never
		// serves, it goes straight to the sweeper
		_, fated, err := c.store.GetProperty(us.ID, types.PropDestroyAfter)
		if err != nil {
			return err
		}
		if fated {
			if err := c.store.DeleteProperty(us.ID, types.PropDestroyAfter); err != nil {
				return err
			}
			return c.transition(us, types.StateRemovable, now)
		}
	}

	if to == types.StateRemoved {
		if err := c.store.DeleteProperty(us.ID, propDestroyIssued); err != nil {
			return err
		}
	}

	return c.transition(us, to, now)
}

// transition moves the row to a new state, stamps it, and publishes.
func (c *Controller) transition(us *types.UserService, to types.State, now time.Time) error {
	if us.State == to {
		return c.store.UpdateUserService(us)
	}
	// the one transition the machine forbids outright
	if to == types.StateRemoved && us.State != types.StateRemovable {
		return types.Fatal(fmt.Errorf("cannot remove service %s from state %s", us.UUID, us.State))
	}

	us.SetState(to, now)
	if err := c.store.UpdateUserService(us); err != nil {
		return err
	}

	metrics.ServiceTransitions.WithLabelValues(string(to)).Inc()
	switch to {
	case types.StateUsable:
		c.publish(events.EventServiceReady, us, "service usable")
	case types.StateRemovable:
		c.publish(events.EventServiceRemovable, us, "service marked removable")
	case types.StateRemoved:
		c.publish(events.EventServiceRemoved, us, "service removed")
	}
	log.WithUserService(us.UUID).Info().
		Str("state", string(to)).
		Int("level", us.CacheLevel).
		Msg("State transition")
	return nil
}

func (c *Controller) setError(us *types.UserService, reason string) error {
	now, err := c.store.Now()
	if err != nil {
		now = time.Now().UTC()
	}
	us.ErrorReason = reason
	us.SetState(types.StateError, now)
	if err := c.store.UpdateUserService(us); err != nil {
		return err
	}

	pool, perr := c.store.GetPool(us.PoolID)
	poolName := strconv.FormatInt(us.PoolID, 10)
	if perr == nil {
		poolName = pool.Name
	}
	metrics.ServiceErrors.WithLabelValues(poolName).Inc()
	c.publish(events.EventServiceError, us, reason)
	log.WithUserService(us.UUID).Error().Str("reason", reason).Msg("Service entered error state")
	return nil
}

// Cancel aborts a PREPARING deploy. Plug-ins that cannot interrupt a
// deploy in flight reject the call as invalid; the row is then tagged
// destroy_after and released the moment the deploy lands.
func (c *Controller) Cancel(us *types.UserService) error {
	if us.State != types.StatePreparing {
		return types.Invalid(fmt.Sprintf("cannot cancel service in state %s", us.State))
	}
	b, err := c.bind(us)
	if err != nil {
		return err
	}
	state, opErr := b.inst.Cancel(context.Background())
	if types.IsInvalid(opErr) {
		if err := c.store.SetProperty(us.ID, types.PropDestroyAfter, "1"); err != nil {
			return err
		}
		log.WithUserService(us.UUID).Info().Msg("Deploy not interruptible, destroying once finished")
		return nil
	}
	if opErr == nil && state == types.TaskRunning {
		now, err := c.store.Now()
		if err != nil {
			return err
		}
		data, merr := b.inst.Marshal()
		if merr != nil {
			return c.setError(us, merr.Error())
		}
		us.Data = data
		return c.transition(us, types.StateCanceling, now)
	}
	return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateRemovable)
}

// Release marks a service removable; the sweeper destroys it once it is
// no longer in use. Already-draining services are left alone.
func (c *Controller) Release(us *types.UserService) error {
	switch us.State {
	case types.StateRemovable, types.StateRemoved:
		return nil
	case types.StatePreparing:
		return c.Cancel(us)
	}
	now, err := c.store.Now()
	if err != nil {
		return err
	}
	return c.transition(us, types.StateRemovable, now)
}

// Destroy advances a REMOVABLE service toward REMOVED. Services whose
// machines must be powered off first are handed to the deferred worker;
// the row goes to REMOVED right away and the machine is cleaned up
// independently. Everything else destroys inline, polling across sweeps
// when the provider takes its time.
func (c *Controller) Destroy(us *types.UserService) error {
	if us.State != types.StateRemovable {
		return types.Invalid(fmt.Sprintf("cannot destroy service in state %s", us.State))
	}
	b, err := c.bind(us)
	if err != nil {
		return err
	}

	if us.UniqueID != "" && b.svc.MustStopBeforeDeletion && c.deleter != nil {
		if err := c.deleter.Add(b.drv, b.prov.ID, b.svc.UUID, us.UniqueID, true, false); err != nil {
			return err
		}
		now, err := c.store.Now()
		if err != nil {
			return err
		}
		return c.transition(us, types.StateRemoved, now)
	}

	_, issued, err := c.store.GetProperty(us.ID, propDestroyIssued)
	if err != nil {
		return err
	}
	if issued {
		state, opErr := b.inst.CheckState(context.Background())
		return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateRemoved)
	}

	state, opErr := b.inst.Destroy(context.Background())
	if opErr == nil && state == types.TaskRunning {
		if err := c.store.SetProperty(us.ID, propDestroyIssued, "1"); err != nil {
			return err
		}
	}
	return c.applyTaskResult(us, b.inst, b.svc, state, opErr, types.StateRemoved)
}

// Purge physically deletes a REMOVED row (properties cascade away) and
// returns its generated name to the allocator.
func (c *Controller) Purge(us *types.UserService) error {
	if us.State != types.StateRemoved {
		return types.Invalid(fmt.Sprintf("cannot purge service in state %s", us.State))
	}
	if us.FriendlyName != "" {
		if pool, err := c.store.GetPool(us.PoolID); err == nil {
			if err := c.names.Free(nameBasename(pool), us.FriendlyName); err != nil {
				// provider-named services carry names the allocator never issued
				log.WithUserService(us.UUID).Debug().Err(err).Msg("Name not reclaimed")
			}
		}
	}
	log.WithUserService(us.UUID).Debug().Msg("Purging removed service")
	return c.store.DeleteUserService(us.ID)
}

// nameBasename is the allocator partition for a pool's machine names.
func nameBasename(pool *types.ServicePool) string {
	return pool.Name + "-"
}

// NotifyReady handles the agent's "OS ready" callback.
func (c *Controller) NotifyReady(us *types.UserService) error {
	now, err := c.store.Now()
	if err != nil {
		return err
	}
	us.OSState = types.StateUsable
	us.StateDate = now
	if err := c.store.UpdateUserService(us); err != nil {
		return err
	}

	b, err := c.bind(us)
	if err != nil {
		return err
	}
	if b.osm != nil {
		if err := b.osm.ProcessReady(us); err != nil {
			return err
		}
	}
	c.publish(events.EventServiceReady, us, "os ready")
	return nil
}

// SetInUse opens or closes a usage interval: the in_use flag, the
// accounting row and the logins counter all move together.
func (c *Controller) SetInUse(us *types.UserService, inUse bool, srcIP, srcHostname, username string) error {
	now, err := c.store.Now()
	if err != nil {
		return err
	}
	pool, err := c.store.GetPool(us.PoolID)
	if err != nil {
		return err
	}
	osm, err := osmanager.Build(pool.OSManagerType, nil)
	if err != nil {
		return err
	}

	us.InUse = inUse
	us.InUseDate = now
	if inUse {
		us.SrcIP = srcIP
		us.SrcHostname = srcHostname
	}
	if err := c.store.UpdateUserService(us); err != nil {
		return err
	}

	if inUse {
		if err := c.bumpLoginsCounter(us); err != nil {
			return err
		}
		if pool.AccountID != 0 {
			if err := c.store.OpenUsage(pool.AccountID, us.UUID, pool.Name, us.UserID, now); err != nil {
				return err
			}
		}
		if osm != nil {
			if err := osm.LoggedIn(us, username); err != nil {
				return err
			}
		}
		c.publish(events.EventUserLogin, us, username)
		return nil
	}

	if pool.AccountID != 0 {
		if err := c.store.CloseUsage(us.UUID, now); err != nil {
			return err
		}
	}
	if osm != nil {
		if err := osm.LoggedOut(us, username); err != nil {
			return err
		}
	}
	c.publish(events.EventUserLogout, us, username)

	// logout may end the service's life: non-persistent OS managers
	// reclaim it, and stale-publication services tagged for
	// replacement go when their user leaves
	_, tagged, err := c.store.GetProperty(us.ID, types.PropToBeReplaced)
	if err != nil {
		return err
	}
	removeOnLogout := osm != nil && osm.IsRemovableOnLogout()
	if us.Assigned() && (removeOnLogout || tagged) {
		return c.Release(us)
	}
	return nil
}

// bumpLoginsCounter increments the per-service logins counter with a
// compare-and-swap loop so concurrent notifications cannot lose counts.
func (c *Controller) bumpLoginsCounter(us *types.UserService) error {
	for attempt := 0; attempt < 10; attempt++ {
		current, _, err := c.store.GetProperty(us.ID, types.PropLoginsCounter)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(current)
		swapped, err := c.store.CompareAndSwapProperty(us.ID, types.PropLoginsCounter, current, strconv.Itoa(n+1))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return types.Retryable(fmt.Errorf("logins counter contention on %s", us.UUID))
}

func (c *Controller) publish(eventType events.EventType, us *types.UserService, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"userservice": us.UUID,
			"pool":        strconv.FormatInt(us.PoolID, 10),
		},
	})
}
