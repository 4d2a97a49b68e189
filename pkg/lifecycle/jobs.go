package lifecycle

import (
	"time"

	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/osmanager"
	"github.com/openuds/engine/pkg/types"
)

// checkBatch bounds how many rows one checker pass touches; anything
// left over waits for the next tick a few seconds later.
const checkBatch = 50

// StateChecker polls the in-flight operations of PREPARING and
// CANCELING services.
type StateChecker struct {
	ctrl *Controller
}

func NewStateChecker(ctrl *Controller) *StateChecker { return &StateChecker{ctrl: ctrl} }

func (j *StateChecker) Name() string   { return "state-checker" }
func (j *StateChecker) Frequency() int { return 5 }

func (j *StateChecker) Run() error {
	pending, err := j.ctrl.store.ListUserServicesInStates(
		[]types.State{types.StatePreparing, types.StateCanceling}, checkBatch)
	if err != nil {
		return err
	}
	for _, us := range pending {
		if err := j.ctrl.CheckState(us); err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("State check failed")
		}
	}
	return nil
}

// StuckCleaner deals with services that have been PREPARING or
// CANCELING longer than MAX_INITIALIZING_TIME: a hung deploy is
// canceled, a hung cancel is errored out for the operator.
type StuckCleaner struct {
	ctrl *Controller
}

func NewStuckCleaner(ctrl *Controller) *StuckCleaner { return &StuckCleaner{ctrl: ctrl} }

func (j *StuckCleaner) Name() string   { return "stuck-cleaner" }
func (j *StuckCleaner) Frequency() int { return config.MaxInitializingTime.Int(j.ctrl.cfg) / 2 }

func (j *StuckCleaner) Run() error {
	now, err := j.ctrl.store.Now()
	if err != nil {
		return err
	}
	cutoff := now.Add(-time.Duration(config.MaxInitializingTime.Int(j.ctrl.cfg)) * time.Second)
	stuck, err := j.ctrl.store.ListStuckPreparing(cutoff, checkBatch)
	if err != nil {
		return err
	}
	for _, us := range stuck {
		log.WithUserService(us.UUID).Warn().
			Str("state", string(us.State)).
			Time("since", us.StateDate).
			Msg("Service stuck, intervening")
		var opErr error
		switch us.State {
		case types.StatePreparing:
			opErr = j.ctrl.Cancel(us)
		case types.StateCanceling:
			opErr = j.ctrl.setError(us, "canceled operation never finished")
		}
		if opErr != nil {
			log.WithUserService(us.UUID).Error().Err(opErr).Msg("Stuck cleanup failed")
		}
	}
	return nil
}

// RemovalSweeper drives REMOVABLE services into destruction.
type RemovalSweeper struct {
	ctrl *Controller
}

func NewRemovalSweeper(ctrl *Controller) *RemovalSweeper { return &RemovalSweeper{ctrl: ctrl} }

func (j *RemovalSweeper) Name() string   { return "removal-sweeper" }
func (j *RemovalSweeper) Frequency() int { return config.RemovalCheck.Int(j.ctrl.cfg) }

func (j *RemovalSweeper) Run() error {
	batch := config.MaxRemovingServices.Int(j.ctrl.cfg)
	if config.IgnoreLimits.Bool(j.ctrl.cfg) {
		batch = checkBatch
	}
	removable, err := j.ctrl.store.ListRemovable(batch)
	if err != nil {
		return err
	}
	for _, us := range removable {
		if err := j.ctrl.Destroy(us); err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("Destroy sweep failed")
		}
	}
	return nil
}

// Cleanup purges REMOVED rows past their retention window, a small
// batch per run.
type Cleanup struct {
	ctrl *Controller
}

func NewCleanup(ctrl *Controller) *Cleanup { return &Cleanup{ctrl: ctrl} }

func (j *Cleanup) Name() string   { return "cleanup" }
func (j *Cleanup) Frequency() int { return config.CleanupCheck.Int(j.ctrl.cfg) }

func (j *Cleanup) Run() error {
	now, err := j.ctrl.store.Now()
	if err != nil {
		return err
	}
	cutoff := now.Add(-time.Duration(config.KeepInfoTime.Int(j.ctrl.cfg)) * time.Second)
	removed, err := j.ctrl.store.ListRemovedBefore(cutoff, config.UserServiceCleanNumber.Int(j.ctrl.cfg))
	if err != nil {
		return err
	}
	for _, us := range removed {
		if err := j.ctrl.Purge(us); err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("Purge failed")
		}
	}
	return nil
}

// UnusedCleaner asks managing OS managers about assigned services that
// have sat unused past the threshold, releasing the ones they give up.
type UnusedCleaner struct {
	ctrl *Controller
}

func NewUnusedCleaner(ctrl *Controller) *UnusedCleaner { return &UnusedCleaner{ctrl: ctrl} }

func (j *UnusedCleaner) Name() string   { return "unused-cleaner" }
func (j *UnusedCleaner) Frequency() int { return config.CheckUnusedTime.Int(j.ctrl.cfg) }

func (j *UnusedCleaner) Run() error {
	now, err := j.ctrl.store.Now()
	if err != nil {
		return err
	}
	cutoff := now.Add(-time.Duration(config.CheckUnusedTime.Int(j.ctrl.cfg)) * time.Second)
	idle, err := j.ctrl.store.ListUnused(cutoff, checkBatch)
	if err != nil {
		return err
	}
	for _, us := range idle {
		pool, err := j.ctrl.store.GetPool(us.PoolID)
		if err != nil {
			continue
		}
		osm, err := osmanager.Build(pool.OSManagerType, nil)
		if err != nil || osm == nil || !osm.ManagesUnused() {
			continue
		}
		reclaim, err := osm.HandleUnused(us)
		if err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("Unused handling failed")
			continue
		}
		if reclaim {
			log.WithUserService(us.UUID).Info().Msg("Reclaiming unused service")
			if err := j.ctrl.Release(us); err != nil {
				log.WithUserService(us.UUID).Error().Err(err).Msg("Unused release failed")
			}
		}
	}
	return nil
}
