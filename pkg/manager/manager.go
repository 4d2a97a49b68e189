package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openuds/engine/pkg/calendar"
	"github.com/openuds/engine/pkg/config"
	"github.com/openuds/engine/pkg/events"
	"github.com/openuds/engine/pkg/lifecycle"
	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

// Manager is the engine's front door: user-service assignment, agent
// notifications, server registration and publication rollover all enter
// here. It validates policy, then delegates transitions to the
// lifecycle controller.
type Manager struct {
	store  *storage.Store
	cfg    *config.Registry
	ctrl   *lifecycle.Controller
	broker *events.Broker
}

func New(store *storage.Store, cfg *config.Registry, ctrl *lifecycle.Controller, broker *events.Broker) *Manager {
	return &Manager{store: store, cfg: cfg, ctrl: ctrl, broker: broker}
}

// GetUserService resolves a user's request for a service from a pool:
// an existing assignment is returned as is, otherwise a cached machine
// is claimed, otherwise a new one is deployed. A PREPARING result means
// "not ready yet, come back"; errors carry the policy reason.
func (m *Manager) GetUserService(user *types.User, pool *types.ServicePool) (*types.UserService, error) {
	if pool.State != types.PoolStateActive {
		return nil, types.Invalid(fmt.Sprintf("pool %s is not active", pool.Name))
	}
	if len(pool.AssignedGroups) > 0 && !user.InGroup(pool.AssignedGroups) {
		return nil, types.AccessDenied("user does not belong to the pool's groups")
	}
	now, err := m.store.Now()
	if err != nil {
		return nil, err
	}
	if err := m.checkCalendar(pool, now); err != nil {
		return nil, err
	}

	svc, prov, err := m.store.PoolService(pool)
	if err != nil {
		return nil, err
	}
	if svc.PublicationRequired {
		if _, err := m.store.ActivePublication(pool.ID); err != nil {
			if types.IsNotFound(err) {
				return nil, types.Invalid("pool has no usable publication")
			}
			return nil, err
		}
	}

	// an existing live assignment always wins
	existing, err := m.store.FindAssignedToUser(pool.ID, user.ID)
	if err == nil {
		return existing, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	claimed, err := m.store.ClaimCachedForUser(pool.ID, user.ID, svc.NeedsOSManager, now)
	if err == nil {
		m.publishAssigned(claimed, user.ID)
		log.WithPool(pool.Name).Info().
			Str("userservice", claimed.UUID).
			Str("user", user.ID).
			Msg("Assigned cached service")
		return claimed, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	if !config.IgnoreLimits.Bool(m.cfg) && pool.MaxSrvs > 0 {
		counts, err := m.store.CountPool(pool.ID)
		if err != nil {
			return nil, err
		}
		if counts.Assigned+counts.L1 >= pool.MaxSrvs {
			return nil, &types.MaxServicesReachedError{Pool: pool.Name}
		}
	}
	if prov.Maintenance {
		return nil, types.Invalid(fmt.Sprintf("provider %s is in maintenance", prov.Name))
	}
	drv, err := m.ctrl.BuildDriver(prov)
	if err != nil {
		return nil, err
	}
	if !drv.IsAvailable(context.Background()) {
		return nil, types.Retryable(fmt.Errorf("provider %s is unreachable", prov.Name))
	}
	grow, err := m.ctrl.CanGrow(prov, drv)
	if err != nil {
		return nil, err
	}
	if !grow {
		return nil, &types.MaxServicesReachedError{Pool: pool.Name}
	}

	us, err := m.ctrl.CreateForUser(pool, user)
	if err != nil {
		return nil, err
	}
	m.publishAssigned(us, user.ID)
	log.WithPool(pool.Name).Info().
		Str("userservice", us.UUID).
		Str("user", user.ID).
		Msg("Deploying new service for user")
	return us, nil
}

func (m *Manager) checkCalendar(pool *types.ServicePool, at time.Time) error {
	rules, err := m.store.CalendarRules(pool.ID)
	if err != nil {
		return err
	}
	if calendar.Access(rules, pool.FallbackAccess, at) == types.AccessDeny {
		return types.AccessDenied(fmt.Sprintf("pool %s is closed by calendar", pool.Name))
	}
	return nil
}

// NotifyReady is the OS-manager callback: the in-guest agent reports
// that the machine finished its setup. The optional data carries the
// agent's reachable address.
func (m *Manager) NotifyReady(userServiceUUID string, data map[string]string) error {
	us, err := m.store.GetUserServiceByUUID(userServiceUUID)
	if err != nil {
		return err
	}
	if ip := data["ip"]; ip != "" {
		if err := m.store.SetProperty(us.ID, types.PropIP, ip); err != nil {
			return err
		}
	}
	if commsURL := data["comms_url"]; commsURL != "" {
		if err := m.store.SetProperty(us.ID, types.PropCommsURL, commsURL); err != nil {
			return err
		}
	}
	return m.ctrl.NotifyReady(us)
}

// NotifyEvent dispatches an agent event. The caller has already
// authenticated the server token; data identifies the user service.
func (m *Manager) NotifyEvent(srv *types.Server, event string, data map[string]string) error {
	us, err := m.store.GetUserServiceByUUID(data["userservice"])
	if err != nil {
		return err
	}
	switch event {
	case "login":
		return m.ctrl.SetInUse(us, true, data["src_ip"], data["src_hostname"], data["username"])
	case "logout":
		return m.ctrl.SetInUse(us, false, "", "", data["username"])
	case "ready":
		return m.NotifyReady(us.UUID, data)
	case "log":
		log.WithUserService(us.UUID).Info().
			Str("server", srv.Hostname).
			Str("message", data["message"]).
			Msg("Agent log")
		return nil
	}
	return types.Invalid(fmt.Sprintf("unknown event %q", event))
}

// AuthenticateServer resolves an agent token to its registration.
func (m *Manager) AuthenticateServer(token string) (*types.Server, error) {
	srv, err := m.store.GetServerByToken(token)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.AccessDenied("unknown server token")
		}
		return nil, err
	}
	return srv, nil
}

// RegisterServer records an agent endpoint, minting a token when the
// request carries none. Re-registration with the same token updates the
// stored fields.
func (m *Manager) RegisterServer(srv *types.Server) (string, error) {
	if srv.Token == "" {
		srv.Token = uuid.NewString()
	}
	now, err := m.store.Now()
	if err != nil {
		return "", err
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if err := m.store.UpsertServer(srv); err != nil {
		return "", err
	}
	m.publish(events.EventServerRegistered, map[string]string{
		"hostname": srv.Hostname,
		"type":     srv.Type,
	}, "server registered")
	log.WithComponent("manager").Info().
		Str("hostname", srv.Hostname).
		Str("type", srv.Type).
		Msg("Server registered")
	return srv.Token, nil
}

// StartPublication opens a new template revision for the pool. The
// revision number is allocated here; the publication plug-in drives it
// to USABLE and the caller then activates it.
func (m *Manager) StartPublication(pool *types.ServicePool) (*types.Publication, error) {
	preparing, err := m.store.HasPreparingPublication(pool.ID)
	if err != nil {
		return nil, err
	}
	if preparing {
		return nil, types.Invalid("a publication is already in progress")
	}
	now, err := m.store.Now()
	if err != nil {
		return nil, err
	}
	revision, err := m.store.NextPublicationRevision(pool.ID)
	if err != nil {
		return nil, err
	}
	pub := &types.Publication{
		UUID:      uuid.NewString(),
		PoolID:    pool.ID,
		Revision:  revision,
		State:     types.StatePreparing,
		StateDate: now,
	}
	if err := m.store.CreatePublication(pub); err != nil {
		return nil, err
	}
	m.publish(events.EventPublicationStarted, map[string]string{
		"pool":     pool.Name,
		"revision": strconv.Itoa(revision),
	}, "publication started")
	return pub, nil
}

// ActivatePublication makes a finished publication the pool's current
// revision and drains everything built from older ones: cached services
// go removable right away, idle assigned ones too, and in-use services
// are tagged to be replaced when their user logs out.
func (m *Manager) ActivatePublication(pool *types.ServicePool, pub *types.Publication) error {
	now, err := m.store.Now()
	if err != nil {
		return err
	}

	if old, err := m.store.ActivePublication(pool.ID); err == nil && old.ID != pub.ID {
		old.State = types.StateRemovable
		old.StateDate = now
		if err := m.store.UpdatePublication(old); err != nil {
			return err
		}
	} else if err != nil && !types.IsNotFound(err) {
		return err
	}

	pub.State = types.StateUsable
	pub.StateDate = now
	if err := m.store.UpdatePublication(pub); err != nil {
		return err
	}
	pool.CurrentPubRevision = pub.Revision
	if err := m.store.UpdatePool(pool); err != nil {
		return err
	}

	stale, err := m.store.ListCachedNotOnRevision(pool.ID, pub.Revision)
	if err != nil {
		return err
	}
	for _, us := range stale {
		if err := m.ctrl.Release(us); err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("Stale cache release failed")
		}
	}

	assigned, err := m.store.ListAssignedNotOnRevision(pool.ID, pub.Revision)
	if err != nil {
		return err
	}
	for _, us := range assigned {
		if us.InUse {
			if err := m.store.SetProperty(us.ID, types.PropToBeReplaced, "1"); err != nil {
				return err
			}
			continue
		}
		if err := m.ctrl.Release(us); err != nil {
			log.WithUserService(us.UUID).Error().Err(err).Msg("Stale assigned release failed")
		}
	}

	m.publish(events.EventPublicationActive, map[string]string{
		"pool":     pool.Name,
		"revision": strconv.Itoa(pub.Revision),
	}, "publication active")
	log.WithPool(pool.Name).Info().Int("revision", pub.Revision).Msg("Publication activated")
	return nil
}

func (m *Manager) publishAssigned(us *types.UserService, userID string) {
	m.publish(events.EventServiceAssigned, map[string]string{
		"userservice": us.UUID,
		"user":        userID,
	}, "service assigned")
}

func (m *Manager) publish(eventType events.EventType, metadata map[string]string, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
