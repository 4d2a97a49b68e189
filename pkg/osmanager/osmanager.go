package osmanager

import (
	"fmt"
	"sync"

	"github.com/openuds/engine/pkg/types"
)

// ActorData is what the in-VM agent receives after deployment: the
// action to perform locally plus its parameters.
type ActorData struct {
	Action string            `json:"action"`
	Name   string            `json:"name"`
	Custom map[string]string `json:"custom,omitempty"`
}

// Manager is the OS-manager plug-in port. An OS manager owns the
// guest-side half of a user service's life: rename, domain join,
// credential rewriting, and the os_state readiness track.
type Manager interface {
	TypeName() string

	// ActorData returns the instructions for the agent inside us.
	ActorData(us *types.UserService) (ActorData, error)

	// CheckState reports guest-side progress for us.
	CheckState(us *types.UserService) (types.TaskState, error)

	// IsPersistent managers keep the machine across logouts.
	IsPersistent() bool

	// ManagesUnused reports whether HandleUnused should be called on
	// services idle past the unused threshold.
	ManagesUnused() bool

	// HandleUnused reclaims an idle service; returns whether the service
	// should be marked removable.
	HandleUnused(us *types.UserService) (bool, error)

	// IsRemovableOnLogout managers release the machine when the user
	// logs out instead of keeping the assignment.
	IsRemovableOnLogout() bool

	// UpdateCredentials lets the manager rewrite the credentials the
	// transport will use (random-password managers do).
	UpdateCredentials(us *types.UserService, username, password string) (string, string)

	// ProcessReady runs when the agent reports the guest OS ready.
	ProcessReady(us *types.UserService) error

	// LoggedIn and LoggedOut run on actor session events.
	LoggedIn(us *types.UserService, username string) error
	LoggedOut(us *types.UserService, username string) error
}

// Factory builds a manager from its stored configuration payload.
type Factory func(data []byte) (Manager, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a manager factory under its type name at program start.
func Register(typeName string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic(fmt.Sprintf("os manager %q registered twice", typeName))
	}
	registry[typeName] = factory
}

// Build constructs the manager named in a pool's osmanager_type. An
// empty type name means the pool runs without an OS manager and yields
// nil.
func Build(typeName string, data []byte) (Manager, error) {
	if typeName == "" {
		return nil, nil
	}
	registryMu.RLock()
	factory, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown os manager type %q", typeName)
	}
	return factory(data)
}
