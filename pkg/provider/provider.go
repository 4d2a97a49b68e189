package provider

import (
	"context"

	"github.com/openuds/engine/pkg/types"
)

// Driver is a provider plug-in bound to one Provider row: the client of
// a hypervisor or cloud API. Drivers must be safe for concurrent use;
// jobs on several goroutines (and hosts) call them at once.
type Driver interface {
	// TypeName identifies the driver in the registry and in stored rows.
	TypeName() string

	// IsAvailable reports whether the backing platform is reachable.
	IsAvailable(ctx context.Context) bool

	// TestConnection validates credentials and connectivity.
	TestConnection(ctx context.Context) error

	// ConcurrentCreationLimit caps in-flight deploys on this provider.
	ConcurrentCreationLimit() int

	// ConcurrentRemovalLimit caps in-flight removals on this provider.
	ConcurrentRemovalLimit() int

	// Instance binds the driver to one user service row. The instance
	// restores its working state from the row's serialized payload.
	Instance(svc *types.Service, us *types.UserService) (Instance, error)

	// IsRunning reports whether the machine is powered on. Used by the
	// deferred-deletion worker, which operates on bare vmids.
	IsRunning(ctx context.Context, vmid string) (bool, error)

	// StopMachine requests a power-off; it returns once the request is
	// accepted, not once the machine stops.
	StopMachine(ctx context.Context, vmid string) error

	// DeleteMachine requests destruction of the machine.
	DeleteMachine(ctx context.Context, vmid string) error
}

// Instance is one deployment operation in flight. Long operations are
// asynchronous: the deploy/cancel/destroy calls kick them off and
// return RUNNING; CheckState polls until FINISHED or ERROR. Between
// calls the instance state is persisted via Marshal/Unmarshal on the
// user service row, so any host can pick the operation up.
type Instance interface {
	// DeployForUser starts creating a machine bound to a user.
	DeployForUser(ctx context.Context, user *types.User) (types.TaskState, error)

	// DeployForCache starts creating a cache machine at the given level.
	DeployForCache(ctx context.Context, level int) (types.TaskState, error)

	// CheckState polls the in-flight operation.
	CheckState(ctx context.Context) (types.TaskState, error)

	// Cancel aborts an in-flight deploy.
	Cancel(ctx context.Context) (types.TaskState, error)

	// Destroy removes the machine.
	Destroy(ctx context.Context) (types.TaskState, error)

	// SetReady ensures the machine is powered on before a user connects.
	SetReady(ctx context.Context) (types.TaskState, error)

	// UserLoggedIn and UserLoggedOut forward actor session events.
	UserLoggedIn(ctx context.Context, username string) error
	UserLoggedOut(ctx context.Context, username string) error

	// ErrorReason describes the failure after an ERROR result.
	ErrorReason() string

	// IP, UniqueID and Name expose the deployed machine's identity.
	IP() string
	UniqueID() string
	Name() string

	// Marshal and Unmarshal persist instance state in the row payload.
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}
