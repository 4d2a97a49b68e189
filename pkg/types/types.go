package types

import (
	"time"
)

// Provider is an administrative binding to an external compute backend
// (a hypervisor cluster, a cloud tenant, a fixed-machine inventory).
type Provider struct {
	ID          int64
	UUID        string
	Name        string
	TypeName    string // Registered driver type, e.g. "testing", "static"
	Maintenance bool   // When true the provider never grows
	MaxServices int    // Provider-wide capacity, 0 = unlimited
	Data        []byte // Serialized driver payload
	CreatedAt   time.Time
}

// CountType selects how a service's max_services is interpreted.
type CountType string

const (
	CountTypeAbsolute CountType = "absolute"
	CountTypeRelative CountType = "relative" // Relative to provider capacity
)

// Service is a published offering from a Provider.
type Service struct {
	ID          int64
	UUID        string
	ProviderID  int64
	Name        string
	TypeName    string
	Token       string // Optional, unique when set
	MaxServices int
	CountType   CountType
	UsesCache   bool // Service keeps L1/L2 caches of ready instances
	UsesCacheL2 bool
	NeedsOSManager bool
	PublicationRequired bool // A usable publication must exist before deploys
	MustStopBeforeDeletion bool
	Data        []byte
	CreatedAt   time.Time
}

// PoolState is the administrative state of a service pool.
type PoolState string

const (
	PoolStateActive    PoolState = "active"
	PoolStateRemovable PoolState = "removable"
	PoolStateRemoved   PoolState = "removed"
)

// AccessPolicy is the calendar fallback decision for a pool.
type AccessPolicy string

const (
	AccessAllow AccessPolicy = "allow"
	AccessDeny  AccessPolicy = "deny"
)

// ServicePool is a named, policy-bearing pool that publishes a service
// to a set of groups and keeps caches of ready user services.
type ServicePool struct {
	ID                 int64
	UUID               string
	ServiceID          int64
	Name               string
	State              PoolState
	InitialSrvs        int
	CacheL1Srvs        int
	CacheL2Srvs        int
	MaxSrvs            int // 0 = unlimited
	CurrentPubRevision int
	OSManagerType      string // Empty when the pool has no OS manager
	AssignedGroups     []string
	Transports         []string
	ShowTransports     bool
	Visible            bool
	AllowUsersRemove   bool
	AllowUsersReset    bool
	FallbackAccess     AccessPolicy
	AccountID          int64 // 0 = no usage accounting
	CreatedAt          time.Time
}

// State is the engine-level lifecycle state shared by publications and
// user services.
type State string

const (
	StatePreparing State = "preparing"
	StateUsable    State = "usable"
	StateRemovable State = "removable"
	StateRemoved   State = "removed"
	StateCanceling State = "canceling"
	StateError     State = "error"
)

// IsTerminal reports whether no further transitions happen from s.
func (s State) IsTerminal() bool {
	return s == StateRemoved || s == StateError
}

// Alive reports whether a user service in this state still occupies
// capacity on the provider (everything except removed/error).
func (s State) Alive() bool {
	return !s.IsTerminal()
}

// Publication is a revision of a pool's template. At most one USABLE
// publication exists per pool at a time.
type Publication struct {
	ID        int64
	UUID      string
	PoolID    int64
	Revision  int
	State     State
	StateDate time.Time
	Data      []byte
}

// Cache levels for user services. Level 0 means assigned to a user.
const (
	CacheLevelAssigned = 0
	CacheLevelL1       = 1
	CacheLevelL2       = 2
)

// UserService is the unit of allocation: one VM, container or fixed
// machine slot handed to a user or kept warm in a cache level.
type UserService struct {
	ID                  int64
	UUID                string
	PoolID              int64
	PublicationID       int64 // 0 once the publication row is gone
	PublicationRevision int   // Preserved even after the publication row is gone
	UniqueID            string
	FriendlyName        string
	State               State
	OSState             State // Reported by OS manager / actor, PREPARING or USABLE
	CacheLevel          int
	UserID              string // Empty unless CacheLevel == 0
	InUse               bool
	InUseDate           time.Time
	SrcIP               string
	SrcHostname         string
	Data                []byte // Opaque serialized driver payload
	ErrorReason         string
	CreationDate        time.Time
	StateDate           time.Time
}

// Assigned reports whether the service belongs to a user.
func (u *UserService) Assigned() bool {
	return u.CacheLevel == CacheLevelAssigned
}

// SetState moves the service to a new state and stamps the transition.
func (u *UserService) SetState(s State, now time.Time) {
	u.State = s
	u.StateDate = now
}

// TaskState is the result of a provider or OS-manager operation step.
// Plug-in calls return this instead of raising control-flow errors.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
	TaskError    TaskState = "error"
)

// JobState is the dispatch state of a scheduler row.
type JobState string

const (
	JobStateForExecute JobState = "for_execute"
	JobStateRunning    JobState = "running"
)

// JobRecord is one row of the schedulers table: a named periodic job
// with its dispatch bookkeeping.
type JobRecord struct {
	ID            int64
	Name          string
	Frequency     int // Seconds
	LastExecution time.Time
	NextExecution time.Time
	OwnerServer   string // Hostname currently holding the job, empty if free
	State         JobState
}

// UniqueID is one row of the allocator table. (basename, seq) is unique.
type UniqueID struct {
	ID       int64
	Owner    string
	Basename string
	Seq      int64
	Assigned bool
	Stamp    int64 // Unix seconds of last assignment
}

// Server is a registered agent endpoint (an actor inside a guest, or a
// tunnel/app server) identified by its token.
type Server struct {
	ID          int64
	Token       string
	Hostname    string
	IP          string
	Port        int
	MAC         string
	Type        string
	Subtype     string
	OSType      string
	Version     string
	Certificate string
	Data        []byte
	CreatedAt   time.Time
}

// User is the engine's view of an authenticated user. Authentication
// itself happens elsewhere; the engine only needs identity and groups.
type User struct {
	ID     string
	Name   string
	Groups []string
}

// InGroup reports whether the user belongs to any of the given groups.
func (u *User) InGroup(groups []string) bool {
	for _, g := range groups {
		for _, mine := range u.Groups {
			if g == mine {
				return true
			}
		}
	}
	return false
}

// CalendarRule is one access window of a pool. Rules are evaluated in
// priority order (lowest first); the first matching rule decides.
type CalendarRule struct {
	ID              int64
	PoolID          int64
	Priority        int
	Action          AccessPolicy
	Days            []time.Weekday
	StartMinute     int
	DurationMinutes int
}

// Account aggregates usage records for billing or reporting.
type Account struct {
	ID        int64
	UUID      string
	Name      string
	CreatedAt time.Time
}

// AccountUsage is one open or closed usage interval of a user service.
type AccountUsage struct {
	ID              int64
	AccountID       int64
	UserServiceUUID string
	PoolName        string
	UserName        string
	Start           time.Time
	End             time.Time
	Running         bool
}

// Well-known property bag keys.
const (
	PropIP            = "ip"
	PropCommsURL      = "comms_url"
	PropLoginsCounter = "logins_counter"
	PropUsageStart    = "usageAccountStart"
	PropToBeReplaced  = "to_be_replaced"
	PropDestroyAfter  = "destroy_after"
)
