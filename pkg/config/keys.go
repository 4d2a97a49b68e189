package config

// Core engine tunables. Defaults are deliberately prime-ish on the
// periodic ones so jobs on multiple hosts drift apart instead of
// thundering together.
var (
	// CacheCheckDelay is the cache-updater period in seconds.
	CacheCheckDelay = register("core", "cacheCheckDelay", "19", "int", false)
	// DelayedTasksThreads sizes the deferred-work runner pool.
	DelayedTasksThreads = register("core", "delayedTasksThreads", "4", "int", false)
	// SchedulerThreads sizes the scheduler executor pool per host.
	SchedulerThreads = register("core", "schedulerThreads", "5", "int", false)
	// CleanupCheck is the period in seconds of the removed-services purge.
	CleanupCheck = register("core", "cleanupCheck", "3607", "int", false)
	// KeepInfoTime is how long (seconds) REMOVED rows are kept for inspection.
	KeepInfoTime = register("core", "keepInfoTime", "14401", "int", false)
	// MaxPreparingServices caps concurrently PREPARING services engine-wide.
	MaxPreparingServices = register("core", "maxPreparingServices", "15", "int", false)
	// MaxRemovingServices caps concurrently removing services engine-wide.
	MaxRemovingServices = register("core", "maxRemovingServices", "15", "int", false)
	// IgnoreLimits disables the preparing/removing caps.
	IgnoreLimits = register("core", "ignoreLimits", "0", "bool", false)
	// UserServiceCleanNumber is the purge batch size per cleanup run.
	UserServiceCleanNumber = register("core", "userServiceCleanNumber", "8", "int", false)
	// RemovalCheck is the removal-sweeper period in seconds.
	RemovalCheck = register("core", "removalCheck", "31", "int", false)
	// MaxInitializingTime is how long (seconds) a service may stay
	// PREPARING before the stuck cleaner intervenes.
	MaxInitializingTime = register("core", "maxInitTime", "3601", "int", false)
	// MaxLogsPerElement bounds per-entity log retention.
	MaxLogsPerElement = register("core", "maxLogPerElement", "100", "int", false)
	// RestraintTime is the error window in seconds; 0 disables restraint.
	RestraintTime = register("core", "restrainTime", "600", "int", false)
	// RestraintCount is the errors-in-window threshold that restrains a pool.
	RestraintCount = register("core", "restrainCount", "3", "int", false)
	// CheckUnusedTime is how long (seconds) an assigned service may sit
	// unused before the unused cleaner reclaims it.
	CheckUnusedTime = register("core", "checkUnusedTime", "631", "int", false)
	// ExclusiveLogout requires the actor logout before release on pools
	// that reclaim on logout.
	ExclusiveLogout = register("core", "exclusiveLogout", "0", "bool", false)
	// NotifyRemovalByPub tells users their service will be replaced after
	// a publication swap, minutes before it happens.
	NotifyRemovalByPub = register("core", "notifyRemovalByPub", "0", "int", false)
	// MaxLoginTries and LoginBlock gate repeated failed agent logins.
	MaxLoginTries = register("security", "maxLoginTries", "3", "int", false)
	LoginBlock    = register("security", "loginBlockTime", "300", "int", false)
	// AutorunService launches the service directly when a user has
	// exactly one pool available.
	AutorunService = register("core", "autorunService", "0", "bool", false)
)
