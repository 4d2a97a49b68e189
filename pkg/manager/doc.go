// Package manager is the orchestration façade over the lifecycle
// engine: it answers "give this user a service from this pool",
// dispatches agent callbacks, registers servers and rolls publications
// over. Policy checks (groups, calendars, publication validity,
// capacity) happen here; state transitions happen in lifecycle.
package manager
