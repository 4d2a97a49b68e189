// Package lifecycle is the user-service state machine: PREPARING,
// USABLE, REMOVABLE, REMOVED, with CANCELING and ERROR off the main
// path and a parallel OS readiness state. The controller performs the
// transitions; the jobs in this package (state checker, stuck cleaner,
// removal sweeper, unused cleaner) drive them from the scheduler.
//
// Plug-in calls never run inside a transaction: each operation reads
// its rows, talks to the provider, then writes the outcome back.
package lifecycle
