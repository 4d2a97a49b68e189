// Package cache keeps every active pool at its configured L1 and L2
// cache sizes. The updater runs as a scheduled job and performs at most
// one action per pool per tick: demote or release when over target,
// promote or create when under, always behind the provider's growth and
// removal gates.
package cache
