/*
Package types defines the core data structures used throughout the engine.

This package contains the fundamental types of the broker's domain model:
providers, services, service pools, publications, user services,
scheduler rows, unique-ID rows, agent servers and accounting records,
plus the engine error taxonomy.

# Lifecycle states

Publications and user services share the State enum:

	preparing → usable → removable → removed
	preparing → canceling → removable → removed
	any       → error

A user service never reaches removed without passing through removable.
The parallel OSState tracks in-guest readiness independently: a service
can be usable at the engine level while its OS manager is still joining
the machine to a domain.

# Cache levels

User services carry a cache level:

	0: assigned to a user (UserID is set)
	1: L1 cache, ready to hand out
	2: L2 cache, deeper reserve, promoted to L1 on demand

The invariant CacheLevel == 0 ⇔ UserID != "" holds at all times.

# Error taxonomy

The error types here drive retry policy across the engine:

  - RetryableError: transient, re-enqueue with backoff
  - NotFoundError: target gone; success for deletes, failure otherwise
  - MaxServicesReachedError: capacity exhausted, defer or surface
  - InvalidServiceError: pool lacks a usable publication
  - AccessDeniedError: calendar policy denial
  - FatalError: counts against the fatal retry budget

All are matched with errors.As via the Is* helpers, never by string.
*/
package types
