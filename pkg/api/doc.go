// Package api is the engine's REST surface for in-guest agents and the
// outer broker: server registration, event callbacks, readiness
// notifications and user-service assignment, plus the health and
// metrics endpoints. Authentication is a per-server token minted at
// registration.
package api
