// Package osmanager defines the OS-manager plug-in port: the guest-side
// half of a user service's lifecycle (rename, credentials, readiness)
// and the registry that maps stored type names to factories.
package osmanager
