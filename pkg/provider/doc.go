// Package provider defines the plug-in port to hypervisor and cloud
// platforms. Drivers implement Driver (platform-level operations) and
// Instance (one deployment in flight); an explicit registry maps stored
// type names to factories, populated at program start.
package provider
