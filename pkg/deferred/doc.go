// Package deferred deletes machines that cannot be destroyed inline:
// each entry walks the TO_STOP, STOPPING, TO_DELETE, DELETING queues
// with bounded retries at every step. The queues are host-local
// (persisted in the BoltDB bag), so every engine host drains its own.
package deferred
