// Package storage provides the persistence layer of the engine.
//
// Two stores live here. The relational Store (SQLite) holds the shared
// entities: providers, services, pools, publications, user services,
// scheduler rows, unique ids, config and accounting. Every multi-step
// mutation that must be exclusive across hosts runs inside Atomic,
// which opens an immediate write transaction so the section behaves
// like a row-locked claim. The QueueBag (BoltDB) holds host-local
// deferred-deletion queues that never need to be shared.
//
// Timestamps are persisted as unix seconds and the engine clock is the
// database clock (Store.Now), so hosts with skewed clocks still agree
// on ordering.
package storage
