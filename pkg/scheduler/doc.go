// Package scheduler runs periodic jobs with exactly-one-executor
// semantics across any number of engine hosts. The scheduler row in the
// database is the distributed mutex: claiming it happens inside a write
// transaction, the job body runs outside any transaction, and stuck
// rows left by dead executors are reclaimed by a housekeeping job.
package scheduler
