// Package uniqueid allocates collision-free sequence numbers (and the
// machine names, MACs and group ids derived from them) from a table
// shared by every engine host. Freed numbers are reused smallest-first
// and the unassigned tail above the high-water mark is purged so the
// table stays compact.
package uniqueid
