// Package stores provides the persistence layer for asynchronous jobs and
// the join records that make one job wait for another.
//
// Two implementations satisfy Store: SQLiteStore, backed by an embedded
// migration set and safe to share between cluster nodes, and MemoryStore for
// tests and single-node use. Status changes are compare-and-set so that the
// first writer of a job outcome wins.
package stores
