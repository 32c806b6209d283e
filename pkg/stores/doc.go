// Package stores provides the persisted model for the cloud check: instances,
// VMs and persistent disks, plus the history of check runs, problem outcomes
// and audit entries.
//
// Two Repository implementations are available. SQLiteStore uses the pure-Go
// modernc driver with embedded golang-migrate migrations and enforces the
// one-active-disk-per-instance rule with a partial unique index. BadgerStore
// keeps the same rows in an embedded key-value store and maintains an
// explicit active-disk index inside serializable transactions.
package stores
