// Package txn implements a nested transaction coordinator for a single database
// connection. It tracks an ordered stack of logical transactions, decides lazily
// when to talk to the database, propagates commit and rollback outcomes through
// a parent/child state tree, and notifies the domain objects enlisted in each
// transaction — remaining correct under arbitrary exits from a unit of work.
//
// The package never generates SQL or persists records itself: the dialect layer
// is consumed through the Conn interface and domain objects through Record.
package txn

import (
	"context"
	"sync"
)

// IsolationLevel names a transaction isolation level requested from the driver.
// The coordinator passes it through without interpreting it.
type IsolationLevel string

// Isolation levels commonly supported by SQL drivers.
const (
	IsolationReadUncommitted IsolationLevel = "read_uncommitted"
	IsolationReadCommitted   IsolationLevel = "read_committed"
	IsolationRepeatableRead  IsolationLevel = "repeatable_read"
	IsolationSerializable    IsolationLevel = "serializable"
)

// Conn is the driver/connection collaborator consumed by the coordinator.
// Implementations own the physical connection, issue the transaction-control
// statements, and classify their vendor errors by wrapping the sentinel errors
// of this package (ErrTransactionRollback, ErrPreparedStatementCacheExpired).
type Conn interface {
	// Lock returns the connection's exclusive lock. All stack mutation happens
	// while holding it. The coordinator never recurses into the lock from a
	// locked section.
	Lock() sync.Locker

	// BeginDBTransaction opens a real database transaction.
	BeginDBTransaction(ctx context.Context) error

	// BeginIsolatedDBTransaction opens a real database transaction at the
	// requested isolation level.
	BeginIsolatedDBTransaction(ctx context.Context, level IsolationLevel) error

	// CommitDBTransaction commits the open database transaction.
	CommitDBTransaction(ctx context.Context) error

	// RollbackDBTransaction rolls back the open database transaction.
	RollbackDBTransaction(ctx context.Context) error

	// CreateSavepoint establishes a named savepoint inside the open transaction.
	CreateSavepoint(ctx context.Context, name string) error

	// ReleaseSavepoint releases a named savepoint.
	ReleaseSavepoint(ctx context.Context, name string) error

	// RollbackToSavepoint rewinds the open transaction to a named savepoint.
	RollbackToSavepoint(ctx context.Context, name string) error

	// RestartDBTransaction rewinds the open transaction to right after its
	// begin, keeping it open. Only called when SupportsRestartDBTransaction
	// reports true.
	RestartDBTransaction(ctx context.Context) error

	// SupportsRestartDBTransaction reports whether the driver can rewind an
	// open transaction in place.
	SupportsRestartDBTransaction() bool

	// SupportsLazyTransactions reports whether the driver tolerates deferring
	// the physical begin until the first write.
	SupportsLazyTransactions() bool

	// SavepointErrorsInvalidateTransactions reports whether a statement failure
	// inside the driver's transactions poisons every enclosing savepoint, as it
	// does on PostgreSQL.
	SavepointErrorsInvalidateTransactions() bool

	// ClearCache drops the driver's prepared-statement cache.
	ClearCache()

	// ThrowAway marks the connection unusable. Called when a transaction could
	// not be left in a well-defined state; the connection must not re-enter a
	// pool afterwards.
	ThrowAway()

	// AddTransactionRecord forwards a resolving record up to the ambient
	// transaction, used when the resolving scope does not run callbacks itself.
	AddTransactionRecord(record Record)
}
