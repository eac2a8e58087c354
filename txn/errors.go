package txn

import "errors"

// Sentinel errors for transaction control flow and driver failure classification.
// These can be used with errors.Is() for programmatic error checking.
var (
	// ErrIsolationUnsupported is returned when an isolation level is requested
	// for a nested transaction. Isolation can only be set when the physical
	// database transaction is opened.
	ErrIsolationUnsupported = errors.New("cannot set transaction isolation in a nested transaction")

	// ErrTransactionRollback is the category sentinel for driver errors that
	// signal the physical transaction or savepoint is no longer usable
	// (deadlock, serialization failure). Drivers wrap their vendor error with
	// this sentinel so the coordinator can classify it.
	ErrTransactionRollback = errors.New("transaction rolled back by the database")

	// ErrPreparedStatementCacheExpired is the category sentinel for driver
	// errors caused by a stale prepared-statement cache. Failure handling
	// clears the cache as a side effect but the original error still surfaces.
	ErrPreparedStatementCacheExpired = errors.New("prepared statement cache expired")

	// ErrEarlyExit can be returned from a WithinNewTransaction unit of work to
	// leave the block without an error and without normal fallthrough. The
	// coordinator treats it as an early return, not a failure: the caller of
	// WithinNewTransaction never sees it.
	ErrEarlyExit = errors.New("early exit from transaction block")

	// ErrNoOpenTransaction is returned when commit or rollback is requested
	// with an empty transaction stack.
	ErrNoOpenTransaction = errors.New("no open transaction")
)
