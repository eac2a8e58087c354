package txn

import "context"

// Transaction is the shared contract of the four transaction variants: a real
// top-level transaction, a savepoint-based nested transaction, a restart-reuse
// nested transaction, and the sentinel for "no transaction open". Variants
// differ only in which physical operation materialize/commit/rollback/restart
// perform; all bookkeeping lives in the shared base.
type Transaction interface {
	// Materialize performs the physical begin or savepoint exactly once.
	// Driver errors are not caught here.
	Materialize(ctx context.Context) error

	// Materialized reports whether the physical begin already happened.
	Materialized() bool

	// Commit resolves this scope as successful. Called at most once, and only
	// while the state is not yet completed.
	Commit(ctx context.Context) error

	// Rollback resolves this scope as failed. May also be called after a
	// commit attempt failed.
	Rollback(ctx context.Context) error

	// Restart re-enters the same physical scope after a rollback, without a
	// new stack entry.
	Restart(ctx context.Context) error

	// Restore marks the transaction as needing re-materialization after the
	// underlying connection was reused.
	Restore()

	// FullRollback reports whether rolling back this scope undoes the whole
	// database transaction rather than one nested layer. Enlisted records
	// force-restore their in-memory state only in that case.
	FullRollback() bool

	// State returns the scope's outcome node, nil for the null transaction.
	State() *State

	Isolation() IsolationLevel

	// Joinable reports whether new nested work may merge into this scope
	// instead of requiring its own nesting level.
	Joinable() bool

	// Restartable is exactly Joinable and not Dirty.
	Restartable() bool

	// Dirty reports whether work in this scope made it unsafe to transparently
	// rewind and replay.
	Dirty() bool
	MarkDirty()

	// Written reports whether this scope itself was directly written to.
	Written() bool
	MarkWritten()

	// WrittenIndirectly reports whether a nested scope that committed into
	// this one had been written to.
	WrittenIndirectly() bool
	MarkWrittenIndirectly()

	// RunCommitCallbacks reports whether this scope dispatches record
	// callbacks itself rather than forwarding them to an enclosing scope.
	RunCommitCallbacks() bool

	Open() bool
	Closed() bool

	// AddRecord enlists a domain object. With ensureFinalize false the
	// reference goes into a deferred side table that is drained into the
	// strong list on the first Records call.
	AddRecord(record Record, ensureFinalize bool)

	// Records returns the enlisted records, draining the deferred side table
	// exactly once.
	Records() []Record

	BeforeCommitRecords() error
	CommitRecords() error
	RollbackRecords() error
}

// transaction carries the bookkeeping shared by the open variants.
type transaction struct {
	conn               Conn
	state              *State
	isolation          IsolationLevel
	joinable           bool
	runCommitCallbacks bool
	fullRollback       bool
	materialized       bool
	dirty              bool
	written            bool
	writtenIndirectly  bool

	records []Record

	// Deferred enlistments (AddRecord with ensureFinalize false), drained into
	// records on the first Records call. deferredSet deduplicates instances the
	// way a weak map keyed by identity would.
	deferred    []Record
	deferredSet map[Record]struct{}
}

func newTransaction(conn Conn, isolation IsolationLevel, joinable, runCommitCallbacks, fullRollback bool) transaction {
	return transaction{
		conn:               conn,
		state:              NewState(),
		isolation:          isolation,
		joinable:           joinable,
		runCommitCallbacks: runCommitCallbacks,
		fullRollback:       fullRollback,
	}
}

func (t *transaction) State() *State             { return t.state }
func (t *transaction) Isolation() IsolationLevel { return t.isolation }
func (t *transaction) Joinable() bool            { return t.joinable }
func (t *transaction) RunCommitCallbacks() bool  { return t.runCommitCallbacks }
func (t *transaction) FullRollback() bool        { return t.fullRollback }
func (t *transaction) Open() bool                { return true }
func (t *transaction) Closed() bool              { return false }

func (t *transaction) Materialized() bool { return t.materialized }

func (t *transaction) Restore() { t.materialized = false }

func (t *transaction) Dirty() bool { return t.dirty }
func (t *transaction) MarkDirty()  { t.dirty = true }

func (t *transaction) Restartable() bool { return t.joinable && !t.dirty }

func (t *transaction) Written() bool { return t.written }
func (t *transaction) MarkWritten() { t.written = true }

func (t *transaction) WrittenIndirectly() bool { return t.writtenIndirectly }
func (t *transaction) MarkWrittenIndirectly()  { t.writtenIndirectly = true }

func (t *transaction) AddRecord(record Record, ensureFinalize bool) {
	if record == nil {
		return
	}
	if ensureFinalize {
		t.records = append(t.records, record)
		return
	}
	if t.deferredSet == nil {
		t.deferredSet = make(map[Record]struct{})
	}
	if _, dup := t.deferredSet[record]; dup {
		return
	}
	t.deferredSet[record] = struct{}{}
	t.deferred = append(t.deferred, record)
}

func (t *transaction) Records() []Record {
	if t.deferredSet != nil {
		t.records = append(t.records, t.deferred...)
		t.deferred = nil
		t.deferredSet = nil
	}
	return t.records
}

func (t *transaction) BeforeCommitRecords() error {
	records := t.Records()
	if len(records) == 0 || !t.runCommitCallbacks {
		return nil
	}
	for _, record := range uniqueRecords(records) {
		if err := record.BeforeCommitted(); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) CommitRecords() error {
	records := uniqueRecords(t.Records())
	if len(records) == 0 {
		return nil
	}
	if !t.runCommitCallbacks {
		// An enclosing scope will resolve for real; hand every record up once.
		for _, record := range records {
			t.conn.AddTransactionRecord(record)
		}
		return nil
	}
	instances := callbackInstances(records)
	for _, record := range records {
		if err := record.Committed(instances[record.Key()] == record); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) RollbackRecords() error {
	records := uniqueRecords(t.Records())
	if len(records) == 0 {
		return nil
	}
	instances := callbackInstances(records)
	for _, record := range records {
		if err := record.RolledBack(t.fullRollback, instances[record.Key()] == record); err != nil {
			return err
		}
	}
	return nil
}

// RealTransaction is the outermost transaction, backed by a physical database
// transaction.
type RealTransaction struct {
	transaction
}

func newRealTransaction(conn Conn, isolation IsolationLevel, joinable, runCommitCallbacks bool) *RealTransaction {
	return &RealTransaction{
		transaction: newTransaction(conn, isolation, joinable, runCommitCallbacks, true),
	}
}

// Materialize issues a plain or isolation-level begin, at most once.
func (t *RealTransaction) Materialize(ctx context.Context) error {
	if t.materialized {
		return nil
	}
	var err error
	if t.isolation != "" {
		err = t.conn.BeginIsolatedDBTransaction(ctx, t.isolation)
	} else {
		err = t.conn.BeginDBTransaction(ctx)
	}
	if err != nil {
		return err
	}
	t.materialized = true
	return nil
}

// Restart rewinds the physical transaction to right after its begin, reusing it
// for a new logical scope. Drivers without in-place restart roll back and begin
// again.
func (t *RealTransaction) Restart(ctx context.Context) error {
	if !t.materialized {
		return nil
	}
	t.state.Nullify()
	if t.conn.SupportsRestartDBTransaction() {
		return t.conn.RestartDBTransaction(ctx)
	}
	if err := t.conn.RollbackDBTransaction(ctx); err != nil {
		return err
	}
	t.materialized = false
	return t.Materialize(ctx)
}

func (t *RealTransaction) Commit(ctx context.Context) error {
	if t.materialized {
		if err := t.conn.CommitDBTransaction(ctx); err != nil {
			return err
		}
	}
	t.state.FullCommit()
	return nil
}

func (t *RealTransaction) Rollback(ctx context.Context) error {
	if t.materialized {
		if err := t.conn.RollbackDBTransaction(ctx); err != nil {
			return err
		}
	}
	t.state.FullRollback()
	return nil
}

// SavepointTransaction is a nested transaction backed by a named savepoint
// inside an ancestor's physical transaction.
type SavepointTransaction struct {
	transaction
	savepointName string
}

func newSavepointTransaction(conn Conn, savepointName string, parentState *State, isolation IsolationLevel, joinable, runCommitCallbacks bool) (*SavepointTransaction, error) {
	if isolation != "" {
		return nil, ErrIsolationUnsupported
	}
	t := &SavepointTransaction{
		transaction:   newTransaction(conn, "", joinable, runCommitCallbacks, false),
		savepointName: savepointName,
	}
	if parentState != nil {
		parentState.AddChild(t.state)
	}
	return t, nil
}

// SavepointName returns the generated name of the underlying savepoint.
func (t *SavepointTransaction) SavepointName() string { return t.savepointName }

func (t *SavepointTransaction) Materialize(ctx context.Context) error {
	if t.materialized {
		return nil
	}
	if err := t.conn.CreateSavepoint(ctx, t.savepointName); err != nil {
		return err
	}
	t.materialized = true
	return nil
}

func (t *SavepointTransaction) Restart(ctx context.Context) error {
	if !t.materialized {
		return nil
	}
	return t.conn.RollbackToSavepoint(ctx, t.savepointName)
}

// Rollback rewinds to the savepoint unless an ancestor rollback already
// invalidated this scope, in which case the savepoint may no longer exist and
// only the logical outcome is recorded.
func (t *SavepointTransaction) Rollback(ctx context.Context) error {
	if !t.state.Invalidated() && t.materialized {
		if err := t.conn.RollbackToSavepoint(ctx, t.savepointName); err != nil {
			return err
		}
	}
	t.state.Rollback()
	return nil
}

func (t *SavepointTransaction) Commit(ctx context.Context) error {
	if t.materialized {
		if err := t.conn.ReleaseSavepoint(ctx, t.savepointName); err != nil {
			return err
		}
	}
	t.state.Commit()
	return nil
}

// RestartParentTransaction is a nested transaction that opens no physical
// scope of its own. Its parent is clean and joinable, so rolling back this
// scope is equivalent to restarting the parent's physical transaction; a
// savepoint is never created for this nesting level.
type RestartParentTransaction struct {
	transaction
	parent Transaction
}

func newRestartParentTransaction(conn Conn, parent Transaction, joinable, runCommitCallbacks bool) *RestartParentTransaction {
	t := &RestartParentTransaction{
		transaction: newTransaction(conn, "", joinable, runCommitCallbacks, false),
		parent:      parent,
	}
	if parentState := parent.State(); parentState != nil {
		parentState.AddChild(t.state)
	}
	return t
}

func (t *RestartParentTransaction) Materialize(ctx context.Context) error {
	return t.parent.Materialize(ctx)
}

func (t *RestartParentTransaction) Materialized() bool {
	return t.parent.Materialized()
}

func (t *RestartParentTransaction) Restart(ctx context.Context) error {
	return t.parent.Restart(ctx)
}

func (t *RestartParentTransaction) Rollback(ctx context.Context) error {
	t.state.Rollback()
	return t.parent.Restart(ctx)
}

// Commit records the logical outcome only: nothing physical was opened for
// this scope, so there is nothing physical to resolve.
func (t *RestartParentTransaction) Commit(context.Context) error {
	t.state.Commit()
	return nil
}

// NullTransaction is the stateless sentinel returned as the current transaction
// when the stack is empty, sparing call sites nil checks.
type NullTransaction struct{}

func (NullTransaction) Materialize(context.Context) error { return nil }
func (NullTransaction) Materialized() bool                { return false }
func (NullTransaction) Commit(context.Context) error      { return nil }
func (NullTransaction) Rollback(context.Context) error    { return nil }
func (NullTransaction) Restart(context.Context) error     { return nil }
func (NullTransaction) Restore()                          {}
func (NullTransaction) FullRollback() bool                { return false }
func (NullTransaction) State() *State                     { return nil }
func (NullTransaction) Isolation() IsolationLevel         { return "" }
func (NullTransaction) Joinable() bool                    { return false }
func (NullTransaction) Restartable() bool                 { return false }
func (NullTransaction) Dirty() bool                       { return false }
func (NullTransaction) MarkDirty()                        {}
func (NullTransaction) Written() bool                     { return false }
func (NullTransaction) MarkWritten()                      {}
func (NullTransaction) WrittenIndirectly() bool           { return false }
func (NullTransaction) MarkWrittenIndirectly()            {}
func (NullTransaction) RunCommitCallbacks() bool          { return false }
func (NullTransaction) Open() bool                        { return false }
func (NullTransaction) Closed() bool                      { return true }
func (NullTransaction) AddRecord(Record, bool)            {}
func (NullTransaction) Records() []Record                 { return nil }
func (NullTransaction) BeforeCommitRecords() error        { return nil }
func (NullTransaction) CommitRecords() error              { return nil }
func (NullTransaction) RollbackRecords() error            { return nil }

// Ensure every variant implements the contract.
var (
	_ Transaction = (*RealTransaction)(nil)
	_ Transaction = (*SavepointTransaction)(nil)
	_ Transaction = (*RestartParentTransaction)(nil)
	_ Transaction = NullTransaction{}
)
