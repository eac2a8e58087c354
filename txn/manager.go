package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gaborage/go-txstack/logger"
)

// TxOptions configures one transactional scope.
type TxOptions struct {
	// Isolation requests an isolation level from the driver. Only valid for
	// the outermost transaction.
	Isolation IsolationLevel

	// Joinable allows new nested work to merge into this scope. A test-harness
	// wrapper sets it false to force true nesting underneath itself.
	Joinable bool

	// Lazy defers the physical begin until the first write, when the driver
	// supports it and laziness is enabled on the manager.
	Lazy bool
}

// DefaultTxOptions returns the options used for ordinary application
// transactions: joinable and lazy, with the driver's default isolation.
func DefaultTxOptions() TxOptions {
	return TxOptions{Joinable: true, Lazy: true}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// SavepointPrefix is prepended to generated savepoint names. Defaults to
	// "txstack".
	SavepointPrefix string

	// DisableLazy turns off lazy materialization regardless of driver support.
	DisableLazy bool

	// OnSilentRollback is invoked when a unit of work exits early without
	// having written anything and its transaction is rolled back rather than
	// committed. Defaults to a warn-level log event.
	OnSilentRollback func(Transaction)
}

// Manager owns the stack of active transactions for one connection. The bottom
// of the stack is the outermost (real) transaction; every other entry is a
// logical nesting level implemented as a savepoint or a restart. All stack
// mutation happens while holding the connection's exclusive lock.
type Manager struct {
	conn Conn
	log  logger.Logger
	id   string

	stack             []Transaction
	hasUnmaterialized bool
	materializing     bool
	lazyEnabled       bool
	savepointPrefix   string
	onSilentRollback  func(Transaction)
}

// NewManager creates a transaction manager for the given connection.
func NewManager(conn Conn, log logger.Logger, opts ManagerOptions) *Manager {
	if opts.SavepointPrefix == "" {
		opts.SavepointPrefix = "txstack"
	}

	m := &Manager{
		conn:             conn,
		log:              log,
		id:               uuid.NewString(),
		lazyEnabled:      !opts.DisableLazy,
		savepointPrefix:  opts.SavepointPrefix,
		onSilentRollback: opts.OnSilentRollback,
	}
	if m.onSilentRollback == nil {
		m.onSilentRollback = func(Transaction) {
			m.log.Warn().
				Str("manager_id", m.id).
				Msg("Transaction block exited early without writes; rolling back instead of committing")
		}
	}
	return m
}

// CurrentTransaction returns the top of the stack, or the null transaction
// when no transaction is open.
func (m *Manager) CurrentTransaction() Transaction {
	return m.currentTransaction()
}

// OpenTransactions returns the current nesting depth.
func (m *Manager) OpenTransactions() int {
	return len(m.stack)
}

// LazyTransactionsEnabled reports whether new transactions may defer their
// physical begin.
func (m *Manager) LazyTransactionsEnabled() bool {
	return m.lazyEnabled
}

func (m *Manager) currentTransaction() Transaction {
	if len(m.stack) == 0 {
		return NullTransaction{}
	}
	return m.stack[len(m.stack)-1]
}

// BeginTransaction pushes a new transaction onto the stack, choosing its
// variant: Real on an empty stack, RestartParent when the current transaction
// is restartable, Savepoint otherwise. The physical begin is deferred when the
// driver supports lazy transactions, laziness is enabled, and the options
// request it.
func (m *Manager) BeginTransaction(ctx context.Context, opts TxOptions) (Transaction, error) {
	m.conn.Lock().Lock()
	defer m.conn.Lock().Unlock()
	return m.beginTransaction(ctx, opts)
}

func (m *Manager) beginTransaction(ctx context.Context, opts TxOptions) (Transaction, error) {
	// A scope nested inside a non-joinable one must run its own callbacks:
	// the enclosing scope will never really commit.
	runCommitCallbacks := !m.currentTransaction().Joinable()

	var tx Transaction
	switch {
	case len(m.stack) == 0:
		tx = newRealTransaction(m.conn, opts.Isolation, opts.Joinable, runCommitCallbacks)
	case m.currentTransaction().Restartable():
		if opts.Isolation != "" {
			return nil, ErrIsolationUnsupported
		}
		tx = newRestartParentTransaction(m.conn, m.currentTransaction(), opts.Joinable, runCommitCallbacks)
	default:
		name := fmt.Sprintf("%s_%d", m.savepointPrefix, len(m.stack))
		savepoint, err := newSavepointTransaction(m.conn, name, m.currentTransaction().State(), opts.Isolation, opts.Joinable, runCommitCallbacks)
		if err != nil {
			return nil, err
		}
		tx = savepoint
	}

	if m.conn.SupportsLazyTransactions() && m.lazyEnabled && opts.Lazy {
		m.hasUnmaterialized = true
	} else if err := tx.Materialize(ctx); err != nil {
		return nil, err
	}

	m.stack = append(m.stack, tx)

	m.log.Debug().
		Str("manager_id", m.id).
		Str("variant", fmt.Sprintf("%T", tx)).
		Int("depth", len(m.stack)).
		Msg("Began transaction")

	return tx, nil
}

// MaterializeTransactions issues the deferred physical begins for every stack
// entry, bottom to top. The current transaction is marked dirty first:
// materialization is an implicit admission that a write is imminent. The
// materializing flag guards against re-entrant cascades from within the
// physical begin itself.
func (m *Manager) MaterializeTransactions(ctx context.Context) error {
	if m.materializing {
		return nil
	}
	m.currentTransaction().MarkDirty()
	if !m.hasUnmaterialized {
		return nil
	}

	m.conn.Lock().Lock()
	defer m.conn.Lock().Unlock()

	m.materializing = true
	defer func() { m.materializing = false }()

	if err := m.materializeStack(ctx); err != nil {
		return err
	}
	m.hasUnmaterialized = false
	return nil
}

// materializeStack issues the physical begin for every not-yet-materialized
// entry, bottom to top. Caller holds the lock.
func (m *Manager) materializeStack(ctx context.Context) error {
	for _, tx := range m.stack {
		if tx.Materialized() {
			continue
		}
		if err := tx.Materialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DisableLazyTransactions force-materializes everything and stops deferring
// future begins.
func (m *Manager) DisableLazyTransactions(ctx context.Context) error {
	if err := m.MaterializeTransactions(ctx); err != nil {
		return err
	}
	m.lazyEnabled = false
	return nil
}

// EnableLazyTransactions force-materializes everything pending and allows
// future begins to defer again.
func (m *Manager) EnableLazyTransactions(ctx context.Context) error {
	if err := m.MaterializeTransactions(ctx); err != nil {
		return err
	}
	m.lazyEnabled = true
	return nil
}

// DirtyCurrentTransaction marks the top of the stack dirty, disqualifying it
// from the restart optimization until restored.
func (m *Manager) DirtyCurrentTransaction() {
	m.currentTransaction().MarkDirty()
}

// Restorable reports whether the stack could be transparently replayed on a
// fresh connection: true iff no entry is dirty.
func (m *Manager) Restorable() bool {
	for _, tx := range m.stack {
		if tx.Dirty() {
			return false
		}
	}
	return true
}

// RestoreTransactions is used after the underlying connection was returned to
// a pool and handed out again. If the stack is restorable every entry is
// marked un-materialized, to be replayed lazily or, when laziness is disabled,
// immediately. Returns false with no mutation when any entry is dirty; the
// caller must then discard the connection.
func (m *Manager) RestoreTransactions(ctx context.Context) (bool, error) {
	if !m.Restorable() {
		return false, nil
	}

	m.conn.Lock().Lock()
	defer m.conn.Lock().Unlock()

	for _, tx := range m.stack {
		tx.Restore()
	}
	if len(m.stack) > 0 {
		m.hasUnmaterialized = true
	}
	if !m.lazyEnabled {
		if err := m.materializeStack(ctx); err != nil {
			return false, err
		}
		m.hasUnmaterialized = false
	}
	return true, nil
}

// CommitTransaction resolves the top of the stack as successful. Pre-commit
// record callbacks run first; the transaction is popped even when they fail.
// Dirtiness propagates to the new top because the parent's restartability
// assumptions are no longer safe, and write flags propagate so an enclosing
// scope knows it was written to indirectly.
func (m *Manager) CommitTransaction(ctx context.Context) error {
	m.conn.Lock().Lock()
	defer m.conn.Lock().Unlock()
	return m.commitTransaction(ctx)
}

func (m *Manager) commitTransaction(ctx context.Context) error {
	if len(m.stack) == 0 {
		return ErrNoOpenTransaction
	}

	tx := m.stack[len(m.stack)-1]
	beforeErr := tx.BeforeCommitRecords()
	m.stack = m.stack[:len(m.stack)-1]

	if tx.Dirty() {
		m.currentTransaction().MarkDirty()
	}
	if parent := m.currentTransaction(); parent.Open() {
		if tx.Written() || tx.WrittenIndirectly() {
			parent.MarkWrittenIndirectly()
		}
	}

	if beforeErr != nil {
		return beforeErr
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return tx.CommitRecords()
}

// RollbackTransaction resolves a transaction as failed and dispatches rollback
// callbacks. With tx nil the top of the stack is popped; a non-nil tx must be
// one that was already popped, used when its commit failed.
func (m *Manager) RollbackTransaction(ctx context.Context, tx Transaction) error {
	m.conn.Lock().Lock()
	defer m.conn.Lock().Unlock()
	return m.rollbackTransaction(ctx, tx)
}

func (m *Manager) rollbackTransaction(ctx context.Context, tx Transaction) error {
	if tx == nil {
		if len(m.stack) == 0 {
			return ErrNoOpenTransaction
		}
		tx = m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
	}
	if err := tx.Rollback(ctx); err != nil {
		return err
	}
	return tx.RollbackRecords()
}

// WithinNewTransaction begins a transaction, runs the unit of work, and
// resolves the transaction according to how the work exited. Whatever happens
// inside fn, the transaction ends up in a terminal state or the connection is
// discarded before the error re-surfaces.
//
// The outcome of fn is a three-way tag. A nil return is normal fallthrough and
// commits. Returning ErrEarlyExit is an early return: the transaction rolls
// back when it was directly written to or not written at all, and the caller
// sees no error. Any other error is a failure: the transaction rolls back and
// the original error is returned unchanged. A panic in fn rolls back and
// re-panics. A context that is already done when fn returns counts as an
// aborting environment and rolls back.
func (m *Manager) WithinNewTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	tx, err := m.BeginTransaction(ctx, opts)
	if err != nil {
		return err
	}

	var workErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				m.rollbackOrDiscard(ctx, tx, nil)
				panic(p)
			}
		}()
		workErr = fn(ctx)
	}()

	earlyExit := workErr != nil && errors.Is(workErr, ErrEarlyExit)
	if earlyExit {
		workErr = nil
	}

	if workErr != nil {
		if errors.Is(workErr, ErrTransactionRollback) && m.conn.SavepointErrorsInvalidateTransactions() {
			if st := tx.State(); st != nil {
				st.Invalidate()
			}
		}
		m.rollbackOrDiscard(ctx, tx, nil)
		m.afterFailureActions(tx, workErr)
		return workErr
	}

	switch {
	case ctx.Err() != nil:
		// The surrounding execution is being torn down; never commit into it.
		m.rollbackOrDiscard(ctx, tx, nil)
		return ctx.Err()
	case earlyExit && tx.Written():
		return m.rollbackOrDiscard(ctx, tx, nil)
	case earlyExit && !tx.WrittenIndirectly():
		// A scope that wrote nothing should not silently commit either.
		err := m.rollbackOrDiscard(ctx, tx, nil)
		m.onSilentRollback(tx)
		return err
	default:
		if err := m.CommitTransaction(ctx); err != nil {
			if st := tx.State(); st == nil || !st.Completed() {
				// The commit path already popped the transaction.
				m.rollbackOrDiscard(ctx, tx, tx)
			}
			return err
		}
		return nil
	}
}

// rollbackOrDiscard rolls back and, when the rollback itself fails, throws the
// connection away unless the state already shows rolled back. A connection
// left in a half-resolved transaction must never re-enter the pool. popped is
// non-nil when the transaction is no longer on the stack.
func (m *Manager) rollbackOrDiscard(ctx context.Context, tx, popped Transaction) error {
	if err := m.RollbackTransaction(ctx, popped); err != nil {
		if st := tx.State(); st == nil || !st.RolledBack() {
			m.log.Warn().
				Err(err).
				Str("manager_id", m.id).
				Msg("Rollback failed; discarding connection")
			m.conn.ThrowAway()
		}
		return err
	}
	return nil
}

// afterFailureActions performs local cleanup implied by the failure without
// altering the error that surfaces.
func (m *Manager) afterFailureActions(tx Transaction, err error) {
	if _, real := tx.(*RealTransaction); !real {
		return
	}
	if errors.Is(err, ErrPreparedStatementCacheExpired) {
		m.conn.ClearCache()
	}
}
