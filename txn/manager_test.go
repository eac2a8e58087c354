package txn

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-txstack/logger"
)

func newTestManager(conn *stubConn, opts ManagerOptions) *Manager {
	return NewManager(conn, logger.New("error", false), opts)
}

func TestBeginTransactionChoosesVariant(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	outer, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.IsType(t, &RealTransaction{}, outer)

	nested, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.IsType(t, &RestartParentTransaction{}, nested, "immediate parent is joinable and clean")

	nested.MarkDirty()
	deeper, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.IsType(t, &SavepointTransaction{}, deeper)
	assert.Equal(t, "txstack_2", deeper.(*SavepointTransaction).SavepointName())
	assert.Equal(t, 3, m.OpenTransactions())
}

func TestBeginTransactionNonJoinableForcesNesting(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	wrapper, err := m.BeginTransaction(ctx, TxOptions{Joinable: false})
	require.NoError(t, err)
	assert.False(t, wrapper.Joinable())
	assert.False(t, wrapper.Restartable())
	assert.True(t, wrapper.RunCommitCallbacks(), "outermost scope defers to nothing above it")

	inner, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.IsType(t, &SavepointTransaction{}, inner)
	assert.True(t, inner.RunCommitCallbacks(), "a scope inside a non-joinable wrapper runs its own callbacks")
}

func TestBeginTransactionRejectsNestedIsolation(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)

	_, err = m.BeginTransaction(ctx, TxOptions{Isolation: IsolationSerializable, Joinable: true})
	assert.ErrorIs(t, err, ErrIsolationUnsupported)

	m.DirtyCurrentTransaction()
	_, err = m.BeginTransaction(ctx, TxOptions{Isolation: IsolationSerializable, Joinable: true})
	assert.ErrorIs(t, err, ErrIsolationUnsupported)
}

func TestLazyTransactionDefersPhysicalBegin(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	tx, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.Empty(t, conn.calls, "no physical begin until materialization")
	assert.False(t, tx.Materialized())

	require.NoError(t, m.MaterializeTransactions(ctx))
	assert.Equal(t, []string{"begin"}, conn.calls)
	assert.True(t, tx.Materialized())
	assert.True(t, tx.Dirty(), "materialization admits a write is imminent")

	// Idempotent once everything is materialized.
	require.NoError(t, m.MaterializeTransactions(ctx))
	assert.Equal(t, []string{"begin"}, conn.calls)
}

func TestDisableLazyTransactionsForcesMaterialization(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.Empty(t, conn.calls)

	require.NoError(t, m.DisableLazyTransactions(ctx))
	assert.Equal(t, []string{"begin"}, conn.calls)
	assert.False(t, m.LazyTransactionsEnabled())

	// Subsequent begins are immediate while laziness is off.
	_, err = m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.Len(t, conn.calls, 2)
}

func TestLazyRequiresDriverSupport(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"begin"}, conn.calls)
}

func TestRestoreTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses when any entry is dirty", func(t *testing.T) {
		conn := newStubConn()
		conn.supportsLazy = false
		m := newTestManager(conn, ManagerOptions{})

		tx, err := m.BeginTransaction(ctx, DefaultTxOptions())
		require.NoError(t, err)
		tx.MarkDirty()

		assert.False(t, m.Restorable())
		ok, err := m.RestoreTransactions(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, tx.Materialized(), "no mutation on refusal")
	})

	t.Run("marks entries unmaterialized and replays lazily", func(t *testing.T) {
		conn := newStubConn()
		m := newTestManager(conn, ManagerOptions{})

		tx, err := m.BeginTransaction(ctx, TxOptions{Joinable: true, Lazy: false})
		require.NoError(t, err)
		require.True(t, tx.Materialized())

		ok, err := m.RestoreTransactions(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, tx.Materialized())
		assert.Equal(t, []string{"begin"}, conn.calls, "replay deferred while laziness is on")

		require.NoError(t, m.MaterializeTransactions(ctx))
		assert.Equal(t, []string{"begin", "begin"}, conn.calls)
	})

	t.Run("replays immediately when laziness is disabled", func(t *testing.T) {
		conn := newStubConn()
		conn.supportsLazy = false
		m := newTestManager(conn, ManagerOptions{DisableLazy: true})

		tx, err := m.BeginTransaction(ctx, DefaultTxOptions())
		require.NoError(t, err)

		ok, err := m.RestoreTransactions(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, tx.Materialized())
		assert.Equal(t, []string{"begin", "begin"}, conn.calls)
	})
}

func TestCommitTransactionPropagatesDirtyAndWrites(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	outer, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	nested, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)

	nested.MarkDirty()
	nested.MarkWritten()
	require.NoError(t, m.CommitTransaction(ctx))

	assert.True(t, outer.Dirty(), "dirtiness propagates upward")
	assert.True(t, outer.WrittenIndirectly())
	assert.False(t, outer.Written())
	assert.Equal(t, 1, m.OpenTransactions())
}

func TestCommitTransactionForwardsRecordsToParentScope(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	nested, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	require.False(t, nested.RunCommitCallbacks())

	record := newStubRecord("orders", "1")
	nested.AddRecord(record, true)
	nested.AddRecord(record, true)

	require.NoError(t, m.CommitTransaction(ctx))

	assert.Empty(t, record.commits, "no direct callbacks from a deferring scope")
	assert.Equal(t, []Record{record}, conn.forwarded)
}

func TestCommitTransactionPopsEvenWhenBeforeCommitFails(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)

	record := newStubRecord("orders", "1")
	record.err = assert.AnError
	m.CurrentTransaction().AddRecord(record, true)

	err = m.CommitTransaction(ctx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, m.OpenTransactions(), "transaction is popped regardless")
}

func TestCommitAndRollbackOnEmptyStack(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	assert.ErrorIs(t, m.CommitTransaction(ctx), ErrNoOpenTransaction)
	assert.ErrorIs(t, m.RollbackTransaction(ctx, nil), ErrNoOpenTransaction)
}

func TestWithinNewTransactionCommitsOnNormalReturn(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	var tx Transaction
	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(ctx context.Context) error {
		tx = m.CurrentTransaction()
		if err := m.MaterializeTransactions(ctx); err != nil {
			return err
		}
		tx.MarkWritten()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "commit"}, conn.calls)
	assert.True(t, tx.State().FullyCommitted())
	assert.Zero(t, m.OpenTransactions())
}

func TestWithinNewTransactionRollsBackOnEarlyExitWithWrites(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(ctx context.Context) error {
		if err := m.MaterializeTransactions(ctx); err != nil {
			return err
		}
		m.CurrentTransaction().MarkWritten()
		return ErrEarlyExit
	})

	require.NoError(t, err, "early exit is not an error for the caller")
	assert.Equal(t, []string{"begin", "rollback"}, conn.calls)
}

func TestWithinNewTransactionRollsBackSilentEarlyExit(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()

	var warned int
	m := newTestManager(conn, ManagerOptions{OnSilentRollback: func(Transaction) { warned++ }})

	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		return ErrEarlyExit
	})

	require.NoError(t, err)
	assert.Equal(t, 1, warned)
	assert.Empty(t, conn.calls, "nothing was materialized, nothing physical to undo")
}

func TestWithinNewTransactionCommitsEarlyExitWithIndirectWrites(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(ctx context.Context) error {
		m.CurrentTransaction().MarkWrittenIndirectly()
		return ErrEarlyExit
	})

	require.NoError(t, err)
	assert.NotContains(t, conn.calls, "rollback")
}

func TestWithinNewTransactionRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	boom := fmt.Errorf("insert failed: %w", assert.AnError)
	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(ctx context.Context) error {
		if err := m.MaterializeTransactions(ctx); err != nil {
			return err
		}
		return boom
	})

	assert.Equal(t, boom, err, "the original error surfaces unchanged")
	assert.Equal(t, []string{"begin", "rollback"}, conn.calls)
	assert.False(t, conn.thrownAway)
}

func TestWithinNewTransactionInvalidatesOnRollbackError(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	conn.savepointErrsInvalidate = true
	m := newTestManager(conn, ManagerOptions{})

	outer, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)
	outer.MarkDirty() // force a savepoint for the nested scope

	deadlock := fmt.Errorf("deadlock detected: %w", ErrTransactionRollback)
	var nested Transaction
	err = m.WithinNewTransaction(ctx, TxOptions{Joinable: true, Lazy: false}, func(context.Context) error {
		nested = m.CurrentTransaction()
		return deadlock
	})

	assert.Equal(t, deadlock, err)
	assert.True(t, nested.State().RolledBack())
	assert.NotContains(t, conn.calls, "rollback_to:txstack_1",
		"an invalidated savepoint is never rolled back to")
	assert.False(t, conn.thrownAway, "state shows rolled back, so the connection survives")
}

func TestWithinNewTransactionDiscardsConnWhenRollbackFails(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	conn.failOn["rollback"] = assert.AnError
	m := newTestManager(conn, ManagerOptions{})

	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		return fmt.Errorf("work failed: %w", assert.AnError)
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, conn.thrownAway, "a half-resolved transaction must never re-enter the pool")
}

func TestWithinNewTransactionClearsCacheOnExpiredStatements(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	expired := fmt.Errorf("cached plan must not change result type: %w", ErrPreparedStatementCacheExpired)
	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		return expired
	})

	assert.Equal(t, expired, err)
	assert.True(t, conn.cacheCleared)
}

func TestWithinNewTransactionCompensatesFailedCommit(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	conn.failOn["commit"] = assert.AnError
	m := newTestManager(conn, ManagerOptions{})

	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		return nil
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"begin", "commit", "rollback"}, conn.calls,
		"exactly one compensating rollback")
	assert.Zero(t, m.OpenTransactions())
}

func TestWithinNewTransactionSkipsCompensationWhenCompleted(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	// The physical commit succeeds; the failure comes from a record callback
	// afterwards, when the state is already terminal.
	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		record := newStubRecord("orders", "1")
		record.err = assert.AnError
		m.CurrentTransaction().AddRecord(record, true)
		return nil
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"begin", "commit"}, conn.calls, "no rollback after a completed commit")
}

func TestWithinNewTransactionRollsBackWhenContextAborted(t *testing.T) {
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	err := m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"begin", "rollback"}, conn.calls)
}

func TestWithinNewTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	require.Panics(t, func() {
		_ = m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
			panic("boom")
		})
	})

	assert.Equal(t, []string{"begin", "rollback"}, conn.calls)
	assert.Zero(t, m.OpenTransactions())
}

func TestWithinNewTransactionNestedRestartOptimization(t *testing.T) {
	ctx := context.Background()
	conn := newStubConn()
	conn.supportsLazy = false
	m := newTestManager(conn, ManagerOptions{})

	_, err := m.BeginTransaction(ctx, DefaultTxOptions())
	require.NoError(t, err)

	err = m.WithinNewTransaction(ctx, DefaultTxOptions(), func(context.Context) error {
		assert.IsType(t, &RestartParentTransaction{}, m.CurrentTransaction())
		return fmt.Errorf("nested failure: %w", assert.AnError)
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, conn.calls, "restart", "nested rollback restarts the parent")
	for _, call := range conn.calls {
		assert.NotContains(t, call, "savepoint", "no savepoint ever existed for this nesting level")
	}
}

func TestCurrentTransactionSentinelWhenStackEmpty(t *testing.T) {
	conn := newStubConn()
	m := newTestManager(conn, ManagerOptions{})

	assert.IsType(t, NullTransaction{}, m.CurrentTransaction())
	assert.True(t, m.CurrentTransaction().Closed())
	assert.True(t, m.Restorable(), "an empty stack is trivially restorable")
}
