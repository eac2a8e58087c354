// Package postgresql implements the coordinator's driver collaborator on top
// of a single dedicated PostgreSQL session, using pgx through database/sql.
// Transaction control is issued as literal statements so the coordinator stays
// in charge of when BEGIN actually happens.
package postgresql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/gaborage/go-txstack/config"
	"github.com/gaborage/go-txstack/logger"
	"github.com/gaborage/go-txstack/txn"
)

// Connection implements txn.Conn for PostgreSQL. It owns one session pinned
// out of the pool; the transaction stack of that session is managed by the
// bound txn.Manager.
type Connection struct {
	db      *sql.DB
	sess    *sql.Conn
	lock    sync.Mutex
	config  *config.Config
	logger  logger.Logger
	manager *txn.Manager

	stmtMu     sync.Mutex
	stmts      map[string]*sql.Stmt
	thrownAway bool
}

var (
	openPostgresDB = func(cfg *pgx.ConnConfig) *sql.DB {
		return stdlib.OpenDB(*cfg)
	}
	pingPostgresDB = func(ctx context.Context, db *sql.DB) error {
		return db.PingContext(ctx)
	}
)

// quoteDSN quotes a DSN value according to libpq rules:
// - Returns double single quotes for empty strings (empty value)
// - Escapes backslashes and single quotes
// - Wraps in single quotes when value contains non-alphanumeric/._- characters
func quoteDSN(value string) string {
	if value == "" {
		return "''"
	}

	needsQuoting := false
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') && r != '.' && r != '_' && r != '-' {
			needsQuoting = true
			break
		}
	}

	if !needsQuoting {
		return value
	}

	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")

	return "'" + escaped + "'"
}

// quoteIdent double-quotes an identifier for interpolation into SAVEPOINT
// statements.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NewConnection opens a PostgreSQL connection, pins one session out of the
// pool, and binds a transaction manager to it.
func NewConnection(cfg *config.Config, log logger.Logger) (*Connection, error) {
	dbCfg := &cfg.Database

	var dsn string
	if dbCfg.ConnectionString != "" {
		dsn = dbCfg.ConnectionString
	} else {
		parts := []string{
			fmt.Sprintf("host=%s", quoteDSN(dbCfg.Host)),
			fmt.Sprintf("port=%d", dbCfg.Port),
			fmt.Sprintf("user=%s", quoteDSN(dbCfg.Username)),
			fmt.Sprintf("password=%s", quoteDSN(dbCfg.Password)),
			fmt.Sprintf("dbname=%s", quoteDSN(dbCfg.Database)),
		}

		if dbCfg.SSLMode != "" {
			parts = append(parts, fmt.Sprintf("sslmode=%s", dbCfg.SSLMode))
		}

		dsn = strings.Join(parts, " ")
	}

	pgxConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	db := openPostgresDB(pgxConfig)

	timeout := dbCfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pingPostgresDB(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close PostgreSQL database after ping failure")
		}
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	sess, err := db.Conn(ctx)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close PostgreSQL database after session acquisition failure")
		}
		return nil, fmt.Errorf("failed to pin PostgreSQL session: %w", err)
	}

	c := &Connection{
		db:     db,
		sess:   sess,
		config: cfg,
		logger: log,
		stmts:  make(map[string]*sql.Stmt),
	}
	c.manager = txn.NewManager(c, log, txn.ManagerOptions{
		SavepointPrefix: cfg.Transaction.SavepointPrefix,
		DisableLazy:     !cfg.Transaction.Lazy,
	})

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("Connected to PostgreSQL database")

	return c, nil
}

// Transactions returns the transaction manager bound to this connection.
func (c *Connection) Transactions() *txn.Manager {
	return c.manager
}

// classify wraps vendor errors with the coordinator's sentinel categories.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		// Serialization failure and deadlock both void the transaction.
		return fmt.Errorf("%v: %w", err, txn.ErrTransactionRollback)
	case "0A000":
		if strings.Contains(pgErr.Message, "cached plan") {
			return fmt.Errorf("%v: %w", err, txn.ErrPreparedStatementCacheExpired)
		}
	}
	return err
}

func (c *Connection) control(ctx context.Context, statement string) error {
	_, err := c.sess.ExecContext(ctx, statement)
	if err != nil {
		return classify(fmt.Errorf("%s: %w", statement, err))
	}
	return nil
}

// Lock returns the exclusive lock guarding this session's transaction stack.
func (c *Connection) Lock() sync.Locker {
	return &c.lock
}

// BeginDBTransaction opens a real transaction on the pinned session.
func (c *Connection) BeginDBTransaction(ctx context.Context) error {
	return c.control(ctx, "BEGIN")
}

// BeginIsolatedDBTransaction opens a real transaction at the given isolation level.
func (c *Connection) BeginIsolatedDBTransaction(ctx context.Context, level txn.IsolationLevel) error {
	sqlLevel, err := isolationSQL(level)
	if err != nil {
		return err
	}
	return c.control(ctx, "BEGIN ISOLATION LEVEL "+sqlLevel)
}

func isolationSQL(level txn.IsolationLevel) (string, error) {
	switch level {
	case txn.IsolationReadUncommitted:
		return "READ UNCOMMITTED", nil
	case txn.IsolationReadCommitted:
		return "READ COMMITTED", nil
	case txn.IsolationRepeatableRead:
		return "REPEATABLE READ", nil
	case txn.IsolationSerializable:
		return "SERIALIZABLE", nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", level)
	}
}

// CommitDBTransaction commits the open transaction.
func (c *Connection) CommitDBTransaction(ctx context.Context) error {
	return c.control(ctx, "COMMIT")
}

// RollbackDBTransaction rolls back the open transaction.
func (c *Connection) RollbackDBTransaction(ctx context.Context) error {
	return c.control(ctx, "ROLLBACK")
}

// CreateSavepoint establishes a named savepoint.
func (c *Connection) CreateSavepoint(ctx context.Context, name string) error {
	return c.control(ctx, "SAVEPOINT "+quoteIdent(name))
}

// ReleaseSavepoint releases a named savepoint.
func (c *Connection) ReleaseSavepoint(ctx context.Context, name string) error {
	return c.control(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
}

// RollbackToSavepoint rewinds the open transaction to a named savepoint.
func (c *Connection) RollbackToSavepoint(ctx context.Context, name string) error {
	return c.control(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
}

// RestartDBTransaction rewinds the open transaction in place. PostgreSQL 12+
// keeps the transaction characteristics with ROLLBACK AND CHAIN.
func (c *Connection) RestartDBTransaction(ctx context.Context) error {
	return c.control(ctx, "ROLLBACK AND CHAIN")
}

// SupportsRestartDBTransaction reports in-place restart support.
func (c *Connection) SupportsRestartDBTransaction() bool { return true }

// SupportsLazyTransactions reports that BEGIN may be deferred.
func (c *Connection) SupportsLazyTransactions() bool { return true }

// SavepointErrorsInvalidateTransactions reports that a failed statement aborts
// every enclosing savepoint on PostgreSQL.
func (c *Connection) SavepointErrorsInvalidateTransactions() bool { return true }

// ClearCache closes and drops every cached prepared statement.
func (c *Connection) ClearCache() {
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	for query, stmt := range c.stmts {
		if err := stmt.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close cached prepared statement")
		}
		delete(c.stmts, query)
	}
}

// ThrowAway marks the connection unusable and severs the pinned session. The
// session's socket is closed rather than returned to the pool, since its
// transaction state is unknown.
func (c *Connection) ThrowAway() {
	c.stmtMu.Lock()
	already := c.thrownAway
	c.thrownAway = true
	c.stmtMu.Unlock()
	if already {
		return
	}
	c.logger.Warn().Msg("Discarding PostgreSQL session with unresolved transaction state")
	c.ClearCache()
	// Raw returning ErrBadConn forces database/sql to discard the underlying
	// driver connection instead of pooling it.
	_ = c.sess.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.sess.Close()
}

// ThrownAway reports whether the session was discarded.
func (c *Connection) ThrownAway() bool {
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	return c.thrownAway
}

// AddTransactionRecord forwards a resolving record to the transaction that is
// now current, used when the resolved scope defers its callbacks to an
// enclosing one.
func (c *Connection) AddTransactionRecord(record txn.Record) {
	c.manager.CurrentTransaction().AddRecord(record, true)
}

// Exec runs a write on the pinned session. Deferred transactions are
// materialized first and the current transaction is marked written.
func (c *Connection) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.manager.MaterializeTransactions(ctx); err != nil {
		return nil, err
	}
	res, err := c.sess.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	c.manager.CurrentTransaction().MarkWritten()
	return res, nil
}

// Query runs a read on the pinned session. Reads still materialize deferred
// transactions: they must observe the transaction's snapshot.
func (c *Connection) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.manager.MaterializeTransactions(ctx); err != nil {
		return nil, err
	}
	rows, err := c.sess.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// QueryRow runs a single-row read on the pinned session.
func (c *Connection) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if err := c.manager.MaterializeTransactions(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to materialize transactions before query")
	}
	return c.sess.QueryRowContext(ctx, query, args...)
}

// Prepare returns a cached prepared statement for the query, preparing it on
// first use.
func (c *Connection) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	c.stmtMu.Lock()
	if stmt, ok := c.stmts[query]; ok {
		c.stmtMu.Unlock()
		return stmt, nil
	}
	c.stmtMu.Unlock()

	stmt, err := c.sess.PrepareContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}

	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	if cached, ok := c.stmts[query]; ok {
		_ = stmt.Close()
		return cached, nil
	}
	c.stmts[query] = stmt
	return stmt, nil
}

// Health checks connectivity of the pinned session.
func (c *Connection) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.sess.PingContext(ctx)
}

// Close releases the pinned session and the pool.
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing PostgreSQL database connection")
	c.ClearCache()
	if err := c.sess.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		_ = c.db.Close()
		return err
	}
	return c.db.Close()
}

// Ensure Connection satisfies the coordinator's driver contract.
var _ txn.Conn = (*Connection)(nil)
