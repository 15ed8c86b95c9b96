// Package campus holds the campus business services (accounts, campus
// cards, the shop) and the RPC route table exposing them.
package campus

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/cyberinferno/campusrpc/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrConditionFailed is returned by ConditionalDecrement and
// ConditionalIncrement when no row satisfied the guard, i.e. the counter
// would have left its range or the row does not exist.
var ErrConditionFailed = errors.New("condition failed")

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// StoreConfig selects and tunes the database.
type StoreConfig struct {
	Driver        string
	DSN           string
	MaxOpenConns  int
	RetryAttempts uint64
	RetryInterval time.Duration
}

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store owns the database handle. Every business operation runs inside
// exactly one InTx call.
type Store struct {
	db      *sql.DB
	dialect goose.Dialect
	logger  logger.Logger
}

// Open connects to the configured database, retrying with exponential
// backoff until it answers a ping.
//
// Parameters:
//   - ctx: Bounds the connection attempts
//   - cfg: Driver, DSN and pool settings
//   - log: Logger for connection and migration events
//
// Returns:
//   - The store; call Migrate before serving requests
//   - An error for an unknown driver or an unreachable database
func Open(ctx context.Context, cfg StoreConfig, log logger.Logger) (*Store, error) {
	var dialect goose.Dialect
	switch cfg.Driver {
	case DriverSQLite:
		dialect = goose.DialectSQLite3
	case DriverPostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	b := backoff.NewExponentialBackOff()
	if cfg.RetryInterval > 0 {
		b.InitialInterval = cfg.RetryInterval
	}

	log = log.With(logger.Field{Key: "component", Value: "store"}, logger.Field{Key: "driver", Value: cfg.Driver})
	ping := func() error { return db.PingContext(ctx) }
	notify := func(err error, next time.Duration) {
		log.Warn("database not ready, retrying", logger.Err(err), logger.Field{Key: "in", Value: next.String()})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, cfg.RetryAttempts), ctx)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, dialect: dialect, logger: log}, nil
}

// SQLiteDSN builds a go-sqlite3 DSN for path with WAL journaling, a busy
// timeout and BEGIN IMMEDIATE transactions so that concurrent writers queue
// instead of failing.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(s.dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, r := range results {
		s.logger.Info("migration applied",
			logger.Field{Key: "version", Value: r.Source.Version},
			logger.Field{Key: "duration", Value: r.Duration.String()},
		)
	}

	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in one transaction. The transaction commits only if fn
// returns nil; an error or a panic rolls back every statement fn executed.
// The panic is re-raised after the rollback.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", logger.Err(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ConditionalDecrement executes a guarded decrement such as
//
//	UPDATE products SET stock = stock - $1 WHERE product_id = $2 AND stock >= $1
//
// and maps zero affected rows to ErrConditionFailed. The guard and the
// subtraction happen in one statement, so concurrent callers can never push
// the counter below zero.
func ConditionalDecrement(ctx context.Context, ex Execer, query string, args ...any) error {
	return execGuarded(ctx, ex, "conditional decrement", query, args...)
}

// ConditionalIncrement is the counterpart for additions that must stay
// within int64, e.g.
//
//	UPDATE cards SET balance = balance + $1 WHERE card_num = $2 AND balance <= $3 - $1
//
// with $3 bound to math.MaxInt64. Zero affected rows is ErrConditionFailed.
func ConditionalIncrement(ctx context.Context, ex Execer, query string, args ...any) error {
	return execGuarded(ctx, ex, "conditional increment", query, args...)
}

func execGuarded(ctx context.Context, ex Execer, op, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if n == 0 {
		return ErrConditionFailed
	}

	return nil
}
