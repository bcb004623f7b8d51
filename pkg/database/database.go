package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// DB wraps sqlx.DB with additional functionality
type DB struct {
	*sqlx.DB
	logger *logger.Logger
	retry  RetryPolicy
}

// RetryPolicy bounds how often a transaction is re-run after a
// serialization failure or deadlock.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Initial:     20 * time.Millisecond,
	Max:         500 * time.Millisecond,
}

// New creates a new database connection
func New(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &DB{
		DB:     db,
		logger: log,
		retry: RetryPolicy{
			MaxAttempts: cfg.TxMaxAttempts,
			Initial:     cfg.TxBackoffInitial,
			Max:         cfg.TxBackoffMax,
		},
	}, nil
}

// NewWithDSN creates a new database connection with a DSN string
func NewWithDSN(dsn string, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return Wrap(db, log), nil
}

// Wrap adopts an existing connection with the default retry policy.
func Wrap(db *sqlx.DB, log *logger.Logger) *DB {
	return &DB{
		DB:     db,
		logger: log,
		retry:  DefaultRetryPolicy,
	}
}

// WithRetryPolicy returns a copy of db whose transactions retry with p.
func (db *DB) WithRetryPolicy(p RetryPolicy) *DB {
	cp := *db
	cp.retry = p
	return &cp
}

// Ping checks the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"status": "up",
	}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}

	return status
}

// Transaction runs fn in a READ COMMITTED transaction. Callers serialise
// conflicting work with explicit row locks; every statement after a lock
// wait sees the rows its predecessor committed. Deadlocks and serialization
// failures re-run fn in a fresh transaction with exponential backoff; once
// the policy is exhausted the caller gets a TransientConflict.
//
// ctx is only honoured between attempts. A started transaction always runs
// to commit or rollback.
func (db *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	attempts := db.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = db.retry.Initial
	exp.MaxInterval = db.retry.Max
	exp.MaxElapsedTime = 0

	txCtx := context.WithoutCancel(ctx)
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		err := db.runTx(txCtx, opts, fn)
		if err == nil || IsSerializationFailure(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		db.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("transaction conflict, retrying")
	}

	// WithMaxRetries treats zero as unlimited.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		b = backoff.WithMaxRetries(exp, uint64(attempts-1))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && IsSerializationFailure(err) {
		db.logger.Warn().Err(err).Int("attempts", attempt).Msg("transaction gave up")
		return errors.TransientConflict(attempt)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error().Err(rbErr).Msg("failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
