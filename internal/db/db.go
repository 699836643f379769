package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// serializationFailure and deadlockDetected are retried transparently.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

const txRetryAttempts = 3

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse dsn")
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "ping")
	}
	return pool, nil
}

// EnsureSchema applies the embedded schema. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS) so this is safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return pkgerrors.Wrap(err, "apply schema")
}

// DB is the transactional boundary the engine services run inside. The
// concrete implementation retries serialization conflicts; test fakes run the
// function once with a nil transaction.
type DB interface {
	WithSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type PoolDB struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PoolDB {
	return &PoolDB{pool: pool}
}

// WithSerializableTx runs fn inside a serializable transaction, making up to
// txRetryAttempts attempts in total on serialization failure or deadlock. Domain
// errors abort immediately: the transaction rolls back and the error is
// returned untouched.
func (d *PoolDB) WithSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err := d.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return pkgerrors.Wrap(lastErr, "transaction retries exhausted")
}

func (d *PoolDB) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}
	return false
}
