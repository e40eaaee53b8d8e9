// Package txn is the C5 transaction boundary: it owns the warehouse
// connection pool and is the only place in the loader that opens a
// transaction or executes SQL text. Everything upstream (migration
// planner, load state machine, manifest) deals in statement.Statement
// values and calls into a Conn to run them.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the narrow slice of query surface the rest of the loader is
// allowed to see. It is satisfied by both *pgxpool.Pool and pgx.Tx, so
// the same calling code runs whether or not it's inside Transact.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Runner is the narrow interface the rest of the loader depends on
// instead of *Transactor directly, so every caller can be driven by a
// fake in tests without a real warehouse connection.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error
	Transact(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error
}

// Transactor owns the pgxpool.Pool backing every warehouse connection the
// loader makes. spec.md §5 calls for a small, fixed-size pool: the loader
// runs statements sequentially within a batch, so there is never a need
// for more than a couple of concurrent connections (one for the main
// load, one for the folder monitor's side queries).
type Transactor struct {
	pool *pgxpool.Pool
}

// Connect opens a bounded connection pool against dsn. MaxConns matches
// spec.md §5's resource model: one connection for the load state machine,
// one for the folder monitor, with headroom for a ready-check probe.
func Connect(ctx context.Context, dsn string) (*Transactor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("txn: parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("txn: connect: %w", err)
	}
	return &Transactor{pool: pool}, nil
}

// Close drains and closes the underlying pool.
func (t *Transactor) Close() {
	t.pool.Close()
}

// Run executes fn against a bare pool connection, outside any transaction.
// Used for statements the Target marks as non-transactional: Select1,
// ReadyCheck, and pre-transaction migration DDL (spec.md §4.3 — Redshift's
// ALTER COLUMN TYPE cannot run inside a BEGIN/COMMIT block).
func (t *Transactor) Run(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	return fn(ctx, t.pool)
}

// Transact runs fn inside a single BEGIN/COMMIT. Any error returned by fn,
// or a panic recovered and re-raised, rolls the transaction back. This is
// the only way in-transaction statement.Block actions reach the warehouse
// (spec.md §4.6 step 4): the load state machine runs migration-in, the
// loads and the manifest insert inside one Transact call, so they commit
// or roll back together.
func (t *Transactor) Transact(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("txn: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("txn: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the warehouse; cmd/loader calls it
// right after Connect, before the dispatch loop starts.
func (t *Transactor) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

var _ Runner = (*Transactor)(nil)
