// Package loadstate implements C6: the per-batch load state machine.
// Run drives one DataDiscovery through every named stage exactly once
// per attempt — MigrationBuild, MigrationPre, ManifestCheck, MigrationIn,
// Loading{table}, Committing — publishing each transition through the
// control surface (C9) as it goes (spec.md §4.6).
package loadstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drphrozen/snowplow-rdb-loader/internal/control"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/manifest"
	"github.com/drphrozen/snowplow-rdb-loader/internal/migration"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/registry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/retry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// ReadyCheckConfig bounds the pre-flight poll that waits for a warehouse
// needing a manual resume (Snowflake) or still starting up to answer a
// trivial query (spec.md §4.6: "Ready-check precedes MigrationBuild").
type ReadyCheckConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Dependencies bundles every collaborator the state machine needs to run
// one batch. It is built once at startup and shared across every call to
// Run — nothing here is per-batch state.
type Dependencies struct {
	Txr        txn.Runner
	Registry   registry.Client
	Target     statement.Target
	Retry      *retry.Controller
	Control    *control.Surface
	Log        *log.Logger
	ReadyCheck ReadyCheckConfig
}

// Outcome reports how a batch resolved: either it was freshly committed
// (AlreadyLoaded == false, Ingestion set) or the manifest already carried
// an entry for it (AlreadyLoaded == true, spec.md §4.6 step 2: "Already
// loaded" short-circuit).
type Outcome struct {
	AlreadyLoaded bool
	Ingestion     time.Time
}

// Run executes the full state machine for one discovery. auth carries
// whatever credential clause the Target needs embedded in its COPY
// statements; existingEventColumns is only consulted when
// deps.Target.RequiresEventsColumns() is true (Databricks has no
// GetColumns support, so the wide-row column set is tracked by the
// caller rather than read back from the warehouse).
func Run(ctx context.Context, deps Dependencies, msg model.ShreddingComplete, discovery model.DataDiscovery, auth statement.Auth, existingEventColumns []string) (Outcome, error) {
	if err := readyCheck(ctx, deps); err != nil {
		return Outcome{}, err
	}

	deps.Control.MakeBusy(discovery.Base, model.SimpleStage(model.StageMigrationBuild))
	defer deps.Control.MakeIdle()

	var plan statement.Migration
	err := deps.Txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
		p, err := migration.Plan(ctx, conn, deps.Registry, deps.Target, discovery, deps.Log)
		if err != nil {
			return loaderr.Wrap(loaderr.Migration, "build migration plan", err)
		}
		plan = p
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	deps.Control.SetStage(model.SimpleStage(model.StageMigrationPre))
	if err := runPre(ctx, deps, plan.Pre); err != nil {
		// Pre-transaction DDL is never retried: some of it (ALTER COLUMN
		// TYPE widenings) is irreversible, so re-running it on a partial
		// failure could corrupt the table further (spec.md §4.6).
		return Outcome{}, loaderr.Wrap(loaderr.Fatal, "pre-transaction migration", err)
	}

	var outcome Outcome
	retryErr := deps.Retry.Run(ctx, func(ctx context.Context, attempt int) error {
		deps.Control.IncrementAttempt()
		o, err := runTransactional(ctx, deps, msg, discovery, plan.In, auth, existingEventColumns)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if retryErr != nil {
		return Outcome{}, retryErr
	}

	if !outcome.AlreadyLoaded {
		deps.Control.IncrementLoaded()
	}
	return outcome, nil
}

func readyCheck(ctx context.Context, deps Dependencies) error {
	sql, err := deps.Target.ToFragment(statement.Statement{Kind: statement.ReadyCheck})
	if err != nil {
		return fmt.Errorf("loadstate: render ready-check: %w", err)
	}

	deadline := time.Now().Add(deps.ReadyCheck.Timeout)
	for {
		probeErr := deps.Txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
			var dummy int
			return conn.QueryRow(ctx, sql).Scan(&dummy)
		})
		if probeErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return loaderr.Wrap(loaderr.Fatal, "ready-check timed out", probeErr)
		}

		timer := time.NewTimer(deps.ReadyCheck.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return loaderr.Shutdown
		case <-timer.C:
		}
	}
}

func runPre(ctx context.Context, deps Dependencies, actions []statement.Action) error {
	return deps.Txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
		for _, action := range actions {
			sql, err := deps.Target.ToFragment(action.Statement)
			if err != nil {
				return fmt.Errorf("render %s: %w", action.LogMsg, err)
			}
			if deps.Log != nil {
				deps.Log.Infof("%s", action.LogMsg)
			}
			if _, err := conn.Exec(ctx, sql); err != nil {
				return fmt.Errorf("%s: %w", action.LogMsg, err)
			}
		}
		return nil
	})
}

// runTransactional is the retried portion of the sequence: ManifestCheck
// through Committing, all inside one transaction (spec.md §4.6: "the
// entire sequence from ManifestCheck to commit is wrapped by the retry
// controller").
func runTransactional(ctx context.Context, deps Dependencies, msg model.ShreddingComplete, discovery model.DataDiscovery, migrationIn []statement.Action, auth statement.Auth, existingEventColumns []string) (Outcome, error) {
	deps.Control.SetStage(model.SimpleStage(model.StageManifestCheck))

	var alreadyLoaded bool
	txErr := deps.Txr.Transact(ctx, func(ctx context.Context, conn txn.Conn) error {
		_, err := manifest.Get(ctx, conn, deps.Target, discovery.Base)
		if err == nil {
			alreadyLoaded = true
			return nil
		}
		if !errors.Is(err, manifest.ErrNotFound) {
			return classifyDBError("manifest check", err)
		}

		deps.Control.SetStage(model.SimpleStage(model.StageMigrationIn))
		for _, action := range migrationIn {
			sql, err := deps.Target.ToFragment(action.Statement)
			if err != nil {
				return fmt.Errorf("render %s: %w", action.LogMsg, err)
			}
			if deps.Log != nil {
				deps.Log.Infof("%s", action.LogMsg)
			}
			if _, err := conn.Exec(ctx, sql); err != nil {
				return classifyDBError(action.LogMsg, err)
			}
		}

		loadStmts, err := deps.Target.GetLoadStatements(discovery, existingEventColumns, auth)
		if err != nil {
			return loaderr.Wrap(loaderr.Migration, "build load statements", err)
		}
		for _, stmt := range loadStmts {
			deps.Control.SetStage(model.LoadingTable(stmt.Table))
			sql, err := deps.Target.ToFragment(stmt)
			if err != nil {
				return fmt.Errorf("render load statement for %s: %w", stmt.Table, err)
			}
			if _, err := conn.Exec(ctx, sql); err != nil {
				return classifyDBError("load "+stmt.Table, err)
			}
		}

		deps.Control.SetStage(model.SimpleStage(model.StageCommitting))
		if err := manifest.Add(ctx, conn, deps.Target, msg); err != nil {
			return classifyDBError("record manifest entry", err)
		}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}

	if alreadyLoaded {
		deps.Control.SetStage(model.Cancelling("Already loaded"))
		return Outcome{AlreadyLoaded: true}, nil
	}

	var entry model.ManifestEntry
	readBackErr := deps.Txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
		e, err := manifest.Get(ctx, conn, deps.Target, discovery.Base)
		if err != nil {
			return fmt.Errorf("read back committed manifest entry: %w", err)
		}
		entry = e
		return nil
	})
	if readBackErr != nil {
		return Outcome{}, loaderr.Wrap(loaderr.Fatal, "manifest read-back", readBackErr)
	}
	return Outcome{Ingestion: entry.Ingestion}, nil
}

// classifyDBError maps a warehouse driver error to the retry controller's
// taxonomy (spec.md §7): connection-exception and serialization-failure
// SQLSTATE classes are Transient and get retried; everything else
// (syntax, permission, constraint violations) is Fatal. A non-PgError —
// typically a network-level failure pgx itself wraps — defaults to
// Transient, since that's the shape connection resets and pool timeouts
// take in practice.
func classifyDBError(msg string, err error) *loaderr.Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08") {
			return loaderr.Wrap(loaderr.Transient, msg, err)
		}
		return loaderr.Wrap(loaderr.Fatal, msg, err)
	}
	return loaderr.Wrap(loaderr.Transient, msg, err)
}
