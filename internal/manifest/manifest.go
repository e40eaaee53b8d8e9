// Package manifest implements C2: the idempotence boundary. Every batch
// the loader ever commits has exactly one row here, keyed by its base
// folder, and the load state machine (C6) consults it before doing any
// warehouse work so a redelivered queue message becomes a no-op.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// ErrNotFound is returned by Get when base has no manifest row yet.
var ErrNotFound = errors.New("manifest: entry not found")

// Initialize runs the target's GetManifest DDL, creating the manifest
// table if it doesn't already exist. Called once at loader startup.
func Initialize(ctx context.Context, conn txn.Conn, target statement.Target) error {
	stmt := target.GetManifest()
	ddl, err := target.ToFragment(stmt)
	if err != nil {
		return fmt.Errorf("manifest: render ddl: %w", err)
	}
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("manifest: create table: %w", err)
	}
	return nil
}

// Get looks up the manifest row for base, returning ErrNotFound if the
// batch has never been committed. The load state machine treats a
// found row as conclusive proof a batch was already loaded (spec.md §4.6
// step 1, property 1: idempotence).
func Get(ctx context.Context, conn txn.Conn, target statement.Target, base folder.StorageFolder) (model.ManifestEntry, error) {
	stmt := statement.Statement{Kind: statement.ManifestGet, Base: base.String()}
	sql, err := target.ToFragment(stmt)
	if err != nil {
		return model.ManifestEntry{}, fmt.Errorf("manifest: render get: %w", err)
	}
	row := conn.QueryRow(ctx, sql)
	var ingestion time.Time
	if err := row.Scan(&ingestion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ManifestEntry{}, ErrNotFound
		}
		return model.ManifestEntry{}, fmt.Errorf("manifest: scan: %w", err)
	}
	return model.ManifestEntry{Base: base, Ingestion: ingestion}, nil
}

// Add records entry as committed. It must run inside the same
// transaction as the final COPY (spec.md §4.6 step 4) so a crash between
// the copy and the manifest write can never leave the batch half-loaded.
func Add(ctx context.Context, conn txn.Conn, target statement.Target, msg model.ShreddingComplete) error {
	stmt := statement.Statement{Kind: statement.ManifestAdd, Message: msg}
	sql, err := target.ToFragment(stmt)
	if err != nil {
		return fmt.Errorf("manifest: render add: %w", err)
	}
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("manifest: insert: %w", err)
	}
	return nil
}
