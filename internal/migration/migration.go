// Package migration implements C3: the per-batch schema-migration
// planner. It resolves each shredded type against the registry, probes
// the warehouse for the table's current state, and assembles a
// statement.Migration the load state machine runs before the COPY.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drphrozen/snowplow-rdb-loader/internal/log"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/registry"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

// Plan resolves every shredded type in discovery against reg and produces
// the combined Migration to run against tgt. Blocks are merged in the
// order the shredded types appear in the discovery message (spec.md
// §4.3: "Blocks are processed in input order"). logger may be nil.
func Plan(ctx context.Context, conn txn.Conn, reg registry.Client, tgt statement.Target, discovery model.DataDiscovery, logger *log.Logger) (statement.Migration, error) {
	var result statement.Migration
	for _, shredded := range discovery.ShreddedTypes {
		if shredded.Info.Format == model.FormatJSON {
			// Legacy JSON carries no columnar schema to migrate toward
			// (spec.md §4.3 step 1: getSchemas is "none" for it), so it
			// produces no Block at all.
			continue
		}
		prefix := shredded.Info.SchemaKeyPrefix()
		schemas, err := reg.GetSchemas(ctx, prefix.Vendor, prefix.Name, prefix.Model)
		if err != nil {
			return statement.Migration{}, fmt.Errorf("migration: resolve %s: %w", prefix, err)
		}

		block, err := planOne(ctx, conn, tgt, shredded, schemas, logger)
		if err != nil {
			return statement.Migration{}, fmt.Errorf("migration: plan %s: %w", prefix, err)
		}
		result.Merge(statement.Migration{Pre: block.Pre, In: block.In})
	}
	return result, nil
}

// planOne plans the Block for a single shredded type. It probes
// TableExists first; an ErrUnsupported response identifies a wide-row
// dialect (Snowflake) with no per-type table at all, so the plan falls
// back to ExtendTable instead of the generic create/update path. This
// keeps the planner itself dialect-blind — it reacts to what a Target
// says it can do rather than switching on Target.Name() (spec.md §4.1).
func planOne(ctx context.Context, conn txn.Conn, tgt statement.Target, shredded model.ShreddedType, schemas model.SchemaList, logger *log.Logger) (statement.Block, error) {
	existsStmt := statement.Statement{Kind: statement.TableExists, Table: shredded.Key.TableName()}
	existsSQL, err := tgt.ToFragment(existsStmt)

	var unsupported *statement.ErrUnsupported
	if errors.As(err, &unsupported) {
		block, ok := tgt.ExtendTable(shredded.Info)
		if !ok {
			return statement.Block{}, nil
		}
		return block, nil
	}
	if err != nil {
		return statement.Block{}, fmt.Errorf("render table-exists check: %w", err)
	}

	exists, err := queryExists(ctx, conn, existsSQL)
	if err != nil {
		return statement.Block{}, fmt.Errorf("check table existence: %w", err)
	}
	if !exists {
		return tgt.CreateTable(schemas), nil
	}

	current, existingColumns, err := currentState(ctx, conn, tgt, shredded.Key.TableName())
	if err != nil {
		return statement.Block{}, fmt.Errorf("read current table state: %w", err)
	}

	latest := schemas.Latest()
	if current == latest.Key {
		// spec.md §4.3 step 2: "If currentSchemaKey == schemaList.latest.schemaKey
		// → empty Block (only a CommentOn reaffirmation)." Step 3 places that
		// CommentOn pre-transaction and logs a warning — detected here, before
		// UpdateTable ever sees the (by-construction empty) column diff.
		if logger != nil {
			logger.Warnf("table %s already at latest schema version %s, reaffirming only", shredded.Key.TableName(), latest.Key)
		}
		return tgt.ReaffirmTable(latest.Key)
	}
	return tgt.UpdateTable(current, existingColumns, schemas)
}

// currentState reads back the schema version a table was last migrated
// to (stored via CommentOn, spec.md §4.1) and its current column list.
func currentState(ctx context.Context, conn txn.Conn, tgt statement.Target, table string) (model.SchemaKey, []string, error) {
	versionSQL, err := tgt.ToFragment(statement.Statement{Kind: statement.GetVersion, Table: table})
	if err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("render get-version: %w", err)
	}
	var comment string
	if err := conn.QueryRow(ctx, versionSQL).Scan(&comment); err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("query current version: %w", err)
	}
	current, err := model.ParseSchemaKey(comment)
	if err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("parse stored version comment: %w", err)
	}

	columnsSQL, err := tgt.ToFragment(statement.Statement{Kind: statement.GetColumns, Table: table})
	if err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("render get-columns: %w", err)
	}
	rows, err := conn.Query(ctx, columnsSQL)
	if err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return model.SchemaKey{}, nil, fmt.Errorf("scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return model.SchemaKey{}, nil, fmt.Errorf("iterate columns: %w", err)
	}
	return current, columns, nil
}

func queryExists(ctx context.Context, conn txn.Conn, sql string) (bool, error) {
	var dummy int
	err := conn.QueryRow(ctx, sql).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
