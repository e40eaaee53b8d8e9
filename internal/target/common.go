// Package target holds the three warehouse-specific implementations of
// statement.Target: Redshift, Snowflake, and Databricks. Each embeds the
// capability gaps spec.md §4.1 documents; an unsupported operation returns
// *statement.ErrUnsupported, which the migration planner (C3) checks for
// when it probes TableExists.
package target

import (
	"fmt"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
)

// diffColumns splits latest's columns against existingColumns into
// additive columns (names not already present) and widened columns (names
// present whose type widens relative to currentCols, per
// model.ColumnType.Widens; any other type change is not reported). This is the shared
// core of every Target.UpdateTable: only the DDL rendering differs per
// dialect.
func diffColumns(currentCols, latestCols []model.Column, existingColumns []string) (added, widened []model.Column) {
	existing := make(map[string]bool, len(existingColumns))
	for _, c := range existingColumns {
		existing[c] = true
	}
	currentTypes := make(map[string]model.ColumnType, len(currentCols))
	for _, c := range currentCols {
		currentTypes[c.Name] = c.Type
	}
	for _, col := range latestCols {
		if !existing[col.Name] {
			added = append(added, col)
			continue
		}
		if old, ok := currentTypes[col.Name]; ok && col.Type.Widens(old) {
			widened = append(widened, col)
		}
	}
	return added, widened
}

func commentOnAction(table string, key model.SchemaKey) statement.Action {
	return statement.NewAction(statement.Statement{
		Kind:    statement.CommentOn,
		Table:   table,
		Comment: key.String(),
	}, fmt.Sprintf("recording schema version %s on %s", key, table))
}
