package target

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
)

func contextKey(version model.SchemaVer) model.SchemaKey {
	return model.SchemaKey{Vendor: "com.acme", Name: "context", Model: 1, Version: version}
}

// TestFreshTableCreation is spec.md §8 scenario S1.
func TestFreshTableCreation(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	revision := model.SchemaRevision{
		Key:     contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0}),
		Columns: []model.Column{{Name: "one", Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}}},
	}
	list, err := model.NewSchemaList([]model.SchemaRevision{revision})
	if err != nil {
		t.Fatalf("build schema list: %v", err)
	}

	block := rs.CreateTable(list)
	if !block.IsCreation {
		t.Fatalf("expected creation block")
	}
	if len(block.Pre) != 0 {
		t.Fatalf("creation block must have empty pre, got %d", len(block.Pre))
	}
	// Exactly one CreateTable action plus the trailing CommentOn.
	if len(block.In) != 2 || block.In[0].Statement.Kind != statement.CreateTable {
		t.Fatalf("expected [CreateTable, CommentOn] in-transaction, got %+v", block.In)
	}
}

// TestAdditiveMigration is spec.md §8 scenario S2.
func TestAdditiveMigration(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	v100 := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})
	v101 := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 1})
	list, err := model.NewSchemaList([]model.SchemaRevision{
		{Key: v100, Columns: []model.Column{{Name: "one", Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}}}},
		{Key: v101, Columns: []model.Column{
			{Name: "one", Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}},
			{Name: "three", Type: model.ColumnType{SQLType: "VARCHAR(4096)", Length: 4096}, Encode: "ZSTD"},
		}},
	})
	if err != nil {
		t.Fatalf("build schema list: %v", err)
	}

	block, err := rs.UpdateTable(v100, []string{"one"}, list)
	if err != nil {
		t.Fatalf("update table: %v", err)
	}
	if len(block.Pre) != 0 {
		t.Fatalf("expected no pre-transaction statements, got %d", len(block.Pre))
	}
	if len(block.In) != 2 || block.In[0].Statement.Kind != statement.AlterTable {
		t.Fatalf("expected [ALTER TABLE ADD COLUMN, CommentOn], got %+v", block.In)
	}
}

// TestPreTransactionMigration is spec.md §8 scenario S3.
func TestPreTransactionMigration(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	v200 := contextKey(model.SchemaVer{Model: 2, Revision: 0, Addition: 0})
	v201 := contextKey(model.SchemaVer{Model: 2, Revision: 0, Addition: 1})
	list, err := model.NewSchemaList([]model.SchemaRevision{
		{Key: v200, Columns: []model.Column{{Name: "one", Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}}}},
		{Key: v201, Columns: []model.Column{{Name: "one", Type: model.ColumnType{SQLType: "VARCHAR(64)", Length: 64}}}},
	})
	if err != nil {
		t.Fatalf("build schema list: %v", err)
	}

	block, err := rs.UpdateTable(v200, []string{"one"}, list)
	if err != nil {
		t.Fatalf("update table: %v", err)
	}
	if len(block.In) != 0 {
		t.Fatalf("expected no in-transaction statements, got %d", len(block.In))
	}
	if len(block.Pre) != 2 || block.Pre[0].Statement.Kind != statement.AlterTable {
		t.Fatalf("expected [ALTER COLUMN TYPE, CommentOn] pre-transaction, got %+v", block.Pre)
	}
}

// TestReaffirmTable is spec.md §8's "empty Block" case (§4.3 step 2):
// current already at latest, so the only output is a pre-transaction
// CommentOn reaffirmation.
func TestReaffirmTable(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	latest := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})

	block, err := rs.ReaffirmTable(latest)
	if err != nil {
		t.Fatalf("reaffirm table: %v", err)
	}
	if len(block.In) != 0 {
		t.Fatalf("expected no in-transaction statements, got %d", len(block.In))
	}
	if len(block.Pre) != 1 || block.Pre[0].Statement.Kind != statement.CommentOn {
		t.Fatalf("expected a single pre-transaction CommentOn, got %+v", block.Pre)
	}
}

func TestUpdateTableRejectsSingleEntryList(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	v100 := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})
	list, err := model.NewSchemaList([]model.SchemaRevision{{Key: v100}})
	if err != nil {
		t.Fatalf("build schema list: %v", err)
	}
	if _, err := rs.UpdateTable(v100, nil, list); err == nil {
		t.Fatalf("expected error for single-entry schema list")
	}
}

func TestUpdateTableRejectsStaleCurrent(t *testing.T) {
	rs := New("atomic", "events", "manifest", false)
	v100 := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})
	v101 := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 1})
	stale := contextKey(model.SchemaVer{Model: 0, Revision: 9, Addition: 9})
	list, err := model.NewSchemaList([]model.SchemaRevision{{Key: v100}, {Key: v101}})
	if err != nil {
		t.Fatalf("build schema list: %v", err)
	}
	if _, err := rs.UpdateTable(stale, nil, list); err == nil {
		t.Fatalf("expected error for stale current schema")
	}
}

// TestProperty_BlockWellFormedness validates spec.md §8 property 5: pre
// only contains widening alterations and in only contains additions;
// creation blocks have empty pre and exactly one in-transaction create.
func TestProperty_BlockWellFormedness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("additive-only migrations never touch pre", prop.ForAll(
		func(numExisting, numNew int) bool {
			rs := New("atomic", "events", "manifest", false)
			base := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})
			next := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 1})

			var existing, baseCols, nextCols []model.Column
			var existingNames []string
			for i := 0; i < numExisting; i++ {
				col := model.Column{Name: colName(i), Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}}
				existing = append(existing, col)
				existingNames = append(existingNames, col.Name)
			}
			baseCols = append(baseCols, existing...)
			nextCols = append(nextCols, existing...)
			for i := 0; i < numNew; i++ {
				nextCols = append(nextCols, model.Column{Name: colName(numExisting + i), Type: model.ColumnType{SQLType: "VARCHAR(32)", Length: 32}})
			}

			list, err := model.NewSchemaList([]model.SchemaRevision{{Key: base, Columns: baseCols}, {Key: next, Columns: nextCols}})
			if err != nil {
				return false
			}
			block, err := rs.UpdateTable(base, existingNames, list)
			if err != nil {
				return false
			}
			return len(block.Pre) == 0
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
	))

	properties.Property("creation blocks have empty pre and exactly one table-creating statement", prop.ForAll(
		func(numCols int) bool {
			rs := New("atomic", "events", "manifest", false)
			key := contextKey(model.SchemaVer{Model: 1, Revision: 0, Addition: 0})
			var cols []model.Column
			for i := 0; i < numCols; i++ {
				cols = append(cols, model.Column{Name: colName(i), Type: model.ColumnType{SQLType: "VARCHAR(32)"}})
			}
			list, err := model.NewSchemaList([]model.SchemaRevision{{Key: key, Columns: cols}})
			if err != nil {
				return false
			}
			block := rs.CreateTable(list)
			creates := 0
			for _, a := range block.In {
				if a.Statement.Kind == statement.CreateTable {
					creates++
				}
			}
			return block.IsCreation && len(block.Pre) == 0 && creates == 1
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func colName(i int) string {
	return "col_" + string(rune('a'+i%26))
}
