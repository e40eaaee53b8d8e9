package target

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
)

// Redshift implements statement.Target with full migration capability: it
// is the only dialect where pre-transaction ALTER COLUMN TYPE statements
// are meaningful (Redshift refuses them inside a transaction). It also
// supports an optional transit-table load mode (spec.md §4.1): loading
// into a sibling table and appending, selected when the caller asks for it
// via UseTransitTable.
type Redshift struct {
	Schema          string
	EventsTable     string
	ManifestTable   string
	UseTransitTable bool
}

// New constructs a Redshift target against the given warehouse schema.
func New(schema, eventsTable, manifestTable string, useTransitTable bool) *Redshift {
	return &Redshift{Schema: schema, EventsTable: eventsTable, ManifestTable: manifestTable, UseTransitTable: useTransitTable}
}

func (r *Redshift) Name() string { return "redshift" }

func (r *Redshift) RequiresEventsColumns() bool { return false }

func (r *Redshift) UpdateTable(current model.SchemaKey, existingColumns []string, state model.SchemaList) (statement.Block, error) {
	if state.Len() == 1 {
		return statement.Block{}, fmt.Errorf("target: schema list for %s has a single entry, nothing to migrate to", current)
	}
	idx := state.IndexOf(current)
	if idx < 0 {
		return statement.Block{}, fmt.Errorf("target: current schema %s not found in schema list for %s", current, state.Latest().Key)
	}
	latest := state.Latest()
	table := r.qualify(latest.Key.TableName())
	added, widened := diffColumns(state.Entries()[idx].Columns, latest.Columns, existingColumns)

	var pre, in []statement.Action
	for _, col := range widened {
		ddl := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", table, col.Name, col.Type.SQLType)
		pre = append(pre, statement.NewAction(statement.Statement{Kind: statement.AlterTable, Table: table, AlterDDL: ddl}, ddl))
	}
	for _, col := range added {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s", table, col.Name, col.Type.SQLType, encodeSuffix(col.Encode))
		in = append(in, statement.NewAction(statement.Statement{Kind: statement.AlterTable, Table: table, AlterDDL: ddl}, ddl))
	}

	block := statement.Block{Pre: pre, DBSchema: r.Schema, Target: latest.Key}
	if len(pre) > 0 && len(in) == 0 {
		block.Pre = append(block.Pre, commentOnAction(table, latest.Key))
	} else {
		in = append(in, commentOnAction(table, latest.Key))
		block.In = in
	}
	return block, nil
}

// ReaffirmTable re-stamps a table already at latest with its own version
// comment, pre-transaction, per spec.md §4.3 step 2's "empty Block" case.
func (r *Redshift) ReaffirmTable(latest model.SchemaKey) (statement.Block, error) {
	table := r.qualify(latest.TableName())
	return statement.Block{Pre: []statement.Action{commentOnAction(table, latest)}, DBSchema: r.Schema, Target: latest}, nil
}

func (r *Redshift) ExtendTable(model.ShreddedTypeInfo) (statement.Block, bool) {
	return statement.Block{}, false
}

func (r *Redshift) CreateTable(schemas model.SchemaList) statement.Block {
	latest := schemas.Latest()
	table := r.qualify(latest.Key.TableName())
	ddl := r.createTableDDL(table, latest.Columns)
	create := statement.NewAction(statement.Statement{Kind: statement.CreateTable, Table: table, DDL: ddl}, "creating table "+table)
	comment := commentOnAction(table, latest.Key)
	return statement.Block{In: []statement.Action{create, comment}, DBSchema: r.Schema, Target: latest.Key, IsCreation: true}
}

func (r *Redshift) createTableDDL(table string, columns []model.Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	fmt.Fprintf(&b, "  root_id CHAR(36) NOT NULL,\n  root_tstamp TIMESTAMP NOT NULL,\n  ref_root VARCHAR(255) NOT NULL,\n  ref_tree VARCHAR(1500) NOT NULL,\n  ref_parent VARCHAR(255) NOT NULL,\n")
	for _, col := range columns {
		fmt.Fprintf(&b, "  %s %s%s,\n", col.Name, col.Type.SQLType, encodeSuffix(col.Encode))
	}
	b.WriteString(")\nDISTSTYLE KEY\nDISTKEY (root_id)\nSORTKEY (root_tstamp)")
	return b.String()
}

func (r *Redshift) GetManifest() statement.Statement {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  base VARCHAR(512) PRIMARY KEY,
  types VARCHAR(65535) NOT NULL,
  shredding_started TIMESTAMP NOT NULL,
  shredding_completed TIMESTAMP NOT NULL,
  min_collector TIMESTAMP,
  max_collector TIMESTAMP,
  ingestion TIMESTAMP NOT NULL,
  compression VARCHAR(16) NOT NULL,
  processor_artifact VARCHAR(128) NOT NULL,
  processor_version VARCHAR(128) NOT NULL,
  count_good BIGINT
)`, r.qualify(r.ManifestTable))
	return statement.Statement{Kind: statement.CreateTable, Table: r.qualify(r.ManifestTable), DDL: ddl}
}

func (r *Redshift) GetLoadStatements(discovery model.DataDiscovery, existingEventColumns []string, auth statement.Auth) ([]statement.Statement, error) {
	eventsTable := r.qualify(r.EventsTable)
	copyTable := eventsTable
	var stmts []statement.Statement
	if r.UseTransitTable {
		stmts = append(stmts, statement.Statement{Kind: statement.CreateTransient, Table: eventsTable})
		copyTable = eventsTable + "_transit"
	}
	stmts = append(stmts, statement.Statement{
		Kind:        statement.EventsCopy,
		Path:        discovery.Base.String(),
		Compression: discovery.Compression,
		Source:      auth.CredentialClause,
		Table:       copyTable,
	})
	for _, t := range discovery.ShreddedTypes {
		stmts = append(stmts, statement.Statement{
			Kind:        statement.ShreddedCopy,
			Path:        discovery.Base.String(),
			Compression: discovery.Compression,
			Source:      auth.CredentialClause,
			Table:       r.qualify(t.Key.TableName()),
		})
	}
	if r.UseTransitTable {
		stmts = append(stmts,
			statement.Statement{Kind: statement.AppendTransient, Table: eventsTable},
			statement.Statement{Kind: statement.DropTransient, Table: eventsTable},
		)
	}
	return stmts, nil
}

func (r *Redshift) ToFragment(stmt statement.Statement) (string, error) {
	switch stmt.Kind {
	case statement.Begin:
		return "BEGIN", nil
	case statement.Commit:
		return "COMMIT", nil
	case statement.Abort:
		return "ABORT", nil
	case statement.Select1:
		return "SELECT 1", nil
	case statement.ReadyCheck:
		return "SELECT 1", nil
	case statement.CreateAlertingTempTable:
		return "CREATE TEMP TABLE rdb_folder_monitoring (run VARCHAR(512))", nil
	case statement.DropAlertingTempTable:
		return "DROP TABLE IF EXISTS rdb_folder_monitoring", nil
	case statement.FoldersCopy:
		return fmt.Sprintf("COPY rdb_folder_monitoring FROM '%s' %s", stmt.Path, stmt.Source), nil
	case statement.FoldersMinusManifest:
		return fmt.Sprintf("SELECT run FROM rdb_folder_monitoring MINUS SELECT base FROM %s", r.qualify(r.ManifestTable)), nil
	case statement.EventsCopy:
		return fmt.Sprintf("COPY %s FROM '%s' %s GZIP REGION 'us-east-1' MAXERROR 1 EMPTYASNULL", stmt.Table, stmt.Path, stmt.Source), nil
	case statement.ShreddedCopy:
		return fmt.Sprintf("COPY %s FROM '%s' %s JSON 'auto' GZIP REGION 'us-east-1'", stmt.Table, stmt.Path, stmt.Source), nil
	case statement.CreateTransient:
		return fmt.Sprintf("CREATE TABLE %s_transit (LIKE %s)", stmt.Table, stmt.Table), nil
	case statement.DropTransient:
		return fmt.Sprintf("DROP TABLE IF EXISTS %s_transit", stmt.Table), nil
	case statement.AppendTransient:
		return fmt.Sprintf("ALTER TABLE %s APPEND FROM %s_transit", stmt.Table, stmt.Table), nil
	case statement.TableExists:
		return fmt.Sprintf("SELECT 1 FROM information_schema.tables WHERE table_schema = '%s' AND table_name = '%s'", r.Schema, stmt.Table), nil
	case statement.GetVersion:
		return fmt.Sprintf("SELECT description FROM pg_description JOIN pg_class ON pg_description.objoid = pg_class.oid WHERE relname = '%s'", stmt.Table), nil
	case statement.GetColumns:
		return fmt.Sprintf("SELECT column_name FROM information_schema.columns WHERE table_schema = '%s' AND table_name = '%s'", r.Schema, stmt.Table), nil
	case statement.RenameTable:
		return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", stmt.Table, stmt.NewName), nil
	case statement.SetSchema:
		return fmt.Sprintf("SET search_path TO %s", r.Schema), nil
	case statement.ManifestAdd:
		return r.manifestInsert(stmt.Message), nil
	case statement.ManifestGet:
		return fmt.Sprintf("SELECT ingestion FROM %s WHERE base = '%s'", r.qualify(r.ManifestTable), stmt.Base), nil
	case statement.AddLoadTstampColumn:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN load_tstamp TIMESTAMP DEFAULT GETDATE()", stmt.Table), nil
	case statement.CreateTable:
		return stmt.DDL, nil
	case statement.CommentOn:
		return fmt.Sprintf("COMMENT ON TABLE %s IS '%s'", stmt.Table, stmt.Comment), nil
	case statement.DdlFile:
		return stmt.DDL, nil
	case statement.AlterTable:
		return stmt.AlterDDL, nil
	default:
		return "", fmt.Errorf("redshift: unknown statement kind %d", stmt.Kind)
	}
}

func (r *Redshift) manifestInsert(msg model.ShreddingComplete) string {
	types, _ := json.Marshal(msg.Types)
	return fmt.Sprintf(
		"INSERT INTO %s (base, types, shredding_started, shredding_completed, ingestion, compression, processor_artifact, processor_version) VALUES ('%s', '%s', '%s', '%s', GETDATE(), '%s', '%s', '%s')",
		r.qualify(r.ManifestTable), msg.Base, types, msg.Timestamps.JobStarted.Format("2006-01-02 15:04:05"), msg.Timestamps.JobCompleted.Format("2006-01-02 15:04:05"),
		msg.Compression, msg.Processor.Artifact, msg.Processor.Version,
	)
}

func (r *Redshift) qualify(table string) string {
	return r.Schema + "." + table
}

func encodeSuffix(encode string) string {
	if encode == "" {
		return ""
	}
	return " ENCODE " + encode
}
