package target

import (
	"fmt"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
)

// Databricks implements statement.Target for the no-migration warehouse:
// UpdateTable only records intent (spec.md §4.1), and ShreddedCopy,
// TableExists, GetVersion, GetColumns are all unsupported. Because
// Databricks is wide-row, EventsCopy is parameterized by the current
// column list (RequiresEventsColumns() == true).
type Databricks struct {
	Schema      string
	EventsTable string
	Catalog     string
}

func NewDatabricks(catalog, schema, eventsTable string) *Databricks {
	return &Databricks{Catalog: catalog, Schema: schema, EventsTable: eventsTable}
}

func (d *Databricks) Name() string { return "databricks" }

func (d *Databricks) RequiresEventsColumns() bool { return true }

// UpdateTable never computes a real delta — Databricks has no migration
// capability at all. It returns an empty Block (Nil pre, Nil in) carrying
// only the target key, so callers that log "what would have changed" have
// something to reference.
func (d *Databricks) UpdateTable(_ model.SchemaKey, _ []string, state model.SchemaList) (statement.Block, error) {
	return statement.Block{Target: state.Latest().Key}, nil
}

// ReaffirmTable is unsupported: Databricks has no GetVersion/CommentOn
// capability, so there is nothing to reaffirm (spec.md §4.1).
func (d *Databricks) ReaffirmTable(model.SchemaKey) (statement.Block, error) {
	return statement.Block{}, &statement.ErrUnsupported{Target: d.Name(), Operation: "ReaffirmTable"}
}

func (d *Databricks) ExtendTable(model.ShreddedTypeInfo) (statement.Block, bool) {
	return statement.Block{}, false
}

func (d *Databricks) CreateTable(schemas model.SchemaList) statement.Block {
	table := d.qualify(d.EventsTable)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (app_id STRING, collector_tstamp TIMESTAMP, event_id STRING) USING DELTA", table)
	create := statement.NewAction(statement.Statement{Kind: statement.CreateTable, Table: table, DDL: ddl}, "creating table "+table)
	return statement.Block{In: []statement.Action{create}, DBSchema: d.Schema, Target: schemas.Latest().Key, IsCreation: true}
}

func (d *Databricks) GetManifest() statement.Statement {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  base STRING,
  types STRING,
  shredding_started TIMESTAMP,
  shredding_completed TIMESTAMP,
  min_collector TIMESTAMP,
  max_collector TIMESTAMP,
  ingestion TIMESTAMP,
  compression STRING,
  processor_artifact STRING,
  processor_version STRING,
  count_good BIGINT
) USING DELTA`, d.qualify("manifest"))
	return statement.Statement{Kind: statement.CreateTable, Table: d.qualify("manifest"), DDL: ddl}
}

func (d *Databricks) GetLoadStatements(discovery model.DataDiscovery, existingEventColumns []string, auth statement.Auth) ([]statement.Statement, error) {
	if len(existingEventColumns) == 0 {
		return nil, fmt.Errorf("databricks: RequiresEventsColumns but no columns supplied")
	}
	return []statement.Statement{{
		Kind:        statement.EventsCopy,
		Path:        discovery.Base.String(),
		Compression: discovery.Compression,
		Table:       d.qualify(d.EventsTable),
		Columns:     existingEventColumns,
	}}, nil
}

func (d *Databricks) ToFragment(stmt statement.Statement) (string, error) {
	switch stmt.Kind {
	case statement.Begin, statement.Commit, statement.Abort:
		// Databricks autocommits every statement; the transaction boundary
		// (C5) runs these as no-ops for this dialect.
		return "", nil
	case statement.Select1, statement.ReadyCheck:
		return "SELECT 1", nil
	case statement.CreateAlertingTempTable:
		return "CREATE TEMPORARY VIEW rdb_folder_monitoring AS SELECT '' AS run WHERE false", nil
	case statement.DropAlertingTempTable:
		return "DROP VIEW IF EXISTS rdb_folder_monitoring", nil
	case statement.FoldersCopy:
		return fmt.Sprintf("COPY INTO rdb_folder_monitoring FROM '%s'", stmt.Path), nil
	case statement.FoldersMinusManifest:
		return fmt.Sprintf("SELECT run FROM rdb_folder_monitoring EXCEPT SELECT base FROM %s", d.qualify("manifest")), nil
	case statement.EventsCopy:
		cols := ""
		for i, c := range stmt.Columns {
			if i > 0 {
				cols += ", "
			}
			cols += c
		}
		return fmt.Sprintf("COPY INTO %s (%s) FROM '%s' FILEFORMAT = JSON", stmt.Table, cols, stmt.Path), nil
	case statement.ManifestAdd:
		return d.manifestInsert(stmt.Message), nil
	case statement.ManifestGet:
		return fmt.Sprintf("SELECT ingestion FROM %s WHERE base = '%s'", d.qualify("manifest"), stmt.Base), nil
	case statement.CreateTable:
		return stmt.DDL, nil
	case statement.DdlFile:
		return stmt.DDL, nil
	case statement.ShreddedCopy:
		return "", &statement.ErrUnsupported{Target: d.Name(), Operation: "ShreddedCopy"}
	case statement.TableExists:
		return "", &statement.ErrUnsupported{Target: d.Name(), Operation: "TableExists"}
	case statement.GetVersion:
		return "", &statement.ErrUnsupported{Target: d.Name(), Operation: "GetVersion"}
	case statement.GetColumns:
		return "", &statement.ErrUnsupported{Target: d.Name(), Operation: "GetColumns"}
	default:
		return "", fmt.Errorf("databricks: unknown statement kind %d", stmt.Kind)
	}
}

func (d *Databricks) manifestInsert(msg model.ShreddingComplete) string {
	return fmt.Sprintf(
		"INSERT INTO %s (base, shredding_started, shredding_completed, ingestion, compression, processor_artifact, processor_version) VALUES ('%s', '%s', '%s', current_timestamp(), '%s', '%s', '%s')",
		d.qualify("manifest"), msg.Base, msg.Timestamps.JobStarted.Format("2006-01-02 15:04:05"), msg.Timestamps.JobCompleted.Format("2006-01-02 15:04:05"),
		msg.Compression, msg.Processor.Artifact, msg.Processor.Version,
	)
}

func (d *Databricks) qualify(table string) string {
	return d.Catalog + "." + d.Schema + "." + table
}
