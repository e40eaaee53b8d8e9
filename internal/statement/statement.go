// Package statement defines the dialect-neutral statement vocabulary (C1)
// and the Target interface every warehouse implementation satisfies. A
// Statement is a closed tagged struct rather than an interface hierarchy —
// only the three internal/target implementations know how to render one
// into SQL text via Target.ToFragment, keeping every other component
// (manifest, migration, load state machine) dialect-blind.
package statement

import "github.com/drphrozen/snowplow-rdb-loader/internal/model"

// Kind is the closed set of statement tags from spec.md §4.1.
type Kind int

const (
	Begin Kind = iota
	Commit
	Abort
	Select1
	ReadyCheck
	CreateAlertingTempTable
	DropAlertingTempTable
	FoldersMinusManifest
	FoldersCopy
	EventsCopy
	ShreddedCopy
	CreateTransient
	DropTransient
	AppendTransient
	TableExists
	GetVersion
	RenameTable
	SetSchema
	GetColumns
	ManifestAdd
	ManifestGet
	AddLoadTstampColumn
	CreateTable
	CommentOn
	DdlFile
	AlterTable
)

// Statement is one dialect-neutral operation plus whatever payload its Kind
// requires. Only the fields relevant to Kind are populated; this mirrors a
// sum type without needing per-Kind Go types, matching how the pack's
// example repos model closed alternatives with a Kind/Type discriminator
// field (e.g. model.JobsStatus in opengovern-opengovernance).
type Statement struct {
	Kind Kind

	// FoldersCopy / EventsCopy / ShreddedCopy / DdlFile / CreateTable payload.
	Source      string
	Path        string
	Compression model.Compression
	Columns     []string
	DDL         string

	// TableExists / GetVersion / GetColumns / RenameTable / CommentOn payload.
	Table   string
	NewName string
	Comment string

	// ManifestAdd / ManifestGet payload.
	Message model.ShreddingComplete
	Base    string

	// AlterTable payload.
	AlterDDL string

	// LogMessage is the human-readable line the load state machine logs
	// immediately before executing this statement (spec.md §3: "an Action
	// is an opaque DB effect: statement + log message").
	LogMessage string
}

// Action pairs a Statement with the log line to emit before running it —
// spec.md §3's "opaque DB effect."
type Action struct {
	Statement Statement
	LogMsg    string
}

func NewAction(stmt Statement, logMsg string) Action {
	stmt.LogMessage = logMsg
	return Action{Statement: stmt, LogMsg: logMsg}
}

// Block is one table's contribution to a Migration (spec.md §3).
type Block struct {
	Pre        []Action
	In         []Action
	DBSchema   string
	Target     model.SchemaKey
	IsCreation bool
}

// Empty reports whether the block carries no operations at all (only a
// reaffirming CommentOn is emitted for it by the planner).
func (b Block) Empty() bool { return len(b.Pre) == 0 && len(b.In) == 0 }

// Migration is the phased DDL plan assembled by the planner (C3): pre runs
// outside any transaction, in runs inside the load's transaction.
type Migration struct {
	Pre []Action
	In  []Action
}

// Merge appends another Migration's phases onto this one, preserving input
// order (spec.md §4.3: "Blocks are processed in input order").
func (m *Migration) Merge(other Migration) {
	m.Pre = append(m.Pre, other.Pre...)
	m.In = append(m.In, other.In...)
}

// Empty reports whether the migration has nothing to run in either phase.
func (m Migration) Empty() bool { return len(m.Pre) == 0 && len(m.In) == 0 }

// Auth carries whatever credential the concrete Target needs to embed in a
// COPY statement (e.g. an IAM role ARN). Resolution of the credential
// itself is out of scope (spec.md §1); Target only needs the resolved
// string.
type Auth struct {
	CredentialClause string
}

// Target hides dialect-specific DDL/DML behind the shared vocabulary above.
// Implementations must be pure with respect to configuration: no I/O is
// performed by any Target method, only Statement/Block construction and SQL
// text rendering (spec.md §4.1).
type Target interface {
	// UpdateTable produces the delta from current to state.Latest(), i.e. the
	// Block a table needs to migrate forward. It is an error if current is
	// not present in state, or if state has only one entry (spec.md §4.3
	// step 2).
	UpdateTable(current model.SchemaKey, existingColumns []string, state model.SchemaList) (Block, error)

	// ReaffirmTable produces the pre-transaction CommentOn Action for a
	// table already at its latest known schema version — the "empty
	// Block" case (spec.md §4.3 step 2/3: "only emit the CommentOn
	// (pre-transaction) with a warning log"). Returns ErrUnsupported for
	// dialects with no per-type table to stamp a version onto.
	ReaffirmTable(latest model.SchemaKey) (Block, error)

	// ExtendTable produces the Block adding a new column for info, or
	// (Block{}, false) when the target has no wide-row extension mechanism
	// (every target except Snowflake).
	ExtendTable(info model.ShreddedTypeInfo) (Block, bool)

	// GetLoadStatements returns the ordered COPY/append statements needed to
	// load discovery's data into the warehouse.
	GetLoadStatements(discovery model.DataDiscovery, existingEventColumns []string, auth Auth) ([]Statement, error)

	// CreateTable produces the Block that creates a table from scratch for
	// the given schema chain.
	CreateTable(schemas model.SchemaList) Block

	// GetManifest returns the CREATE statement for the manifest table.
	GetManifest() Statement

	// ToFragment renders stmt into warehouse-specific SQL text. This is the
	// only dialect-specific renderer in the system.
	ToFragment(stmt Statement) (string, error)

	// RequiresEventsColumns is true for wide-row warehouses (Databricks)
	// where EventsCopy is parameterized by the current column list.
	RequiresEventsColumns() bool

	// Name identifies the dialect for logging and config validation.
	Name() string
}

// ErrUnsupported is returned by Target methods a dialect does not implement
// (e.g. Snowflake.GetVersion). The planner (C3) relies on it in one place:
// an ErrUnsupported from rendering TableExists tells it the dialect keeps
// no per-type tables, so it falls back to ExtendTable.
type ErrUnsupported struct {
	Target    string
	Operation string
}

func (e *ErrUnsupported) Error() string {
	return e.Target + ": " + e.Operation + " not supported"
}
