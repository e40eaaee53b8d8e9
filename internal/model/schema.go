package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SchemaKey identifies one Iglu schema: vendor/name/format/version, per
// spec.md §3. Format is always "jsonschema" in this system so it is not
// modeled as a field — every SchemaKey the loader constructs is implicitly
// jsonschema, matching how the source registry is scoped.
type SchemaKey struct {
	Vendor  string
	Name    string
	Model   int
	Version SchemaVer
}

// SchemaVer is a semantic version restricted to the vendor's schema
// numbering (MODEL-REVISION-ADDITION).
type SchemaVer struct {
	Model    int
	Revision int
	Addition int
}

func (v SchemaVer) String() string {
	return fmt.Sprintf("%d-%d-%d", v.Model, v.Revision, v.Addition)
}

// Less reports whether v sorts before other.
func (v SchemaVer) Less(other SchemaVer) bool {
	if v.Model != other.Model {
		return v.Model < other.Model
	}
	if v.Revision != other.Revision {
		return v.Revision < other.Revision
	}
	return v.Addition < other.Addition
}

func (k SchemaKey) String() string {
	return fmt.Sprintf("iglu:%s/%s/jsonschema/%s", k.Vendor, k.Name, k.Version)
}

// TableName is the warehouse-facing name for this schema's atomic model,
// e.g. "com.acme/context/1" -> "com_acme_context_1".
func (k SchemaKey) TableName() string {
	return fmt.Sprintf("%s_%s_%d", sanitizeVendor(k.Vendor), k.Name, k.Model)
}

// ParseSchemaVer parses a MODEL-REVISION-ADDITION version string.
func ParseSchemaVer(raw string) (SchemaVer, error) {
	parts := strings.Split(raw, "-")
	if len(parts) != 3 {
		return SchemaVer{}, fmt.Errorf("model: malformed schema version %q", raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SchemaVer{}, fmt.Errorf("model: malformed schema version %q: %w", raw, err)
		}
		nums[i] = n
	}
	return SchemaVer{Model: nums[0], Revision: nums[1], Addition: nums[2]}, nil
}

// ParseSchemaKey parses the "iglu:vendor/name/jsonschema/version" form
// String() produces — used to recover the schema version a warehouse
// table was last migrated to from its stored CommentOn text (spec.md
// §4.3 step 2).
func ParseSchemaKey(raw string) (SchemaKey, error) {
	trimmed := strings.TrimPrefix(raw, "iglu:")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 4 {
		return SchemaKey{}, fmt.Errorf("model: malformed schema key %q", raw)
	}
	ver, err := ParseSchemaVer(parts[3])
	if err != nil {
		return SchemaKey{}, fmt.Errorf("model: malformed schema key %q: %w", raw, err)
	}
	return SchemaKey{Vendor: parts[0], Name: parts[1], Model: ver.Model, Version: ver}, nil
}

func sanitizeVendor(vendor string) string {
	out := make([]byte, 0, len(vendor))
	for i := 0; i < len(vendor); i++ {
		if vendor[i] == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, vendor[i])
	}
	return string(out)
}

// ColumnType is a warehouse-neutral column type description. Target
// implementations render a Column's Name, SQLType and Encode into their
// own DDL dialect;
// Widens reports whether moving from an old ColumnType to this one requires
// a pre-transaction ALTER COLUMN TYPE (spec.md §4.3: "pre contains only
// type-widening alterations").
type ColumnType struct {
	SQLType string // e.g. "VARCHAR(64)", "BIGINT"
	Length  int    // 0 when not a length-bounded type (VARCHAR/CHAR)
}

// Widens reports whether moving from old to c is a pure length widening of
// the same base type, the only kind of alteration a Redshift target may
// place in the pre-transaction phase.
func (c ColumnType) Widens(old ColumnType) bool {
	base := func(sqlType string) string {
		if i := strings.IndexByte(sqlType, '('); i >= 0 {
			return sqlType[:i]
		}
		return sqlType
	}
	return base(c.SQLType) == base(old.SQLType) && c.Length > old.Length
}

// Column is one field a schema revision contributes to its table.
type Column struct {
	Name    string
	Type    ColumnType
	Encode  string // Redshift-only compression encoding, e.g. "ZSTD"
	Comment string
}

// SchemaRevision is one entry in a SchemaList: the SchemaKey plus the
// columns that revision's JSON Schema resolves to. Column resolution
// (JSON Schema -> warehouse columns) happens once, in the registry client,
// so Target implementations stay pure w.r.t. I/O (spec.md §4.1).
type SchemaRevision struct {
	Key     SchemaKey
	Columns []Column
}

// SchemaList is a non-empty ordered chain of schema versions within one
// major model, sorted ascending by full version. The last element is the
// latest known revision.
type SchemaList struct {
	entries []SchemaRevision
}

// NewSchemaList builds a SchemaList sorted by version, returning an error
// if entries is empty (spec.md §3: "a non-empty ordered list").
func NewSchemaList(entries []SchemaRevision) (SchemaList, error) {
	if len(entries) == 0 {
		return SchemaList{}, fmt.Errorf("model: schema list must not be empty")
	}
	sorted := make([]SchemaRevision, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Version.Less(sorted[j].Key.Version) })
	return SchemaList{entries: sorted}, nil
}

// Latest returns the last (highest-version) schema in the chain.
func (l SchemaList) Latest() SchemaRevision { return l.entries[len(l.entries)-1] }

// Len returns the number of schemas in the chain.
func (l SchemaList) Len() int { return len(l.entries) }

// Entries returns the schema chain in ascending version order.
func (l SchemaList) Entries() []SchemaRevision { return l.entries }

// IndexOf returns the position of key within the chain, or -1 if absent.
func (l SchemaList) IndexOf(key SchemaKey) int {
	for i, e := range l.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// Since returns the sub-chain strictly after current, i.e. the schemas that
// still need to be applied to reach Latest(). Returns an error if current
// is not present in the chain (stale catalog, spec.md §4.3 step 2).
func (l SchemaList) Since(current SchemaKey) ([]SchemaRevision, error) {
	idx := l.IndexOf(current)
	if idx < 0 {
		return nil, fmt.Errorf("model: current schema %s not found in schema list", current)
	}
	return l.entries[idx+1:], nil
}
