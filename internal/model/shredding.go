package model

import (
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
)

// Compression identifies the codec used for the batch's data files.
type Compression string

const (
	CompressionGZIP Compression = "GZIP"
	CompressionNone Compression = "NONE"
)

// Format identifies how one shredded type's rows are laid out on disk.
type Format string

const (
	FormatTSV     Format = "TSV"
	FormatJSON    Format = "JSON"
	FormatWideRow Format = "WIDEROW"
)

// SnowplowEntity distinguishes a self-describing event from a context
// attached to an event; Snowflake's extendTable needs this to pick the
// right column-naming convention (spec.md §9 open question).
type SnowplowEntity string

const (
	EntitySelfDescribing SnowplowEntity = "SelfDescribing"
	EntityContext        SnowplowEntity = "Context"
)

// ShreddedTypeInfo is one (vendor, name, model, format) tuple appearing in
// the raw queue payload, before resolving against the schema registry.
type ShreddedTypeInfo struct {
	Vendor         string
	Name           string
	Model          int
	Format         Format
	SnowplowEntity SnowplowEntity
}

// SchemaKeyPrefix returns the SchemaKey for this type's latest model boundary
// (major version only — the registry resolves the full chain).
func (t ShreddedTypeInfo) SchemaKeyPrefix() SchemaKey {
	return SchemaKey{Vendor: t.Vendor, Name: t.Name, Model: t.Model}
}

// Timestamps carries the shredding job's start/completion instants and the
// collector-timestamp bounds of the events it covers.
type Timestamps struct {
	JobStarted    time.Time
	JobCompleted  time.Time
	MinCollector  *time.Time
	MaxCollector  *time.Time
}

// Processor identifies the upstream shredder build that produced the batch.
type Processor struct {
	Artifact string
	Version  string
}

// ShreddingComplete is the queue message payload announcing a batch landed
// (spec.md §3).
type ShreddingComplete struct {
	Base        folder.StorageFolder
	Types       []ShreddedTypeInfo
	Timestamps  Timestamps
	Compression Compression
	Processor   Processor
	Count       *int
}

// ShreddedType is a ShreddedTypeInfo resolved against the schema registry:
// it carries the concrete SchemaKey the type currently corresponds to,
// rather than just the type's model-level identity.
type ShreddedType struct {
	Info ShreddedTypeInfo
	Key  SchemaKey
}

// DataDiscovery is the loader-internal representation of a landed batch,
// derived from ShreddingComplete by resolving every non-atomic type against
// the schema registry (spec.md §3).
type DataDiscovery struct {
	Base          folder.StorageFolder
	Compression   Compression
	ShreddedTypes []ShreddedType
	Timestamps    Timestamps
	Processor     Processor
	Count         *int
}
