package model

import (
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
)

// ManifestEntry is one row of the manifest table: the durable record that a
// batch has been loaded (spec.md §3, §4.2). Base is unique; a row's
// presence is the sole definition of "loaded."
type ManifestEntry struct {
	Base               folder.StorageFolder
	Types              []ShreddedTypeInfo
	ShreddingStarted   time.Time
	ShreddingCompleted time.Time
	MinCollector       *time.Time
	MaxCollector       *time.Time
	Ingestion          time.Time
	Compression        Compression
	ProcessorArtifact  string
	ProcessorVersion   string
	CountGood          *int
}

// FromShreddingComplete builds the ManifestEntry describing msg, leaving
// Ingestion zero: the warehouse clock fills it in when the row is
// inserted.
func FromShreddingComplete(msg ShreddingComplete) ManifestEntry {
	return ManifestEntry{
		Base:               msg.Base,
		Types:              msg.Types,
		ShreddingStarted:   msg.Timestamps.JobStarted,
		ShreddingCompleted: msg.Timestamps.JobCompleted,
		MinCollector:       msg.Timestamps.MinCollector,
		MaxCollector:       msg.Timestamps.MaxCollector,
		Compression:        msg.Compression,
		ProcessorArtifact:  msg.Processor.Artifact,
		ProcessorVersion:   msg.Processor.Version,
		CountGood:          msg.Count,
	}
}
