package model

import "github.com/drphrozen/snowplow-rdb-loader/internal/folder"

// StageKind enumerates the named points in the load state machine exposed
// for observability (spec.md §3, §4.6).
type StageKind int

const (
	StageMigrationBuild StageKind = iota
	StageMigrationPre
	StageManifestCheck
	StageMigrationIn
	StageLoading
	StageCommitting
	StageCancelling
)

func (s StageKind) String() string {
	switch s {
	case StageMigrationBuild:
		return "MigrationBuild"
	case StageMigrationPre:
		return "MigrationPre"
	case StageManifestCheck:
		return "ManifestCheck"
	case StageMigrationIn:
		return "MigrationIn"
	case StageLoading:
		return "Loading"
	case StageCommitting:
		return "Committing"
	case StageCancelling:
		return "Cancelling"
	default:
		return "Unknown"
	}
}

// Stage is a StageKind plus the payload the two parametrized variants
// carry: Loading{table} and Cancelling{reason}.
type Stage struct {
	Kind   StageKind
	Table  string
	Reason string
}

func LoadingTable(table string) Stage  { return Stage{Kind: StageLoading, Table: table} }
func Cancelling(reason string) Stage   { return Stage{Kind: StageCancelling, Reason: reason} }
func SimpleStage(kind StageKind) Stage { return Stage{Kind: kind} }

// StatusKind enumerates the process-wide LoadStatus variants.
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusPaused
	StatusLoading
)

// Status is the single process-wide LoadStatus value (spec.md §3, §4.9).
type Status struct {
	Kind   StatusKind
	Owner  string               // set when Kind == StatusPaused
	Folder folder.StorageFolder // set when Kind == StatusLoading
	Stage  Stage                // set when Kind == StatusLoading
}

func Idle() Status { return Status{Kind: StatusIdle} }

func Paused(owner string) Status { return Status{Kind: StatusPaused, Owner: owner} }

func Loading(f folder.StorageFolder, stage Stage) Status {
	return Status{Kind: StatusLoading, Folder: f, Stage: stage}
}

// IsBusy implements spec.md §4.7's rule: isBusy = (status == Loading) ||
// (status == Paused).
func (s Status) IsBusy() bool {
	return s.Kind == StatusLoading || s.Kind == StatusPaused
}
