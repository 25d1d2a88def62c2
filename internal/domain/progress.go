package domain

import "time"

// JobKind labels what kind of long-running operation owns a progress entry.
type JobKind string

const (
	JobKindDeploy  JobKind = "deploy"
	JobKindMigrate JobKind = "migrate"
	JobKindBackup  JobKind = "backup"
	JobKindRestore JobKind = "restore"
)

// ProgressEntry is the externally visible state of one job, keyed by
// container name. Written only by the component doing the work.
type ProgressEntry struct {
	Container string
	Kind      JobKind
	Stage     string
	Percent   int
	Message   string
	UpdatedAt time.Time
	Terminal  bool

	// SourceHost and TargetHost record where a migration runs from and to.
	// Empty for other job kinds.
	SourceHost string
	TargetHost string
}
