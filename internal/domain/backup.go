package domain

import "time"

// VolumeBackup records one archived mount inside a backup.
type VolumeBackup struct {
	Kind       VolumeKind `json:"kind"`
	Source     string     `json:"source"`      // volume name or host path
	MountPoint string     `json:"mount_point"` // destination inside the container
	Archive    string     `json:"archive"`     // archive file name within the backup dir
	SizeBytes  int64      `json:"size_bytes"`
}

// BackupManifest describes a completed backup. Read-only once written; the
// backup directory plus this manifest is the unit of deduplication.
type BackupManifest struct {
	Container  string         `json:"container"`
	CreatedAt  time.Time      `json:"created_at"`
	Image      string         `json:"image"`
	Volumes    []VolumeBackup `json:"volumes"`
	TotalBytes int64          `json:"total_bytes"`
}

// Age returns how old the manifest is.
func (m *BackupManifest) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// ManifestFileName is the fixed manifest file name inside a backup directory.
const ManifestFileName = "manifest.json"
