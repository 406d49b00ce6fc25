// Package model defines the shared types persisted by the store and passed
// between the Scanner, Fingerprinter, Uploader, and control plane.
package model

import "time"

// FileStatus is a state in the File status machine (spec.md §3).
type FileStatus string

const (
	StatusDiscovered     FileStatus = "discovered"
	StatusHashing        FileStatus = "hashing"
	StatusReadyForUpload FileStatus = "ready_for_upload"
	StatusUploading      FileStatus = "uploading"
	StatusCompleted      FileStatus = "completed"
	StatusFailed         FileStatus = "failed"
	StatusDeleted        FileStatus = "deleted"
)

// QueueKind identifies one of the three durable work queues.
type QueueKind string

const (
	QueuePendingChecksum QueueKind = "pending_checksum"
	QueuePendingUpload   QueueKind = "pending_upload"
	QueuePendingDeletion QueueKind = "pending_deletion"
)

// ActivityKind enumerates the activity event envelope's "kind" field
// (spec.md §6).
type ActivityKind string

const (
	KindScanStarted        ActivityKind = "scan_started"
	KindScanComplete       ActivityKind = "scan_complete"
	KindScanRecovered      ActivityKind = "scan_recovered"
	KindFileDiscovered     ActivityKind = "file_discovered"
	KindFileChanged        ActivityKind = "file_changed"
	KindFileDeleted        ActivityKind = "file_deleted"
	KindFileMissing        ActivityKind = "file_missing"
	KindFingerprintUnchanged ActivityKind = "fingerprint_unchanged"
	KindFingerprintFailed  ActivityKind = "fingerprint_failed"
	KindUploadStarted      ActivityKind = "upload_started"
	KindUploadProgress     ActivityKind = "upload_progress"
	KindUploadComplete     ActivityKind = "upload_complete"
	KindUploadFailed       ActivityKind = "upload_failed"
	KindError              ActivityKind = "error"
)

// Root is a user-registered directory tree.
type Root struct {
	ID        int64
	Path      string
	Recursive bool
	Enabled   bool
	CreatedAt time.Time
}

// Exclude is a glob-or-component rule suppressing discovery under a Root.
type Exclude struct {
	ID      int64
	Pattern string
}

// Server is a remote metadata/content server the Uploader can target.
type Server struct {
	ID           int64
	Name         string
	BaseURL      string
	Username     string
	Secret       string // write-once; never logged
	IsDefault    bool
	Token        string
	TokenExpiry  time.Time
}

// TokenValid reports whether the cached bearer token can still be used,
// given a small safety margin before the real expiry.
func (s *Server) TokenValid(now time.Time) bool {
	return s.Token != "" && now.Before(s.TokenExpiry.Add(-5*time.Second))
}

// File is one row per observed path (spec.md §3).
type File struct {
	ID            int64
	Path          string
	RootID        int64
	Size          int64
	MtimeNS       int64
	Mode          uint32
	UID           uint32
	GID           uint32
	IsSymlink     bool
	LinkTarget    string
	SHA256        string
	Status        FileStatus
	LastError     string
	DiscoveredAt  time.Time
	UpdatedAt     time.Time
}

// ChangeKey is the (size, mtime_ns) tuple used to detect modifications.
func (f *File) ChangeKey() (int64, int64) { return f.Size, f.MtimeNS }

// QueueEntry is a durable work item referencing a File row.
type QueueEntry struct {
	ID            int64
	FileID        int64
	Kind          QueueKind
	EnqueuedAt    time.Time
	Attempts      int
	NextVisibleAt time.Time
	ClaimToken    string
}

// ActivityEvent is an append-only record used for UI display and SSE
// streaming (spec.md §6). IDs are strictly increasing.
type ActivityEvent struct {
	ID        int64
	CreatedAt time.Time
	Kind      ActivityKind
	FilePath  string
	RootID    int64
	Message   string
	Details   map[string]any
}

// Stats is the aggregate returned by Store.Stats and surfaced on /status.
type Stats struct {
	FilesTracked    int64
	PendingChecksum int64
	PendingUpload   int64
	PendingDeletion int64
	Completed       int64
	Failed          int64
}
