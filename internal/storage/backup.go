package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/engram0/engram/internal/memory"
)

// BackupItem is one exported record: identity, raw content, metadata, and
// the stale embedding vector it carried before migration. The vector is
// kept for manual recovery only; reimport recomputes embeddings and never
// reuses it.
type BackupItem struct {
	ContentHash string            `json:"content_hash"`
	Content     string            `json:"content"`
	Tags        []string          `json:"tags,omitempty"`
	MemoryType  string            `json:"memory_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Embedding   []float32         `json:"embedding,omitempty"`
}

// Memory reconstructs the stored record (without its stale vector).
func (b BackupItem) Memory() *memory.Memory {
	return &memory.Memory{
		Content:     b.Content,
		ContentHash: b.ContentHash,
		Tags:        b.Tags,
		MemoryType:  b.MemoryType,
		Metadata:    b.Metadata,
		CreatedAt:   b.CreatedAt,
	}
}

// MigrationBackup is a point-in-time export of every record in a backend,
// persisted to disk before any destructive migration step. It is deleted
// only after a verified successful migration and retained indefinitely
// otherwise, so an operator can always recover the original records.
type MigrationBackup struct {
	CreatedAt    time.Time    `json:"created_at"`
	OldDimension int          `json:"old_dimension"`
	NewDimension int          `json:"new_dimension"`
	Count        int          `json:"count"`
	Items        []BackupItem `json:"items"`
}

// WriteBackup serializes the backup to dir at a path derived from its
// creation time and fsyncs it before returning. The migration must not
// proceed to any destructive step until this has succeeded.
func WriteBackup(dir string, backup *MigrationBackup) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("dimension-migration-%d.json", backup.CreatedAt.Unix()))

	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("writing backup file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("syncing backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing backup file: %w", err)
	}

	return path, nil
}

// ReadBackup loads a backup artifact from disk. Used by operator tooling
// and tests; the migration itself only writes and deletes backups.
func ReadBackup(path string) (*MigrationBackup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	var backup MigrationBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("decoding backup %s: %w", path, err)
	}
	return &backup, nil
}
