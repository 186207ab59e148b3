package quota

// ============================================================================
// Quota snapshot - checkpointed usage totals
// ============================================================================
//
// Write is atomic: the JSON goes to <path>.tmp first and is renamed over the
// previous snapshot, so a crash leaves either the old or the new file.
//
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const snapshotSchemaVersion = 1

// SnapshotData is the persisted form of the usage table.
type SnapshotData struct {
	SchemaVer int       `json:"schema_version"`
	LastSeq   uint64    `json:"last_seq"` // last journal event folded in
	TakenAt   time.Time `json:"taken_at"`
	Usage     []Usage   `json:"usage"`
}

// SnapshotManager reads and writes the snapshot file.
type SnapshotManager struct {
	path string
	mu   sync.Mutex
}

func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Write replaces the snapshot atomically.
func (m *SnapshotManager) Write(data SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = snapshotSchemaVersion
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (m *SnapshotManager) Load() (SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotData{SchemaVer: snapshotSchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *SnapshotManager) Path() string { return m.path }
