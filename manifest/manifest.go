// Package manifest persists user-facing transfer listings as JSON at
// rest. The manifest is bookkeeping for humans and the HTTP surface; the
// engine's checkpoint store, not the manifest, is what resume depends
// on.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transfer status values recorded in the manifest.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Entry is one transfer's listing record.
type Entry struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	FileSize    uint64 `json:"file_size"`
	TotalChunks uint32 `json:"total_chunks"`
	ChunkSize   uint32 `json:"chunk_size"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	FileHash    string `json:"file_hash,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Manager holds the in-memory manifest and saves it to disk on demand.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
	path    string
}

// NewManager creates a manifest manager persisting to path. Pass the
// empty string for an in-memory-only manifest.
func NewManager(path string) *Manager {
	return &Manager{
		entries: make(map[string]Entry),
		path:    path,
	}
}

// Add inserts or replaces an entry, stamping creation and update times.
func (m *Manager) Add(e Entry) {
	now := time.Now().Unix()
	e.CreatedAt = now
	e.UpdatedAt = now

	m.mu.Lock()
	m.entries[e.FileID] = e
	m.mu.Unlock()

	m.persist()
}

// Get returns the entry for fileID.
func (m *Manager) Get(fileID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fileID]
	return e, ok
}

// List returns all entries ordered by creation time.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// SetStatus updates an entry's status. Unknown ids are ignored.
func (m *Manager) SetStatus(fileID, status string) {
	m.mu.Lock()
	e, ok := m.entries[fileID]
	if ok {
		e.Status = status
		e.UpdatedAt = time.Now().Unix()
		m.entries[fileID] = e
	}
	m.mu.Unlock()

	if ok {
		m.persist()
	}
}

// Remove deletes an entry.
func (m *Manager) Remove(fileID string) {
	m.mu.Lock()
	delete(m.entries, fileID)
	m.mu.Unlock()

	m.persist()
}

// Save writes the manifest to path atomically (temp file then rename).
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.snapshotLocked(), "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: rename %s: %w", path, err)
	}
	return nil
}

// Load replaces the in-memory manifest with the contents of path.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	m.mu.Lock()
	m.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		m.entries[e.FileID] = e
	}
	m.mu.Unlock()

	return nil
}

// snapshotLocked returns the sorted entry list. Caller must hold m.mu.
func (m *Manager) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// persist saves to the configured path, if any. Persistence failures
// are logged; the in-memory manifest stays authoritative.
func (m *Manager) persist() {
	if m.path == "" {
		return
	}
	if err := m.Save(m.path); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persist",
			"path":     m.path,
			"error":    err.Error(),
		}).Warn("Manifest save failed")
	}
}
