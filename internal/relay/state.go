package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/drewfead/herald/internal/logging"
)

const mirrorSchemaVersion = 1

// MirrorEntry is the durable pointer to one run's mirrored message, written
// as soon as the mirror id is known so a crash mid-run leaves something to
// reconcile.
type MirrorEntry struct {
	MessageID int64  `json:"message_id"`
	Label     string `json:"label"`
	Origin    string `json:"origin"`
	Stream    string `json:"stream"`
	Topic     string `json:"topic"`
}

type mirrorFile struct {
	SchemaVersion int                    `json:"schema_version"`
	Entries       map[string]MirrorEntry `json:"entries"`
}

// MirrorState is the crash-recoverable map of run id to mirrored message.
type MirrorState struct {
	mu      sync.Mutex
	path    string
	entries map[string]MirrorEntry
}

// LoadMirrorState reads persisted mirror state, starting empty when the file
// is missing or unreadable.
func LoadMirrorState(path string) *MirrorState {
	ms := &MirrorState{path: path, entries: make(map[string]MirrorEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("mirror state unreadable, starting empty", "path", path, "error", err)
		}
		return ms
	}

	var f mirrorFile
	if err := json.Unmarshal(data, &f); err != nil || f.SchemaVersion != mirrorSchemaVersion {
		logging.Warn("mirror state corrupt or outdated, starting empty", "path", path)
		return ms
	}
	if f.Entries != nil {
		ms.entries = f.Entries
	}
	return ms
}

// Put records a run's mirror pointer and persists.
func (ms *MirrorState) Put(runID string, entry MirrorEntry) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[runID] = entry
	ms.saveLocked()
}

// Remove drops a run's mirror pointer and persists.
func (ms *MirrorState) Remove(runID string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.entries[runID]; !ok {
		return
	}
	delete(ms.entries, runID)
	ms.saveLocked()
}

// Entries returns a copy of the current map.
func (ms *MirrorState) Entries() map[string]MirrorEntry {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[string]MirrorEntry, len(ms.entries))
	for k, v := range ms.entries {
		out[k] = v
	}
	return out
}

func (ms *MirrorState) saveLocked() {
	data, err := json.MarshalIndent(mirrorFile{
		SchemaVersion: mirrorSchemaVersion,
		Entries:       ms.entries,
	}, "", "  ")
	if err != nil {
		logging.Warn("mirror state marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(ms.path), 0700); err != nil {
		logging.Warn("mirror state dir create failed", "error", err)
		return
	}
	tmp := ms.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		logging.Warn("mirror state write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, ms.path); err != nil {
		os.Remove(tmp)
		logging.Warn("mirror state commit failed", "error", err)
	}
}
