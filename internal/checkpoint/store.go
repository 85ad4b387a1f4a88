package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drewfead/herald/internal/logging"
)

// Store persists checkpoints as one JSON file per record. Writes are atomic:
// serialize, write a temp file, rename over the target. There is no
// cross-process locking; concurrent writers in one process serialize through
// the dispatcher that owns each record.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Write persists a checkpoint, replacing any existing record with the same id.
func (s *Store) Write(cp *Checkpoint) error {
	cp.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	target := s.path(cp.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Clear removes a checkpoint. Missing files are not an error: clear runs on
// both the success path and the startup reconciler.
func (s *Store) Clear(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear checkpoint %s: %w", id, err)
	}
	return nil
}

// Load reads one checkpoint by id. A missing or malformed file returns nil
// without error: callers treat it as "no prior record".
func (s *Store) Load(id string) *Checkpoint {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil || !cp.Valid() {
		return nil
	}
	return &cp
}

// LoadAll reads every checkpoint for the given account (empty = all accounts),
// silently skipping malformed or wrong-version files so one corrupt record
// never blocks recovery of the rest.
func (s *Store) LoadAll(account string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			logging.Warn("checkpoint unreadable, skipping", "file", entry.Name(), "error", err)
			continue
		}

		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			logging.Warn("checkpoint corrupt, skipping", "file", entry.Name(), "error", err)
			continue
		}
		if !cp.Valid() {
			logging.Warn("checkpoint invalid, skipping", "file", entry.Name(), "id", cp.ID, "schema", cp.SchemaVersion)
			continue
		}
		if account != "" && cp.Account != account {
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
