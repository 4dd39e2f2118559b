package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lexcodex/dbtmigrate/framework"
)

const archiveDir = "archive"

// FileSnapshotStore stores one JSON document per run under root.
type FileSnapshotStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileSnapshotStore creates a store under the provided directory.
func NewFileSnapshotStore(root string) (*FileSnapshotStore, error) {
	if root == "" {
		return nil, errors.New("snapshot store root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{root: root}, nil
}

func (s *FileSnapshotStore) path(runID string) string {
	return filepath.Join(s.root, runID+".json")
}

func (s *FileSnapshotStore) archivePath(runID string) string {
	return filepath.Join(s.root, archiveDir, runID+".json")
}

// Save writes the snapshot through a temp file and rename.
func (s *FileSnapshotStore) Save(ctx context.Context, state *framework.MigrationState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := encode(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path(state.RunID), data)
}

// Load retrieves a snapshot by run ID, looking in the archive as well.
func (s *FileSnapshotStore) Load(ctx context.Context, runID string) (*framework.MigrationState, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, path := range []string{s.path(runID), s.archivePath(runID)} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return decode(data)
	}
	return nil, notFound(runID)
}

// List returns active and archived snapshots, newest first.
func (s *FileSnapshotStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []SnapshotInfo
	for _, dir := range []struct {
		path     string
		archived bool
	}{{s.root, false}, {filepath.Join(s.root, archiveDir), true}} {
		entries, err := os.ReadDir(dir.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir.path, entry.Name()))
			if err != nil {
				return nil, err
			}
			state, err := decode(data)
			if err != nil {
				return nil, err
			}
			infos = append(infos, infoFor(state, dir.archived))
		}
	}
	sortInfos(infos)
	return infos, nil
}

// Delete removes a snapshot, active or archived.
func (s *FileSnapshotStore) Delete(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for _, path := range []string{s.path(runID), s.archivePath(runID)} {
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if !removed {
		return notFound(runID)
	}
	return nil
}

// Archive moves a snapshot into the archive directory.
func (s *FileSnapshotStore) Archive(ctx context.Context, runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(s.root, archiveDir), 0o755); err != nil {
		return err
	}
	err := os.Rename(s.path(runID), s.archivePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return notFound(runID)
	}
	return err
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
