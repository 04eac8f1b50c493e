package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/probelab/deepresearch/pkg/domain"
)

// FileStore persists checkpoints as one JSON file per session under a
// base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed checkpoint store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// safeName flattens a session id into a filename. Ids are uuids in
// practice; the filter guards against path separators sneaking in via
// hand-crafted ids.
func safeName(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, safeName(sessionID)+".json")
}

// Save writes the checkpoint to a temp file and renames it into place,
// so readers never observe a torn write.
func (s *FileStore) Save(ctx context.Context, sessionID string, cp *domain.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	target := s.path(sessionID)
	tmp, err := os.CreateTemp(s.baseDir, "."+safeName(sessionID)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	return nil
}

// Load reads the checkpoint for a session.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns summaries of all stored checkpoints, newest first.
func (s *FileStore) List(ctx context.Context) ([]domain.CheckpointSummary, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	var summaries []domain.CheckpointSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			continue
		}
		var cp domain.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			// A corrupt file must not hide the healthy ones.
			continue
		}

		summaries = append(summaries, domain.CheckpointSummary{
			SessionID: cp.SessionID,
			Query:     cp.Query,
			Status:    cp.Status,
			Completed: cp.CompletedCount(),
			Total:     cp.CompletedCount() + cp.RemainingCount(),
			UpdatedAt: cp.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
