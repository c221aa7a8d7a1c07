package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/types"
)

// Storage persists the latest snapshot of each category so a restart can
// serve stale-but-valid data before the first cycle completes.
type Storage interface {
	Save(snapshot *types.Snapshot) error
	Load(category types.Category) (*types.Snapshot, error)
	Close() error
}

// NewStorage opens the backend named by cfg.Type. For redis, cfg.Path is
// the server address and stored snapshots expire after the restore age.
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.Path)
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "redis":
		return NewRedisStorage(cfg.Path, time.Duration(cfg.MaxRestoreAgeSeconds)*time.Second)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// FileStorage stores one JSON file per category under dir
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(category types.Category) string {
	return filepath.Join(f.dir, category.Slug()+".json")
}

func (f *FileStorage) Save(snapshot *types.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	return writeFileAtomic(f.path(snapshot.Category), data)
}

func (f *FileStorage) Load(category types.Category) (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path(category))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist yet
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (f *FileStorage) Close() error {
	return nil
}

// writeFileAtomic writes to a temp file, then renames it over path
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}
