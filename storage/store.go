// Package storage writes mail attachments to a local directory.
package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// DefaultDir is used when no directory is configured
const DefaultDir = "attachments"

// Store saves attachments under a fixed directory using their declared names.
// Existing files with the same name are overwritten.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore creates a Store rooted at dir
func NewStore(dir string, log *zap.Logger) *Store {
	if dir == "" {
		dir = DefaultDir
	}

	return &Store{
		dir: dir,
		log: log,
	}
}

// Dir returns the output directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where an attachment called name is written. Only the base name
// is used so a declared filename can't escape the output directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Save writes content to the file for name
func (s *Store) Save(name string, content []byte) error {
	const op = errors.Op("storage_save")

	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return errors.E(op, errors.Errorf("invalid attachment filename: %q", name))
	}

	err := os.MkdirAll(s.dir, 0755)
	if err != nil {
		return errors.E(op, errors.Errorf("failed to create attachment dir: %v", err))
	}

	path := s.Path(name)
	s.log.Info("saving attached file", zap.String("filename", name), zap.String("path", path))

	err = os.WriteFile(path, content, 0644)
	if err != nil {
		return errors.E(op, errors.Errorf("failed to write attachment: %v", err))
	}

	return nil
}

// Cleanup removes regular files older than maxAge and returns how many were removed
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	const op = errors.Op("storage_cleanup")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		// nothing saved yet
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.E(op, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn("failed to remove attachment", zap.String("path", path), zap.Error(err))
			} else {
				removed++
			}
		}
	}

	if removed > 0 {
		s.log.Debug("attachment cleanup completed", zap.Int("removed", removed))
	}

	return removed, nil
}
