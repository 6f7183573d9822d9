// Package storage is the filesystem collaborator for the EclipseTV core.
//
// Inbound media is persisted under an app-private media directory with
// atomic writes (temp file then rename), so a partially received video is
// never observable at its final path.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MediaStore manages the app-private media directory.
type MediaStore struct {
	dir string
	mu  sync.Mutex
}

// NewMediaStore creates the media directory if needed and returns a store
// rooted there.
func NewMediaStore(dir string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewMediaStore",
		"dir":      dir,
	}).Info("Media store initialized")

	return &MediaStore{dir: dir}, nil
}

// Dir returns the media directory path.
func (s *MediaStore) Dir() string {
	return s.dir
}

// Save persists data under name atomically and returns the final path.
// An existing file with the same name is given a uniquified name instead
// of being overwritten.
func (s *MediaStore) Save(name string, data []byte) (string, error) {
	tempPath, err := s.stage()
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write media: %w", err)
	}

	finalPath, err := s.commit(tempPath, name)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"path":     finalPath,
		"size":     len(data),
	}).Info("Media saved")

	return finalPath, nil
}

// SaveStream persists the contents of r under name atomically and returns
// the final path and byte count.
func (s *MediaStore) SaveStream(name string, r io.Reader) (string, int64, error) {
	tempPath, err := s.stage()
	if err != nil {
		return "", 0, err
	}

	f, err := os.Create(tempPath)
	if err != nil {
		return "", 0, fmt.Errorf("create media file: %w", err)
	}

	written, err := io.Copy(f, r)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("write media: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("close media file: %w", closeErr)
	}

	finalPath, err := s.commit(tempPath, name)
	if err != nil {
		return "", 0, err
	}

	return finalPath, written, nil
}

// stage reserves a staging file unique to this call, so concurrent saves
// of the same name never share a temp path.
func (s *MediaStore) stage() (string, error) {
	f, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("stage media file: %w", err)
	}
	tempPath := f.Name()
	f.Close()
	return tempPath, nil
}

// commit moves a staged file to its collision-free final name. The lock
// makes pick-and-rename atomic against concurrent saves of the same
// name, so neither can overwrite the other's media.
func (s *MediaStore) commit(tempPath, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	finalPath := s.uniquePath(filepath.Base(name))
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("finalize media: %w", err)
	}
	return finalPath, nil
}

// FileExists reports whether path names an existing regular file.
func (s *MediaStore) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the file at path. Missing files are not an error.
func (s *MediaStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove media: %w", err)
	}
	return nil
}

// Attributes returns the size and modification time of the file at path.
func (s *MediaStore) Attributes(path string) (size int64, modTime time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("stat media: %w", err)
	}
	return info.Size(), info.ModTime(), nil
}

// uniquePath returns a path under the media dir that does not collide
// with an existing file, appending a numeric suffix before the extension
// when needed.
func (s *MediaStore) uniquePath(name string) string {
	candidate := filepath.Join(s.dir, name)
	if !s.FileExists(candidate) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		candidate = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !s.FileExists(candidate) {
			return candidate
		}
	}
}
