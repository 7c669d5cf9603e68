// Package jsonfile keeps transfer progress in one JSON document per direction, replaced atomically on
// every save.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/italolelis/sftp_sync/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	tmpExt   = ".tmp"
)

// Store implements storage.ProgressStore on top of <dir>/upload_progress.json and
// <dir>/download_progress.json. Each document maps a canonical root to its completed identifiers.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the progress directory if needed. The directory and its documents outlive the process.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("progress directory is required")
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Path returns the document backing a direction.
func (s *Store) Path(direction storage.Direction) string {
	return filepath.Join(s.dir, string(direction)+"_progress.json")
}

func (s *Store) Load(_ context.Context, direction storage.Direction) (map[string][]string, error) {
	if err := direction.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(direction)
}

func (s *Store) Completed(_ context.Context, key storage.Key) ([]string, error) {
	if err := key.Direction.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(key.Direction)
	if err != nil {
		return nil, err
	}

	return append([]string{}, doc[key.Root]...), nil
}

func (s *Store) Save(_ context.Context, key storage.Key, completed []string) error {
	if err := key.Direction.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(key.Direction)
	if err != nil {
		return err
	}

	doc[key.Root] = storage.Normalize(completed)

	return s.write(key.Direction, doc)
}

func (s *Store) Clear(_ context.Context, key storage.Key) error {
	if err := key.Direction.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(key.Direction)
	if err != nil {
		return err
	}

	if _, ok := doc[key.Root]; !ok {
		return nil
	}

	delete(doc, key.Root)

	return s.write(key.Direction, doc)
}

func (s *Store) read(direction storage.Direction) (map[string][]string, error) {
	data, err := os.ReadFile(s.Path(direction))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]string{}, nil
		}

		return nil, fmt.Errorf("failed to read %s progress: %w", direction, err)
	}

	doc := map[string][]string{}
	if len(data) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s progress: %w", direction, err)
	}

	return doc, nil
}

// write replaces the document through a temp file and rename, so a crash leaves either the old or
// the new document on disk, never a truncated one.
func (s *Store) write(direction storage.Direction, doc map[string][]string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s progress: %w", direction, err)
	}

	path := s.Path(direction)
	temp := path + tmpExt

	f, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(temp)

		return fmt.Errorf("failed to write temp progress file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(temp)

		return fmt.Errorf("failed to sync temp progress file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(temp)

		return fmt.Errorf("failed to close temp progress file: %w", err)
	}

	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)

		return fmt.Errorf("failed to replace progress file: %w", err)
	}

	return nil
}
