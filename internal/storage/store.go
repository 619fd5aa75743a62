// Package storage is the directory store: one filesystem subtree per
// group, holding uploaded file bytes. It carries no policy; callers
// decide who may read or write. Blobs appear at their final path only
// through Commit, so a half-received upload is never visible.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrInvalidName rejects names that would escape or corrupt the store
// layout: empty, overlong, path separators, dot and dot-dot.
var ErrInvalidName = errors.New("invalid name")

// MaxNameLength matches common filesystem limits.
const MaxNameLength = 255

// ValidateName checks a single path component (group id or file name).
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidName
	}
	if name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}

// Store manages blobs under a single base directory.
type Store struct {
	base string
	log  *logrus.Logger
}

func New(base string, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Store{base: base, log: log}, nil
}

// BlobPath returns the on-disk location of a blob. Both components must
// already be validated.
func (s *Store) BlobPath(groupID, fileName string) string {
	return filepath.Join(s.base, groupID, fileName)
}

// CreateTemp ensures the group's subtree exists and opens a temp file in
// it for an incoming upload. The temp name never collides with blob
// names because blob names cannot start with ".".
func (s *Store) CreateTemp(groupID string) (*os.File, error) {
	dir := filepath.Join(s.base, groupID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create group directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Commit makes a finished temp file durable and moves it to its final
// blob path. The rename is atomic on the same filesystem, so the blob
// either exists completely or not at all.
func (s *Store) Commit(tmp *os.File, groupID, fileName string) error {
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.BlobPath(groupID, fileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Abort discards a temp file after a failed upload.
func (s *Store) Abort(tmp *os.File) {
	name := tmp.Name()
	tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("path", name).Warn("could not remove aborted upload")
	}
}

// Open opens a blob for streaming.
func (s *Store) Open(groupID, fileName string) (*os.File, error) {
	f, err := os.Open(s.BlobPath(groupID, fileName))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Remove unlinks a blob. A missing blob is not an error; the catalog
// entry was already removed and that is the state that matters.
func (s *Store) Remove(groupID, fileName string) error {
	err := os.Remove(s.BlobPath(groupID, fileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}
