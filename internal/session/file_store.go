// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	dir string
}

// OpenFileStore uses dir, creating it if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load returns the session with the given id.
func (s *FileStore) Load(_ context.Context, id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeOrDiscard(s.path(id), data), nil
}

// Latest returns the session whose file was written last.
func (s *FileStore) Latest(ctx context.Context) (*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = strings.TrimSuffix(name, ".json")
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return nil, nil
	}
	if err := validID(newest); err != nil {
		return nil, nil
	}
	return s.Load(ctx, newest)
}

// Save writes the record to a temporary file and renames it into place, so
// a crash never leaves a half-written record.
func (s *FileStore) Save(_ context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the session file and its images.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return releaseAll(sess)
}

// ReleaseImage removes an image file.
func (s *FileStore) ReleaseImage(_ context.Context, ref string) error {
	return removeImage(ref)
}
