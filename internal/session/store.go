// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/google/uuid"
)

// Store persists sessions, one record per session ID.
//
// Load and Latest return (nil, nil) when there is no session, including
// when the stored record is corrupt.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Latest(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// Delete removes the record and releases every image it references.
	Delete(ctx context.Context, id string) error
	// ReleaseImage drops an image that is no longer referenced.
	ReleaseImage(ctx context.Context, ref string) error
	Close() error
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return nil
}

// decodeOrDiscard turns a corrupt record into "no session".
func decodeOrDiscard(where string, data []byte) *Session {
	s, err := Decode(data)
	if err != nil {
		log.Printf("session: discarding %s: %v", where, err)
		return nil
	}
	return s
}

// removeImage deletes an image file. A missing file is not an error.
func removeImage(ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release image %s: %w", ref, err)
	}
	return nil
}

func releaseAll(s *Session) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, ref := range s.ImageRefs() {
		if err := removeImage(ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
