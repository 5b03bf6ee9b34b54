// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/capture_guide/internal/steps"
)

// ErrPersistenceCorrupt marks a stored record that cannot be read back.
// Stores log it and report "no session" instead of returning it.
var ErrPersistenceCorrupt = errors.New("session: corrupt record")

const recordVersion = 1

type record struct {
	Version int `json:"version"`
	*Session
}

// Encode serializes a session record.
func Encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(record{Version: recordVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode parses and validates a session record.
func Decode(data []byte) (*Session, error) {
	rec := record{Session: &Session{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceCorrupt, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: version %d", ErrPersistenceCorrupt, rec.Version)
	}
	s := rec.Session
	if _, err := uuid.Parse(s.ID); err != nil {
		return nil, fmt.Errorf("%w: id %q", ErrPersistenceCorrupt, s.ID)
	}
	for i, slot := range s.Slots {
		if slot.Result == nil {
			continue
		}
		if slot.Result.Step != steps.ID(i) {
			return nil, fmt.Errorf("%w: slot %d holds step %v", ErrPersistenceCorrupt, i, slot.Result.Step)
		}
		if slot.Skipped {
			return nil, fmt.Errorf("%w: slot %d is both captured and skipped", ErrPersistenceCorrupt, i)
		}
	}
	return s, nil
}

// Summary is the exported view of a finished session.
type Summary struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Complete   bool          `json:"complete"`
	Captured   int           `json:"captured"`
	Steps      []StepSummary `json:"steps"`
	ExportedAt time.Time     `json:"exported_at"`
}

// StepSummary is one step in a Summary.
type StepSummary struct {
	Step   steps.ID       `json:"step"`
	Title  string         `json:"title"`
	Status string         `json:"status"`
	Result *CaptureResult `json:"result,omitempty"`
}

// Summarize builds the export view of s.
func Summarize(s *Session, now time.Time) Summary {
	sum := Summary{
		ID:         s.ID,
		StartedAt:  s.StartedAt,
		UpdatedAt:  s.UpdatedAt,
		FinishedAt: s.FinishedAt,
		Complete:   s.Complete(),
		Captured:   s.Captured(),
		ExportedAt: now,
	}
	for _, spec := range steps.Canonical() {
		slot := s.Slot(spec.ID)
		st := StepSummary{Step: spec.ID, Title: spec.Title, Result: slot.Result}
		switch {
		case slot.Result != nil:
			st.Status = "captured"
		case slot.Skipped:
			st.Status = "skipped"
		default:
			st.Status = "missing"
		}
		sum.Steps = append(sum.Steps, st)
	}
	return sum
}

// Export writes the session summary as indented JSON.
func Export(w io.Writer, s *Session, now time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Summarize(s, now)); err != nil {
		return fmt.Errorf("export session %s: %w", s.ID, err)
	}
	return nil
}
