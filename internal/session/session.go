// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session holds the five-slot capture session and its persistence.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/capture_guide/internal/steps"
)

// CaptureResult is one successful capture.
type CaptureResult struct {
	Step       steps.ID  `json:"step"`
	CapturedAt time.Time `json:"captured_at"`
	ImageRef   string    `json:"image_ref"`
	Pitch      float64   `json:"pitch"`
	Roll       float64   `json:"roll"`
	SizeBytes  int64     `json:"size_bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// Slot is one step's entry. A skipped slot is still empty.
type Slot struct {
	Result  *CaptureResult `json:"result,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// Empty reports whether the slot holds no result.
func (s Slot) Empty() bool { return s.Result == nil }

func (s Slot) clone() Slot {
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	return s
}

// Session is the capture aggregate. Slots are indexed by steps.ID.
type Session struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Slots      [steps.Count]Slot `json:"slots"`
}

// New starts an empty session.
func New(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Slot returns a copy of the slot for id.
func (s *Session) Slot(id steps.ID) Slot {
	return s.Slots[id].clone()
}

// SetResult stores r in its step's slot, replacing whatever was there, and
// returns the previous slot.
func (s *Session) SetResult(r CaptureResult, now time.Time) Slot {
	prev := s.Slots[r.Step]
	s.Slots[r.Step] = Slot{Result: &r}
	s.UpdatedAt = now
	return prev
}

// Skip empties the slot for id and marks it skipped.
func (s *Session) Skip(id steps.ID, now time.Time) Slot {
	prev := s.Slots[id]
	s.Slots[id] = Slot{Skipped: true}
	s.UpdatedAt = now
	return prev
}

// Clear empties the slot for id.
func (s *Session) Clear(id steps.ID, now time.Time) Slot {
	prev := s.Slots[id]
	s.Slots[id] = Slot{}
	s.UpdatedAt = now
	return prev
}

// Restore puts back a slot returned by SetResult, Skip or Clear. The update
// time is left alone.
func (s *Session) Restore(id steps.ID, slot Slot) {
	s.Slots[id] = slot
}

// Finish marks the session as explicitly finished. A finished session is
// never resumed.
func (s *Session) Finish(now time.Time) {
	t := now
	s.FinishedAt = &t
}

// Finished reports whether Finish was called.
func (s *Session) Finished() bool { return s.FinishedAt != nil }

// Complete is true iff every slot holds a result.
func (s *Session) Complete() bool {
	for _, slot := range s.Slots {
		if slot.Empty() {
			return false
		}
	}
	return true
}

// Captured counts slots holding a result.
func (s *Session) Captured() int {
	n := 0
	for _, slot := range s.Slots {
		if !slot.Empty() {
			n++
		}
	}
	return n
}

// NextPending returns the first step that is neither captured nor skipped.
func (s *Session) NextPending() (steps.ID, bool) {
	for i, slot := range s.Slots {
		if slot.Empty() && !slot.Skipped {
			return steps.ID(i), true
		}
	}
	return 0, false
}

// ImageRefs lists the image references held by the session.
func (s *Session) ImageRefs() []string {
	var refs []string
	for _, slot := range s.Slots {
		if slot.Result != nil && slot.Result.ImageRef != "" {
			refs = append(refs, slot.Result.ImageRef)
		}
	}
	return refs
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	for i := range c.Slots {
		c.Slots[i] = s.Slots[i].clone()
	}
	return &c
}
