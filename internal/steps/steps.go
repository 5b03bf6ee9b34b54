// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package steps holds the fixed five-shot capture sequence.
package steps

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relabs-tech/capture_guide/internal/orientation"
)

// Count is the number of steps in a session.
const Count = 5

// StableDuration is how long a pose must be held before the countdown.
const StableDuration = 1500 * time.Millisecond

// ID identifies one of the five canonical steps.
type ID int

const (
	Front ID = iota
	Left
	Right
	Vertex
	Donor
)

var idNames = [Count]string{"front", "left", "right", "vertex", "donor"}

// Index is the position of the step in capture order.
func (id ID) Index() int { return int(id) }

// Valid reports whether id is one of the five steps.
func (id ID) Valid() bool { return id >= Front && id <= Donor }

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("step(%d)", int(id))
	}
	return idNames[id]
}

// ParseID maps a step name to its ID.
func ParseID(s string) (ID, error) {
	for i, name := range idNames {
		if name == s {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", s)
}

// FromIndex returns the step at position i in capture order.
func FromIndex(i int) (ID, error) {
	id := ID(i)
	if !id.Valid() {
		return 0, fmt.Errorf("step index %d out of range", i)
	}
	return id, nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid step id %d", int(id))
	}
	return json.Marshal(idNames[id])
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AudioStrategy selects how the cue controller guides a step.
type AudioStrategy string

const (
	// Continuous pulses while the user seeks the target.
	Continuous AudioStrategy = "continuous"
	// CountdownOnly stays silent until the countdown.
	CountdownOnly AudioStrategy = "countdown-only"
)

// Spec is the immutable configuration of a step.
type Spec struct {
	ID                 ID               `json:"id"`
	Title              string           `json:"title"`
	Target             orientation.Pose `json:"target"`
	Tolerance          float64          `json:"tolerance"`
	StabilityThreshold float64          `json:"stability_threshold"`
	StableDuration     time.Duration    `json:"stable_duration"`
	Audio              AudioStrategy    `json:"audio"`
}

var canonical = [Count]Spec{
	{ID: Front, Title: "Front hairline", Target: orientation.Pose{Pitch: 90}, Tolerance: 15, StabilityThreshold: 2, StableDuration: StableDuration, Audio: CountdownOnly},
	{ID: Left, Title: "Left side", Target: orientation.Pose{Pitch: 90}, Tolerance: 15, StabilityThreshold: 2, StableDuration: StableDuration, Audio: CountdownOnly},
	{ID: Right, Title: "Right side", Target: orientation.Pose{Pitch: 90}, Tolerance: 15, StabilityThreshold: 2, StableDuration: StableDuration, Audio: CountdownOnly},
	{ID: Vertex, Title: "Crown", Target: orientation.Pose{Pitch: 0}, Tolerance: 20, StabilityThreshold: 3, StableDuration: StableDuration, Audio: Continuous},
	{ID: Donor, Title: "Back of head", Target: orientation.Pose{Pitch: 90}, Tolerance: 20, StabilityThreshold: 3, StableDuration: StableDuration, Audio: Continuous},
}

// Canonical returns the five steps in capture order.
func Canonical() [Count]Spec {
	return canonical
}

// Get returns the spec for id. It panics on an invalid id.
func Get(id ID) Spec {
	return canonical[id]
}

// WithStableDuration returns the canonical table with a different hold time.
// Non-positive values keep the default.
func WithStableDuration(d time.Duration) [Count]Spec {
	table := canonical
	if d <= 0 {
		return table
	}
	for i := range table {
		table[i].StableDuration = d
	}
	return table
}
