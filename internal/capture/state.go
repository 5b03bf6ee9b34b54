// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSensorUnavailable means there is no motion data; the machine runs
	// in manual-only mode.
	ErrSensorUnavailable = errors.New("motion sensor unavailable")
	// ErrCaptureFailed is surfaced once every capture attempt has failed.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrStorageWriteFailed is surfaced once every save attempt has failed.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrRejected is returned by a command not accepted in the current state.
	ErrRejected = errors.New("command rejected")
	// ErrNoCamera is returned by ManualCapture without camera permission.
	ErrNoCamera = errors.New("camera unavailable")
)

// State is the per-step machine state.
type State int

const (
	Idle State = iota
	WaitingForAngle
	Stabilizing
	Countdown
	Capturing
	Captured
)

var stateNames = []string{"idle", "waiting_for_angle", "stabilizing", "countdown", "capturing", "captured"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// CountdownState is the running countdown. The zero value is inactive.
type CountdownState struct {
	Running        bool      `json:"running"`
	TicksRemaining int       `json:"ticks_remaining,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// Permissions are the capabilities granted by the host.
type Permissions struct {
	Camera bool `json:"camera"`
	Motion bool `json:"motion"`
}
