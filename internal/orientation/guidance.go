// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"encoding/json"
	"fmt"
	"math"
)

// Guidance is the single instruction shown (or spoken) to the user.
type Guidance int

const (
	Perfect Guidance = iota
	TiltUp
	TiltDown
	TiltLeft
	TiltRight
)

var guidanceNames = [...]string{
	Perfect:   "perfect",
	TiltUp:    "tilt_up",
	TiltDown:  "tilt_down",
	TiltLeft:  "tilt_left",
	TiltRight: "tilt_right",
}

func (g Guidance) String() string {
	if g < 0 || int(g) >= len(guidanceNames) {
		return fmt.Sprintf("guidance(%d)", int(g))
	}
	return guidanceNames[g]
}

// Text is the short user-facing phrase for g.
func (g Guidance) Text() string {
	switch g {
	case Perfect:
		return "Perfect, hold still"
	case TiltUp:
		return "Tilt up"
	case TiltDown:
		return "Tilt down"
	case TiltLeft:
		return "Tilt left"
	case TiltRight:
		return "Tilt right"
	}
	return ""
}

func (g Guidance) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *Guidance) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range guidanceNames {
		if name == s {
			*g = Guidance(i)
			return nil
		}
	}
	return fmt.Errorf("unknown guidance %q", s)
}

// Guide picks the instruction for moving current towards target. It is
// Perfect when WithinTolerance holds; otherwise the axis with the larger
// absolute deviation wins. Pitch below target means tilt up, roll below
// target means tilt right.
func Guide(current, target Pose, tol float64) Guidance {
	if WithinTolerance(current, target, tol) {
		return Perfect
	}

	dp := WrapDelta(target.Pitch, current.Pitch)
	dr := WrapDelta(target.Roll, current.Roll)

	if math.Abs(dp) >= math.Abs(dr) {
		if dp > 0 {
			return TiltUp
		}
		return TiltDown
	}
	if dr > 0 {
		return TiltRight
	}
	return TiltLeft
}
