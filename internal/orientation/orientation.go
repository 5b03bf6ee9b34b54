// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"time"
)

// Pose is the canonical representation of handset orientation, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Sample is one raw orientation reading as delivered by a motion source.
// Samples are folded into the tracker's estimate and then discarded.
type Sample struct {
	Pose
	Time time.Time `json:"time"`
}

// Source is anything that can provide samples over time: the mock source,
// the MPU9250 over SPI, a serial tilt sensor, or a replay of recorded data.
type Source interface {
	Next() (Sample, error)
}

// FromGravity computes pitch and roll from an accelerometer reading in the
// handset frame (x right, y up the long edge, z out of the screen).
// Units do not matter, only the ratios between axes.
//
//	pitch = atan2(ay, az)               0 flat, 90 upright, ±180 face down
//	roll  = atan2(-ax, sqrt(ay² + az²)) side tilt about the long axis
//
// Yaw cannot be observed from gravity and is left at 0.
func FromGravity(ax, ay, az float64) Pose {
	pitchRad := math.Atan2(ay, az)
	rollRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
		Yaw:   0,
	}
}
