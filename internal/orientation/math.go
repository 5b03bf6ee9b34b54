// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"time"
)

// DefaultAlpha is the EMA weight given to each new reading.
const DefaultAlpha = 0.2

// MinVelocityInterval is the smallest sample interval a velocity is computed
// over. Shorter intervals report zero instead of dividing by near-zero.
const MinVelocityInterval = time.Millisecond

// WrapDelta returns the signed minimal difference a-b on a circular degree
// scale, in (-180, 180]. 179 vs -179 is -2, not 358.
func WrapDelta(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// WrapAngle folds an angle into (-180, 180].
func WrapAngle(a float64) float64 {
	return WrapDelta(a, 0)
}

// AngularDistance is the Euclidean distance between two poses over their
// wrapped pitch and roll deltas. Yaw is ignored.
func AngularDistance(a, b Pose) float64 {
	dp := WrapDelta(a.Pitch, b.Pitch)
	dr := WrapDelta(a.Roll, b.Roll)
	return math.Hypot(dp, dr)
}

// WithinTolerance reports whether both |Δpitch| and |Δroll| are at most tol.
// Each axis is checked on its own; a combined distance is not used.
func WithinTolerance(current, target Pose, tol float64) bool {
	return math.Abs(WrapDelta(current.Pitch, target.Pitch)) <= tol &&
		math.Abs(WrapDelta(current.Roll, target.Roll)) <= tol
}

// Smooth is an exponential moving average step.
func Smooth(newValue, oldValue, alpha float64) float64 {
	return alpha*newValue + (1-alpha)*oldValue
}

// SmoothAngle is Smooth on a circular scale: it moves oldValue towards
// newValue along the shorter arc, so 179 and -179 do not average to 0.
func SmoothAngle(newValue, oldValue, alpha float64) float64 {
	return WrapAngle(oldValue + alpha*WrapDelta(newValue, oldValue))
}

// AngularVelocity is AngularDistance(current, previous)/dt in deg/s.
func AngularVelocity(current, previous Pose, dt time.Duration) float64 {
	if dt < MinVelocityInterval {
		return 0
	}
	return AngularDistance(current, previous) / dt.Seconds()
}
