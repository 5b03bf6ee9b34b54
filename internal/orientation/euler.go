// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import "math"

// GimbalLockMargin is how close (in degrees) pitch may get to ±90 before
// roll and yaw are treated as coupled.
const GimbalLockMargin = 0.5

// Quaternion is a unit rotation as reported by a platform rotation-vector
// sensor. It does not need to be perfectly normalised.
type Quaternion struct {
	W, X, Y, Z float64
}

func (q Quaternion) normalized() Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return Quaternion{W: 1}
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// ToEuler converts a rotation to ZYX Tait-Bryan angles in degrees, each in
// [-180, 180]. Near pitch ±90 roll and yaw are not separable; roll is held at
// prev.Roll and only the coupled angle is assigned to yaw, so the output
// never jumps further than the physical rotation did.
func ToEuler(q Quaternion, prev Pose) Pose {
	q = q.normalized()

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}
	pitch := math.Asin(sinp) * 180 / math.Pi

	if 90-math.Abs(pitch) < GimbalLockMargin {
		// Only yaw-roll (north pole) or yaw+roll (south pole) is defined.
		coupled := 2 * math.Atan2(q.X, q.W) * 180 / math.Pi
		var yaw float64
		if pitch > 0 {
			yaw = prev.Roll - coupled
		} else {
			yaw = coupled - prev.Roll
		}
		return Pose{
			Roll:  WrapAngle(prev.Roll),
			Pitch: pitch,
			Yaw:   WrapAngle(yaw),
		}
	}

	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))

	return Pose{
		Roll:  roll * 180 / math.Pi,
		Pitch: pitch,
		Yaw:   yaw * 180 / math.Pi,
	}
}

// FromEuler builds the quaternion for ZYX angles in degrees. It is the
// inverse of ToEuler away from gimbal lock.
func FromEuler(p Pose) Quaternion {
	r := p.Roll * math.Pi / 360
	y := p.Pitch * math.Pi / 360
	z := p.Yaw * math.Pi / 360

	cr, sr := math.Cos(r), math.Sin(r)
	cp, sp := math.Cos(y), math.Sin(y)
	cy, sy := math.Cos(z), math.Sin(z)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}
