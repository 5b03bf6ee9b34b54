// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"sync"
	"time"
)

type mockSource struct {
	mu     sync.Mutex
	start  time.Time
	aim    func() Pose
	last   Pose
	settle time.Duration
	now    func() time.Time
}

// NewMockSource creates a mock orientation source that behaves like a hand
// homing in on a pose: a large swing that decays over settle, then a small
// tremor. aim is asked for the pose on every sample so the mock follows
// whatever target the caller is currently guiding towards; a jump in the aim
// restarts the swing.
func NewMockSource(aim func() Pose, settle time.Duration) Source {
	if settle <= 0 {
		settle = 3 * time.Second
	}
	return &mockSource{start: time.Now(), aim: aim, settle: settle, now: time.Now}
}

func (m *mockSource) Next() (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	center := m.aim()
	if AngularDistance(center, m.last) > 1 {
		m.start = now
		m.last = center
	}

	elapsed := now.Sub(m.start).Seconds()
	amp := 25 * math.Exp(-elapsed/m.settle.Seconds())
	tremor := 0.3 * math.Sin(elapsed*7.3)

	return Sample{
		Pose: Pose{
			Roll:  center.Roll + amp*math.Sin(elapsed*1.9) + tremor,
			Pitch: center.Pitch + amp*math.Cos(elapsed*1.3) + tremor,
			Yaw:   math.Mod(elapsed*5, 360),
		},
		Time: now,
	}, nil
}
