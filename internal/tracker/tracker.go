// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tracker turns a stream of raw orientation samples into a smoothed,
// stability-annotated estimate emitted at a fixed cadence.
package tracker

import (
	"sync"
	"time"

	"github.com/relabs-tech/capture_guide/internal/orientation"
)

// Defaults for Options fields left at zero.
const (
	DefaultInterval           = 100 * time.Millisecond
	DefaultHistory            = 5
	DefaultStabilityThreshold = 2.0 // deg/s
)

// Target is the orientation the active step is aiming for.
type Target struct {
	Pose               orientation.Pose `json:"pose"`
	Tolerance          float64          `json:"tolerance"`
	StabilityThreshold float64          `json:"stability_threshold"`
}

// Delta is the signed deviation of the smoothed pose from the target.
type Delta struct {
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	Distance float64 `json:"distance"`
}

// Reading is one emitted smoothed orientation. Delta and WithinTolerance are
// nil while no target is set.
type Reading struct {
	Pitch           float64   `json:"pitch"`
	Roll            float64   `json:"roll"`
	Velocity        float64   `json:"velocity"`
	Stable          bool      `json:"stable"`
	Delta           *Delta    `json:"delta,omitempty"`
	WithinTolerance *bool     `json:"within_tolerance,omitempty"`
	Time            time.Time `json:"time"`
}

// Pose returns the smoothed pitch/roll as a Pose.
func (r Reading) Pose() orientation.Pose {
	return orientation.Pose{Pitch: r.Pitch, Roll: r.Roll}
}

// OnTarget reports whether a target is set and the reading is within its
// tolerance.
func (r Reading) OnTarget() bool {
	return r.WithinTolerance != nil && *r.WithinTolerance
}

// Options tunes the tracker. Zero values select the defaults.
type Options struct {
	Alpha              float64
	Interval           time.Duration
	History            int
	StabilityThreshold float64
}

type point struct {
	pose orientation.Pose
	at   time.Time
}

// Tracker folds raw samples into an EMA estimate, one per time bucket.
// It knows nothing about countdowns or capture.
type Tracker struct {
	mu sync.Mutex

	alpha     float64
	interval  time.Duration
	threshold float64

	target *Target

	pending    *orientation.Sample
	pendingIdx int64

	// closedIdx is the last bucket emitted; closed is false until then.
	closedIdx int64
	closed    bool

	smoothed orientation.Pose
	history  *ring

	latest     Reading
	haveLatest bool
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = orientation.DefaultAlpha
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.History < 2 {
		opts.History = DefaultHistory
	}
	if opts.StabilityThreshold <= 0 {
		opts.StabilityThreshold = DefaultStabilityThreshold
	}
	return &Tracker{
		alpha:     opts.Alpha,
		interval:  opts.Interval,
		threshold: opts.StabilityThreshold,
		history:   newRing(opts.History),
	}
}

// Interval is the emission cadence.
func (t *Tracker) Interval() time.Duration {
	return t.interval
}

// SetTarget activates a target; subsequent readings carry deltas.
func (t *Tracker) SetTarget(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = &target
}

// ClearTarget drops the active target. Stability is still computed.
func (t *Tracker) ClearTarget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = nil
}

// OnSample folds a raw sample into its time bucket. When the sample opens a
// later bucket, the previous bucket is closed and its reading returned.
// Only the last sample of a bucket is smoothed in. Samples older than the
// open bucket, or falling in a bucket already emitted, are dropped.
func (t *Tracker) OnSample(s orientation.Sample) (Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketOf(s.Time)
	if t.closed && idx <= t.closedIdx {
		return Reading{}, false
	}

	if t.pending == nil {
		t.pending = &s
		t.pendingIdx = idx
		return Reading{}, false
	}

	switch {
	case idx == t.pendingIdx:
		t.pending = &s
		return Reading{}, false
	case idx < t.pendingIdx:
		return Reading{}, false
	}

	r := t.closeBucket()
	t.pending = &s
	t.pendingIdx = idx
	return r, true
}

// Flush closes the open bucket if its end is not after now.
func (t *Tracker) Flush(now time.Time) (Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil || now.Before(t.bucketEnd(t.pendingIdx)) {
		return Reading{}, false
	}
	r := t.closeBucket()
	t.pending = nil
	return r, true
}

// Latest returns the last emitted reading.
func (t *Tracker) Latest() (Reading, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.haveLatest
}

// Reset forgets all history, keeping the target.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	t.closed = false
	t.history.reset()
	t.latest = Reading{}
	t.haveLatest = false
}

func (t *Tracker) bucketOf(at time.Time) int64 {
	return at.UnixNano() / int64(t.interval)
}

func (t *Tracker) bucketEnd(idx int64) time.Time {
	return time.Unix(0, (idx+1)*int64(t.interval))
}

// closeBucket smooths the pending sample in and builds the reading stamped
// at the bucket end, so consecutive readings are a whole number of
// intervals apart.
func (t *Tracker) closeBucket() Reading {
	s := *t.pending
	at := t.bucketEnd(t.pendingIdx)
	t.closedIdx = t.pendingIdx
	t.closed = true

	if t.history.len() == 0 {
		t.smoothed = orientation.Pose{Pitch: s.Pitch, Roll: s.Roll}
	} else {
		t.smoothed = orientation.Pose{
			Pitch: orientation.SmoothAngle(s.Pitch, t.smoothed.Pitch, t.alpha),
			Roll:  orientation.SmoothAngle(s.Roll, t.smoothed.Roll, t.alpha),
		}
	}
	t.history.push(point{pose: t.smoothed, at: at})

	r := Reading{
		Pitch: t.smoothed.Pitch,
		Roll:  t.smoothed.Roll,
		Time:  at,
	}

	threshold := t.threshold
	if t.target != nil && t.target.StabilityThreshold > 0 {
		threshold = t.target.StabilityThreshold
	}

	if prev, last, ok := t.history.lastTwo(); ok {
		r.Velocity = orientation.AngularVelocity(last.pose, prev.pose, last.at.Sub(prev.at))
		r.Stable = r.Velocity < threshold
	}

	if t.target != nil {
		d := Delta{
			Pitch:    orientation.WrapDelta(t.smoothed.Pitch, t.target.Pose.Pitch),
			Roll:     orientation.WrapDelta(t.smoothed.Roll, t.target.Pose.Roll),
			Distance: orientation.AngularDistance(t.smoothed, t.target.Pose),
		}
		within := orientation.WithinTolerance(t.smoothed, t.target.Pose, t.target.Tolerance)
		r.Delta = &d
		r.WithinTolerance = &within
	}

	t.latest = r
	t.haveLatest = true
	return r
}
