// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package cue turns guidance state into audio cue events.
package cue

import (
	"log"
	"time"

	"github.com/relabs-tech/capture_guide/internal/steps"
)

// Kind is the type of cue.
type Kind string

const (
	Pulse    Kind = "pulse"
	Tick     Kind = "tick"
	Captured Kind = "captured"
)

// Pulse interval range and the distance mapped onto it.
const (
	MinPulseInterval = 500 * time.Millisecond
	MaxPulseInterval = 3 * time.Second
	MaxPulseDistance = 30.0
)

// Cue is one sound to play.
type Cue struct {
	Kind     Kind          `json:"kind"`
	Step     steps.ID      `json:"step"`
	Tick     int           `json:"tick,omitempty"`
	Distance float64       `json:"distance,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	At       time.Time     `json:"at"`
}

// Player plays cues. Play should not block.
type Player interface {
	Play(c Cue) error
}

// PulseInterval maps the distance to target onto the pulse period: 0° gives
// MinPulseInterval, MaxPulseDistance or more gives MaxPulseInterval.
func PulseInterval(distance float64) time.Duration {
	if distance < 0 {
		distance = -distance
	}
	if distance >= MaxPulseDistance {
		return MaxPulseInterval
	}
	span := float64(MaxPulseInterval - MinPulseInterval)
	return MinPulseInterval + time.Duration(span*distance/MaxPulseDistance)
}

// Controller decides when cues are emitted for the active step. It is not
// safe for concurrent use; the capture machine drives it from its reactor.
type Controller struct {
	player Player

	step     steps.ID
	strategy steps.AudioStrategy

	pulsing   bool
	lastPulse time.Time
}

// NewController creates a controller that plays through player.
func NewController(player Player) *Controller {
	return &Controller{player: player}
}

// Enter switches to a new step and stops any pulse.
func (c *Controller) Enter(spec steps.Spec) {
	c.step = spec.ID
	c.strategy = spec.Audio
	c.Stop()
}

// Update is called with each reading while the user is seeking the target.
// With the continuous strategy it emits a pulse whenever the interval for
// the current distance has elapsed since the last one.
func (c *Controller) Update(distance float64, now time.Time) {
	if c.strategy != steps.Continuous {
		return
	}
	interval := PulseInterval(distance)
	if c.pulsing && now.Sub(c.lastPulse) < interval {
		return
	}
	c.pulsing = true
	c.lastPulse = now
	c.play(Cue{Kind: Pulse, Step: c.step, Distance: distance, Interval: interval, At: now})
}

// Stop ends continuous pulsing until the next Update.
func (c *Controller) Stop() {
	c.pulsing = false
	c.lastPulse = time.Time{}
}

// Pulsing reports whether a continuous cue is running.
func (c *Controller) Pulsing() bool {
	return c.pulsing
}

// Tick emits a countdown tick. It also stops pulsing.
func (c *Controller) Tick(n int, now time.Time) {
	c.Stop()
	c.play(Cue{Kind: Tick, Step: c.step, Tick: n, At: now})
}

// Captured emits the shutter cue.
func (c *Controller) Captured(now time.Time) {
	c.Stop()
	c.play(Cue{Kind: Captured, Step: c.step, At: now})
}

func (c *Controller) play(cue Cue) {
	if c.player == nil {
		return
	}
	if err := c.player.Play(cue); err != nil {
		log.Printf("cue: play %s for %v failed: %v", cue.Kind, cue.Step, err)
	}
}
