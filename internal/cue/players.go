// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package cue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// LogPlayer writes cues to the standard logger.
type LogPlayer struct{}

func (LogPlayer) Play(c Cue) error {
	switch c.Kind {
	case Tick:
		log.Printf("cue: %v tick %d", c.Step, c.Tick)
	case Pulse:
		log.Printf("cue: %v pulse (%.1f deg, every %v)", c.Step, c.Distance, c.Interval)
	default:
		log.Printf("cue: %v %s", c.Step, c.Kind)
	}
	return nil
}

// MQTTPlayer publishes cues as JSON for a speaker host to play.
type MQTTPlayer struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTPlayer publishes on topic through client.
func NewMQTTPlayer(client mqtt.Client, topic string) *MQTTPlayer {
	return &MQTTPlayer{client: client, topic: topic, timeout: 2 * time.Second}
}

// Play publishes without waiting for the broker; delivery errors are logged.
func (p *MQTTPlayer) Play(c Cue) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cue: %w", err)
	}
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(p.timeout) {
			log.Printf("cue: publish to %s timed out", p.topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("cue: publish to %s: %v", p.topic, err)
		}
	}()
	return nil
}

// MultiPlayer plays every cue on each of its players.
type MultiPlayer []Player

func (m MultiPlayer) Play(c Cue) error {
	var errs []error
	for _, p := range m {
		if err := p.Play(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every cue it is given. Hosts use it to show the last cue;
// tests use it to assert on emissions.
type Recorder struct {
	mu   sync.Mutex
	cues []Cue
	max  int
}

// NewRecorder keeps at most max cues (0 for no limit).
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Play(c Cue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cues = append(r.cues, c)
	if r.max > 0 && len(r.cues) > r.max {
		r.cues = r.cues[len(r.cues)-r.max:]
	}
	return nil
}

// Cues returns a copy of the recorded cues.
func (r *Recorder) Cues() []Cue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Cue(nil), r.cues...)
}

// Count returns how many cues of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cues {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent cue.
func (r *Recorder) Last() (Cue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cues) == 0 {
		return Cue{}, false
	}
	return r.cues[len(r.cues)-1], true
}

// Reset forgets recorded cues.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cues = nil
}
