// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package capture sequences the five-step capture: it waits for the target
// angle, holds a stability timer, counts down, takes the photo and stores
// it, then advances to the next step.
//
// A Machine is not safe for concurrent use. Every method, and every timer
// and I/O completion it schedules, runs on its reactor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/capture_guide/internal/cue"
	"github.com/relabs-tech/capture_guide/internal/reactor"
	"github.com/relabs-tech/capture_guide/internal/session"
	"github.com/relabs-tech/capture_guide/internal/steps"
	"github.com/relabs-tech/capture_guide/internal/tracker"
)

// DefaultBackoff is the wait before each retry of a capture or a save.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Defaults for Config fields left at zero.
const (
	DefaultCountdownTicks = 3
	DefaultTickInterval   = time.Second
	DefaultIOTimeout      = 15 * time.Second
)

// Targeter receives the active step's target. *tracker.Tracker is one.
type Targeter interface {
	SetTarget(t tracker.Target)
	ClearTarget()
}

// Config wires a Machine to its collaborators.
type Config struct {
	Reactor  reactor.Reactor
	Provider Provider
	Store    session.Store
	Tracker  Targeter
	Cues     *cue.Controller

	Steps       [steps.Count]steps.Spec
	Permissions Permissions

	Backoff        []time.Duration
	CountdownTicks int
	TickInterval   time.Duration
	IOTimeout      time.Duration

	// OnChange runs on the reactor after every state change.
	OnChange func()
	// OnFinish runs on the reactor with the session being closed by
	// FinishSession.
	OnFinish func(s *session.Session)
}

// Status is a copy of the machine state for hosts.
type Status struct {
	Step      steps.Spec       `json:"step"`
	State     State            `json:"state"`
	Countdown CountdownState   `json:"countdown"`
	Reading   *tracker.Reading `json:"reading,omitempty"`
	Session   *session.Session `json:"session"`
	Complete  bool             `json:"complete"`
	Degraded  bool             `json:"degraded"`
	Suspended bool             `json:"suspended"`
	Attempt   int              `json:"attempt,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Err       error            `json:"-"`
}

// Machine is the capture state machine for one session at a time.
type Machine struct {
	cfg Config
	r   reactor.Reactor

	ctx    context.Context
	cancel context.CancelFunc

	session *session.Session
	step    steps.ID
	state   State
	count   CountdownState
	// complete is set once no step is left to capture or skip.
	complete bool

	degraded  bool
	suspended bool

	// epoch invalidates timers and I/O completions scheduled before it
	// last changed.
	epoch uint64
	timer reactor.Timer

	reading    tracker.Reading
	hasReading bool

	attempts int
	pose     tracker.Reading
	pending  *session.CaptureResult
	prevSlot session.Slot
	lastErr  error
	store    storeQueue
}

// New creates a machine for sess. Call Start to enter the first step.
func New(cfg Config, sess *session.Session) *Machine {
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.CountdownTicks <= 0 {
		cfg.CountdownTicks = DefaultCountdownTicks
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Cues == nil {
		cfg.Cues = cue.NewController(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:      cfg,
		r:        cfg.Reactor,
		ctx:      ctx,
		cancel:   cancel,
		session:  sess,
		degraded: !cfg.Permissions.Motion,
	}
	m.store.m = m
	if m.degraded {
		m.lastErr = ErrSensorUnavailable
	}
	return m
}

// Start persists the session and enters its first pending step.
func (m *Machine) Start() {
	if m.session == nil {
		m.session = session.New(m.r.Now())
	}
	m.persistRetry(1)
	m.enterNextPending(steps.Front)
	m.changed()
}

// Close aborts outstanding I/O and invalidates every timer.
func (m *Machine) Close() {
	m.exitStep()
	m.cancel()
}

// Status returns a copy of the current state.
func (m *Machine) Status() Status {
	st := Status{
		Step:      m.cfg.Steps[m.step],
		State:     m.state,
		Countdown: m.count,
		Session:   m.session.Clone(),
		Complete:  m.complete,
		Degraded:  m.degraded,
		Suspended: m.suspended,
		Attempt:   m.attempts,
		Err:       m.lastErr,
	}
	if m.hasReading {
		r := m.reading
		st.Reading = &r
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Step returns the active step.
func (m *Machine) Step() steps.ID { return m.step }

// Session returns a copy of the session.
func (m *Machine) Session() *session.Session { return m.session.Clone() }

// OnReading feeds one tracker reading. Readings drive the angle, stability
// and countdown transitions; they are ignored in degraded mode, while
// suspended and outside those states.
func (m *Machine) OnReading(rd tracker.Reading) {
	m.reading = rd
	m.hasReading = true
	if m.degraded || m.suspended || m.complete {
		return
	}

	onTarget := rd.OnTarget()
	switch m.state {
	case WaitingForAngle:
		m.pulse(rd)
		if onTarget && rd.Stable {
			m.toStabilizing()
		}
	case Stabilizing:
		if !onTarget || !rd.Stable {
			log.Printf("capture: %v lost hold, waiting for angle", m.step)
			m.toWaiting(nil)
			m.pulse(rd)
			return
		}
		m.pulse(rd)
	case Countdown:
		if !onTarget {
			log.Printf("capture: %v left tolerance during countdown %d", m.step, m.count.TicksRemaining)
			m.toWaiting(nil)
			m.pulse(rd)
		}
	}
}

// SensorLost switches to manual-only mode.
func (m *Machine) SensorLost() {
	if m.degraded {
		return
	}
	log.Printf("capture: motion sensor lost, manual capture only")
	m.degraded = true
	m.lastErr = ErrSensorUnavailable
	m.hasReading = false
	m.cfg.Tracker.ClearTarget()
	if m.state == Stabilizing || m.state == Countdown {
		m.toWaiting(ErrSensorUnavailable)
		return
	}
	m.changed()
}

// ManualCapture takes the photo now, bypassing angle, stability and
// countdown.
func (m *Machine) ManualCapture() error {
	if !m.cfg.Permissions.Camera {
		return ErrNoCamera
	}
	if m.complete || m.state == Capturing || m.state == Captured {
		return fmt.Errorf("%w: manual capture while %v", ErrRejected, m.state)
	}
	log.Printf("capture: manual capture for %v", m.step)
	m.startCapture()
	return nil
}

// CancelCountdown stops a running countdown.
func (m *Machine) CancelCountdown() error {
	if m.state != Countdown {
		return fmt.Errorf("%w: no countdown running", ErrRejected)
	}
	m.toWaiting(nil)
	return nil
}

// Skip leaves the active step empty and advances.
func (m *Machine) Skip() error {
	if m.complete || m.state == Capturing {
		return fmt.Errorf("%w: skip while %v", ErrRejected, m.state)
	}
	id := m.step
	if prev := m.session.Skip(id, m.r.Now()); prev.Result != nil {
		m.release(prev.Result.ImageRef)
	}
	log.Printf("capture: skipped %v", id)
	m.persistRetry(1)
	m.advance(id)
	return nil
}

// GoToStep makes step index i the active step, from any state but Capturing.
func (m *Machine) GoToStep(i int) error {
	id, err := steps.FromIndex(i)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if m.state == Capturing {
		return fmt.Errorf("%w: capture in progress", ErrRejected)
	}
	m.complete = false
	m.enter(id)
	m.changed()
	return nil
}

// Retake goes back to step id; its slot is replaced by the next capture.
func (m *Machine) Retake(id steps.ID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: unknown step %d", ErrRejected, int(id))
	}
	return m.GoToStep(id.Index())
}

// Suspend cancels any hold or countdown and ignores readings until Resume.
func (m *Machine) Suspend() {
	if m.suspended {
		return
	}
	m.suspended = true
	if m.state == Stabilizing || m.state == Countdown {
		m.toWaiting(nil)
		return
	}
	m.cfg.Cues.Stop()
	m.changed()
}

// Resume undoes Suspend.
func (m *Machine) Resume() {
	if !m.suspended {
		return
	}
	m.suspended = false
	m.changed()
}

// FinishSession marks the session finished, saves it and starts a fresh
// one. The finished session stays in the store.
func (m *Machine) FinishSession() error {
	if m.state == Capturing {
		return fmt.Errorf("%w: capture in progress", ErrRejected)
	}
	old := m.session
	old.Finish(m.r.Now())
	finished := old.Clone()
	m.saveRetry(func() *session.Session { return finished }, 1)
	if m.cfg.OnFinish != nil {
		m.cfg.OnFinish(old.Clone())
	}
	log.Printf("capture: finished session %s (%d/%d captured)", old.ID, old.Captured(), steps.Count)
	m.replaceSession()
	return nil
}

// StartNewSession discards the session, its record and its images, and
// starts a fresh one.
func (m *Machine) StartNewSession() error {
	if m.state == Capturing {
		return fmt.Errorf("%w: capture in progress", ErrRejected)
	}
	old := m.session.ID
	m.store.push(func(ctx context.Context) error {
		return m.cfg.Store.Delete(ctx, old)
	}, func(err error) {
		if err != nil {
			log.Printf("capture: delete session %s: %v", old, err)
		}
	})
	log.Printf("capture: discarded session %s", old)
	m.replaceSession()
	return nil
}

func (m *Machine) replaceSession() {
	m.exitStep()
	m.session = session.New(m.r.Now())
	m.complete = false
	m.lastErr = nil
	if m.degraded {
		m.lastErr = ErrSensorUnavailable
	}
	m.persistRetry(1)
	m.enter(steps.Front)
	m.changed()
}

// enter makes id the active step: Idle, then straight to WaitingForAngle.
func (m *Machine) enter(id steps.ID) {
	m.exitStep()
	m.step = id
	m.state = Idle
	spec := m.cfg.Steps[id]
	m.cfg.Cues.Enter(spec)
	if !m.degraded {
		m.cfg.Tracker.SetTarget(tracker.Target{
			Pose:               spec.Target,
			Tolerance:          spec.Tolerance,
			StabilityThreshold: spec.StabilityThreshold,
		})
	}
	if !errors.Is(m.lastErr, ErrSensorUnavailable) {
		m.lastErr = nil
	}
	m.state = WaitingForAngle
	log.Printf("capture: step %d/%d %v", id.Index()+1, steps.Count, id)
}

// exitStep drops everything tied to the active step in one go.
func (m *Machine) exitStep() {
	m.bump()
	m.count = CountdownState{}
	m.attempts = 0
	m.pending = nil
	m.cfg.Tracker.ClearTarget()
	m.cfg.Cues.Stop()
}

func (m *Machine) enterNextPending(from steps.ID) {
	if id, ok := m.nextPending(from); ok {
		m.enter(id)
		return
	}
	m.exitStep()
	m.complete = true
	m.state = Captured
	log.Printf("capture: session %s complete (%d/%d captured)", m.session.ID, m.session.Captured(), steps.Count)
}

// nextPending looks for an unfilled, unskipped slot starting at from and
// wrapping around.
func (m *Machine) nextPending(from steps.ID) (steps.ID, bool) {
	for i := 0; i < steps.Count; i++ {
		id := steps.ID((from.Index() + i) % steps.Count)
		slot := m.session.Slots[id]
		if slot.Empty() && !slot.Skipped {
			return id, true
		}
	}
	return 0, false
}

func (m *Machine) advance(done steps.ID) {
	if done == steps.Donor {
		m.enterNextPending(steps.Front)
	} else {
		m.enterNextPending(done + 1)
	}
	m.changed()
}

func (m *Machine) bump() {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// after schedules fn on the reactor; it is dropped if the epoch has moved on.
func (m *Machine) after(d time.Duration, fn func()) {
	epoch := m.epoch
	m.timer = m.r.AfterFunc(d, func() {
		if epoch != m.epoch {
			return
		}
		m.timer = nil
		fn()
	})
}

// io runs work off the reactor with a timeout; the continuation it returns
// runs back on the reactor.
func (m *Machine) io(work func(ctx context.Context) func()) {
	m.r.Go(func() func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.IOTimeout)
		defer cancel()
		return work(ctx)
	})
}

func (m *Machine) pulse(rd tracker.Reading) {
	if rd.Delta == nil {
		return
	}
	m.cfg.Cues.Update(rd.Delta.Distance, rd.Time)
}

func (m *Machine) toWaiting(err error) {
	m.bump()
	m.count = CountdownState{}
	m.state = WaitingForAngle
	if err != nil {
		m.lastErr = err
	}
	m.changed()
}

func (m *Machine) toStabilizing() {
	m.bump()
	m.state = Stabilizing
	m.after(m.cfg.Steps[m.step].StableDuration, m.startCountdown)
	m.changed()
}

func (m *Machine) startCountdown() {
	if m.state != Stabilizing {
		return
	}
	m.bump()
	now := m.r.Now()
	m.state = Countdown
	m.count = CountdownState{Running: true, TicksRemaining: m.cfg.CountdownTicks, StartedAt: now}
	m.cfg.Cues.Tick(m.count.TicksRemaining, now)
	m.after(m.cfg.TickInterval, m.tick)
	m.changed()
}

func (m *Machine) tick() {
	if m.state != Countdown {
		return
	}
	n := m.count.TicksRemaining - 1
	if n <= 0 {
		m.startCapture()
		return
	}
	m.count.TicksRemaining = n
	m.cfg.Cues.Tick(n, m.r.Now())
	m.after(m.cfg.TickInterval, m.tick)
	m.changed()
}

func (m *Machine) startCapture() {
	m.bump()
	m.count = CountdownState{}
	m.state = Capturing
	m.attempts = 0
	m.lastErr = nil
	if m.degraded {
		m.lastErr = ErrSensorUnavailable
	}
	m.pose = m.reading
	m.cfg.Cues.Stop()
	m.attemptCapture()
	m.changed()
}

func (m *Machine) attemptCapture() {
	epoch := m.epoch
	id := m.step
	m.attempts++
	attempt := m.attempts
	m.io(func(ctx context.Context) func() {
		img, err := m.cfg.Provider.Capture(ctx, id)
		return func() { m.captureDone(epoch, id, attempt, img, err) }
	})
}

func (m *Machine) captureDone(epoch uint64, id steps.ID, attempt int, img Image, err error) {
	if epoch != m.epoch || m.state != Capturing {
		if err == nil {
			m.release(img.Ref)
		}
		return
	}
	if err != nil {
		if attempt <= len(m.cfg.Backoff) {
			wait := m.cfg.Backoff[attempt-1]
			log.Printf("capture: %v attempt %d failed, retrying in %v: %v", id, attempt, wait, err)
			m.after(wait, m.attemptCapture)
			return
		}
		log.Printf("capture: %v failed after %d attempts: %v", id, attempt, err)
		m.toWaiting(fmt.Errorf("%w: %v after %d attempts", ErrCaptureFailed, id, attempt))
		return
	}

	result := session.CaptureResult{
		Step:       id,
		CapturedAt: m.r.Now(),
		ImageRef:   img.Ref,
		SizeBytes:  img.SizeBytes,
		Width:      img.Width,
		Height:     img.Height,
	}
	if !m.degraded {
		result.Pitch = m.pose.Pitch
		result.Roll = m.pose.Roll
	}
	m.pending = &result
	m.prevSlot = m.session.SetResult(result, result.CapturedAt)
	m.attempts = 0
	m.attemptSave()
}

func (m *Machine) attemptSave() {
	epoch := m.epoch
	m.attempts++
	attempt := m.attempts
	m.persist(func(err error) { m.saveDone(epoch, attempt, err) })
}

func (m *Machine) saveDone(epoch uint64, attempt int, err error) {
	if epoch != m.epoch || m.state != Capturing || m.pending == nil {
		return
	}
	id := m.pending.Step
	if err != nil {
		if attempt <= len(m.cfg.Backoff) {
			wait := m.cfg.Backoff[attempt-1]
			log.Printf("capture: saving %v attempt %d failed, retrying in %v: %v", id, attempt, wait, err)
			m.after(wait, m.attemptSave)
			return
		}
		log.Printf("capture: saving %v failed after %d attempts: %v", id, attempt, err)
		m.session.Restore(id, m.prevSlot)
		m.release(m.pending.ImageRef)
		m.pending = nil
		m.toWaiting(fmt.Errorf("%w: %v after %d attempts", ErrStorageWriteFailed, id, attempt))
		return
	}

	if prev := m.prevSlot.Result; prev != nil && prev.ImageRef != m.pending.ImageRef {
		m.release(prev.ImageRef)
	}
	log.Printf("capture: captured %v (%dx%d, %d bytes)", id, m.pending.Width, m.pending.Height, m.pending.SizeBytes)
	m.pending = nil
	m.prevSlot = session.Slot{}
	m.state = Captured
	m.cfg.Cues.Captured(m.r.Now())
	m.changed()
	m.advance(id)
}

func (m *Machine) release(ref string) {
	if ref == "" {
		return
	}
	m.io(func(ctx context.Context) func() {
		err := m.cfg.Store.ReleaseImage(ctx, ref)
		return func() {
			if err != nil {
				log.Printf("capture: release %s: %v", ref, err)
			}
		}
	})
}

// persist saves a copy of the session as it is now. done, if set, runs on
// the reactor with the result.
func (m *Machine) persist(done func(error)) {
	m.save(m.session.Clone(), done)
}

func (m *Machine) save(snap *session.Session, done func(error)) {
	m.store.push(func(ctx context.Context) error {
		if err := m.cfg.Store.Save(ctx, snap); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
		}
		return nil
	}, done)
}

// persistRetry saves the session outside the capture path, retrying with
// the backoff policy. Each retry saves the session as it is by then.
func (m *Machine) persistRetry(attempt int) {
	m.saveRetry(func() *session.Session { return m.session.Clone() }, attempt)
}

// saveRetry saves whatever snap returns, retrying with the backoff policy.
func (m *Machine) saveRetry(snap func() *session.Session, attempt int) {
	m.save(snap(), func(err error) {
		if err == nil {
			return
		}
		if attempt <= len(m.cfg.Backoff) {
			wait := m.cfg.Backoff[attempt-1]
			log.Printf("capture: saving session attempt %d failed, retrying in %v: %v", attempt, wait, err)
			m.r.AfterFunc(wait, func() { m.saveRetry(snap, attempt+1) })
			return
		}
		log.Printf("capture: saving session failed after %d attempts: %v", attempt, err)
		m.lastErr = err
		m.changed()
	})
}

func (m *Machine) changed() {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange()
	}
}
