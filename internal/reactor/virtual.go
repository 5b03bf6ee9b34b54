// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package reactor

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic Reactor driven by an explicit clock.
//
// Post runs its callback immediately unless another callback is already
// running, in which case it is queued behind it. Work handed to Go is held
// until Settle or Advance runs it, so callers can observe the state while
// it is outstanding.
type Virtual struct {
	mu sync.Mutex

	now    time.Time
	seq    uint64
	timers []*virtualTimer
	queue  []func()
	jobs   []func() func()

	dispatching bool
}

type virtualTimer struct {
	v       *Virtual
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewVirtual creates a virtual reactor whose clock starts at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Post runs fn, or queues it if a callback is already running.
func (v *Virtual) Post(fn func()) {
	v.mu.Lock()
	v.queue = append(v.queue, fn)
	busy := v.dispatching
	v.mu.Unlock()
	if !busy {
		v.drain()
	}
}

// AfterFunc schedules fn at Now()+d.
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{v: v, at: v.now.Add(d), seq: v.seq, fn: fn}
	v.timers = append(v.timers, t)
	return t
}

// Go holds work until the next Settle or Advance.
func (v *Virtual) Go(work func() func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.jobs = append(v.jobs, work)
}

// Pending reports how many Go jobs are waiting to run.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.jobs)
}

// Settle runs held jobs and queued callbacks, and any timers already due,
// until nothing is left to do at the current time.
func (v *Virtual) Settle() {
	for {
		v.drain()
		if v.runJobs() {
			continue
		}
		if v.fireDue(v.Now()) {
			continue
		}
		return
	}
}

// Advance moves the clock forward by d, firing timers in deadline order and
// settling after each one.
func (v *Virtual) Advance(d time.Duration) {
	v.AdvanceTo(v.Now().Add(d))
}

// AdvanceTo moves the clock to t.
func (v *Virtual) AdvanceTo(t time.Time) {
	v.Settle()
	for {
		next, ok := v.nextDeadline(t)
		if !ok {
			break
		}
		v.mu.Lock()
		v.now = next
		v.mu.Unlock()
		v.Settle()
	}
	v.mu.Lock()
	if v.now.Before(t) {
		v.now = t
	}
	v.mu.Unlock()
	v.Settle()
}

func (v *Virtual) nextDeadline(limit time.Time) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range v.timers {
		if t.stopped || t.fired || t.at.After(limit) {
			continue
		}
		if !found || t.at.Before(next) {
			next = t.at
			found = true
		}
	}
	return next, found
}

// fireDue fires the earliest due timer, if any.
func (v *Virtual) fireDue(now time.Time) bool {
	v.mu.Lock()
	live := v.timers[:0]
	for _, t := range v.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	v.timers = live
	sort.SliceStable(v.timers, func(i, j int) bool {
		if v.timers[i].at.Equal(v.timers[j].at) {
			return v.timers[i].seq < v.timers[j].seq
		}
		return v.timers[i].at.Before(v.timers[j].at)
	})
	if len(v.timers) == 0 || v.timers[0].at.After(now) {
		v.mu.Unlock()
		return false
	}
	t := v.timers[0]
	t.fired = true
	v.mu.Unlock()

	v.Post(t.fn)
	return true
}

func (v *Virtual) runJobs() bool {
	v.mu.Lock()
	jobs := v.jobs
	v.jobs = nil
	v.mu.Unlock()

	for _, work := range jobs {
		if next := work(); next != nil {
			v.Post(next)
		}
	}
	return len(jobs) > 0
}

func (v *Virtual) drain() {
	v.mu.Lock()
	if v.dispatching {
		v.mu.Unlock()
		return
	}
	v.dispatching = true
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if len(v.queue) == 0 {
			v.dispatching = false
			v.mu.Unlock()
			return
		}
		fn := v.queue[0]
		v.queue = v.queue[1:]
		v.mu.Unlock()
		fn()
	}
}
