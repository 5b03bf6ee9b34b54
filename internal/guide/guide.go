// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package guide runs a capture session: it owns the reactor-side wiring
// between motion samples, the tracker, the capture machine and the cue
// controller, and exposes snapshots and commands to hosts.
package guide

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/relabs-tech/capture_guide/internal/capture"
	"github.com/relabs-tech/capture_guide/internal/cue"
	"github.com/relabs-tech/capture_guide/internal/orientation"
	"github.com/relabs-tech/capture_guide/internal/reactor"
	"github.com/relabs-tech/capture_guide/internal/session"
	"github.com/relabs-tech/capture_guide/internal/steps"
	"github.com/relabs-tech/capture_guide/internal/tracker"
)

// ErrUnknownCommand is returned by Dispatch for an unrecognised name.
var ErrUnknownCommand = errors.New("unknown command")

// Command names accepted by Dispatch.
const (
	CmdManualCapture   = "manual_capture"
	CmdCancelCountdown = "cancel_countdown"
	CmdRetake          = "retake"
	CmdSkip            = "skip"
	CmdGoToStep        = "go_to_step"
	CmdFinishSession   = "finish_session"
	CmdStartNewSession = "start_new_session"
	CmdSuspend         = "suspend"
	CmdResume          = "resume"
)

// Command is a command as received from a remote host.
type Command struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

// Options configures a Guide.
type Options struct {
	Reactor  reactor.Reactor
	Store    session.Store
	Provider capture.Provider
	Player   cue.Player

	Permissions    capture.Permissions
	Alpha          float64
	StableDuration time.Duration
	Backoff        []time.Duration
	// ExportDir receives a JSON summary of every finished session.
	ExportDir string
}

// Snapshot is everything a host needs to draw the guide.
type Snapshot struct {
	capture.Status
	StepIndex    int                  `json:"step_index"`
	StepCount    int                  `json:"step_count"`
	Guidance     orientation.Guidance `json:"guidance"`
	GuidanceText string               `json:"guidance_text"`
	LastCue      *cue.Cue             `json:"last_cue,omitempty"`
	Time         time.Time            `json:"time"`
}

// Guide is the running capture guide.
type Guide struct {
	r       reactor.Reactor
	store   session.Store
	tracker *tracker.Tracker
	machine *capture.Machine
	cues    *cue.Recorder
	export  string

	flushTimer reactor.Timer
	closed     bool

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// New restores the latest unfinished session from the store, or starts a
// new one, and enters its first pending step. A restored session with
// nothing pending opens complete, ready for retake or finish.
func New(ctx context.Context, opts Options) (*Guide, error) {
	if opts.Reactor == nil || opts.Store == nil || opts.Provider == nil {
		return nil, errors.New("guide: reactor, store and provider are required")
	}

	sess, err := opts.Store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest session: %w", err)
	}
	switch {
	case sess == nil:
		log.Printf("guide: no session to restore")
	case sess.Finished():
		log.Printf("guide: latest session %s is finished, starting a new one", sess.ID)
		sess = nil
	default:
		log.Printf("guide: resuming session %s (%d/%d captured)", sess.ID, sess.Captured(), steps.Count)
	}

	g := &Guide{
		r:       opts.Reactor,
		store:   opts.Store,
		tracker: tracker.New(tracker.Options{Alpha: opts.Alpha}),
		cues:    cue.NewRecorder(1),
		export:  opts.ExportDir,
		subs:    make(map[int]chan Snapshot),
	}

	player := cue.Player(g.cues)
	if opts.Player != nil {
		player = cue.MultiPlayer{opts.Player, g.cues}
	}

	g.machine = capture.New(capture.Config{
		Reactor:     opts.Reactor,
		Provider:    opts.Provider,
		Store:       opts.Store,
		Tracker:     g.tracker,
		Cues:        cue.NewController(player),
		Steps:       steps.WithStableDuration(opts.StableDuration),
		Permissions: opts.Permissions,
		Backoff:     opts.Backoff,
		OnChange:    g.refresh,
		OnFinish:    g.exportSession,
	}, sess)

	reactor.Call(g.r, func() {
		g.machine.Start()
		g.scheduleFlush()
	})
	return g, nil
}

// Close stops the flush ticker and the machine.
func (g *Guide) Close() {
	reactor.Call(g.r, func() {
		g.closed = true
		if g.flushTimer != nil {
			g.flushTimer.Stop()
		}
		g.machine.Close()
	})
	g.mu.Lock()
	for id, ch := range g.subs {
		close(ch)
		delete(g.subs, id)
	}
	g.mu.Unlock()
}

// OnSample pushes a raw motion sample. It may be called from any goroutine.
func (g *Guide) OnSample(s orientation.Sample) {
	g.r.Post(func() {
		if rd, ok := g.tracker.OnSample(s); ok {
			g.machine.OnReading(rd)
			g.refresh()
		}
	})
}

// scheduleFlush keeps readings coming at the tracker cadence when samples
// are sparse.
func (g *Guide) scheduleFlush() {
	if g.closed {
		return
	}
	g.flushTimer = g.r.AfterFunc(g.tracker.Interval(), func() {
		if g.closed {
			return
		}
		if rd, ok := g.tracker.Flush(g.r.Now()); ok {
			g.machine.OnReading(rd)
			g.refresh()
		}
		g.scheduleFlush()
	})
}

// Pump reads src until ctx ends or src fails. A failing source switches
// the guide to manual capture.
func (g *Guide) Pump(ctx context.Context, src orientation.Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		s, err := src.Next()
		if err != nil {
			log.Printf("guide: motion source failed: %v", err)
			g.SensorLost()
			return fmt.Errorf("%w: %v", capture.ErrSensorUnavailable, err)
		}
		g.OnSample(s)
	}
}

// SensorLost switches to manual capture.
func (g *Guide) SensorLost() {
	g.r.Post(g.machine.SensorLost)
}

func (g *Guide) do(fn func() error) error {
	var err error
	reactor.Call(g.r, func() { err = fn() })
	return err
}

func (g *Guide) ManualCapture() error   { return g.do(g.machine.ManualCapture) }
func (g *Guide) CancelCountdown() error { return g.do(g.machine.CancelCountdown) }
func (g *Guide) Skip() error            { return g.do(g.machine.Skip) }
func (g *Guide) FinishSession() error   { return g.do(g.machine.FinishSession) }
func (g *Guide) StartNewSession() error { return g.do(g.machine.StartNewSession) }

func (g *Guide) Retake(id steps.ID) error {
	return g.do(func() error { return g.machine.Retake(id) })
}

func (g *Guide) GoToStep(i int) error {
	return g.do(func() error { return g.machine.GoToStep(i) })
}

func (g *Guide) Suspend() {
	g.do(func() error { g.machine.Suspend(); return nil })
}

func (g *Guide) Resume() {
	g.do(func() error { g.machine.Resume(); return nil })
}

// Dispatch runs a command by name.
func (g *Guide) Dispatch(c Command) error {
	switch c.Name {
	case CmdManualCapture:
		return g.ManualCapture()
	case CmdCancelCountdown:
		return g.CancelCountdown()
	case CmdRetake:
		id, err := steps.ParseID(c.Arg)
		if err != nil {
			return fmt.Errorf("%w: %v", capture.ErrRejected, err)
		}
		return g.Retake(id)
	case CmdSkip:
		return g.Skip()
	case CmdGoToStep:
		i, err := strconv.Atoi(c.Arg)
		if err != nil {
			return fmt.Errorf("%w: step index %q", capture.ErrRejected, c.Arg)
		}
		return g.GoToStep(i)
	case CmdFinishSession:
		return g.FinishSession()
	case CmdStartNewSession:
		return g.StartNewSession()
	case CmdSuspend:
		g.Suspend()
		return nil
	case CmdResume:
		g.Resume()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Name)
	}
}

// Snapshot returns the latest snapshot.
func (g *Guide) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// Subscribe returns a channel receiving every new snapshot, starting with
// the current one. Slow subscribers miss snapshots rather than block the
// guide. Call cancel to unsubscribe.
func (g *Guide) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	ch <- g.snap
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// refresh rebuilds the snapshot. It runs on the reactor.
func (g *Guide) refresh() {
	st := g.machine.Status()
	snap := Snapshot{
		Status:    st,
		StepIndex: st.Step.ID.Index(),
		StepCount: steps.Count,
		Time:      g.r.Now(),
	}
	if st.Reading != nil && !st.Degraded && !st.Complete {
		snap.Guidance = orientation.Guide(st.Reading.Pose(), st.Step.Target, st.Step.Tolerance)
		snap.GuidanceText = snap.Guidance.Text()
	}
	if c, ok := g.cues.Last(); ok {
		snap.LastCue = &c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = snap
	for _, ch := range g.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// exportSession writes the summary of a finished session off the reactor.
func (g *Guide) exportSession(s *session.Session) {
	if g.export == "" {
		return
	}
	now := g.r.Now()
	path := filepath.Join(g.export, s.ID+"-summary.json")
	g.r.Go(func() func() {
		err := writeSummary(path, s, now)
		return func() {
			if err != nil {
				log.Printf("guide: export %s: %v", s.ID, err)
				return
			}
			log.Printf("guide: exported %s", path)
		}
	})
}

func writeSummary(path string, s *session.Session, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := session.Export(f, s, now); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
