package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/capture_guide/internal/cue"
	"github.com/relabs-tech/capture_guide/internal/orientation"
	"github.com/relabs-tech/capture_guide/internal/reactor"
	"github.com/relabs-tech/capture_guide/internal/session"
	"github.com/relabs-tech/capture_guide/internal/steps"
	"github.com/relabs-tech/capture_guide/internal/tracker"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (p *fakeProvider) Capture(_ context.Context, step steps.ID) (Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		return Image{}, fmt.Errorf("%w: sensor timeout", ErrCaptureFailed)
	}
	return Image{
		Ref:       fmt.Sprintf("/captures/%v-%d.jpg", step, p.calls),
		Width:     4032,
		Height:    3024,
		SizeBytes: 2_400_000,
	}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeStore struct {
	mu        sync.Mutex
	saves     []*session.Session
	failSaves int
	released  []string
	deleted   []string
}

func (s *fakeStore) Load(context.Context, string) (*session.Session, error) { return nil, nil }
func (s *fakeStore) Latest(context.Context) (*session.Session, error)       { return nil, nil }
func (s *fakeStore) Close() error                                           { return nil }

func (s *fakeStore) Save(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("disk full")
	}
	s.saves = append(s.saves, sess.Clone())
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) ReleaseImage(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, ref)
	return nil
}

func (s *fakeStore) last() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

type fakeTargeter struct {
	target *tracker.Target
	sets   int
}

func (f *fakeTargeter) SetTarget(t tracker.Target) {
	f.target = &t
	f.sets++
}

func (f *fakeTargeter) ClearTarget() { f.target = nil }

type transition struct {
	state State
	at    time.Duration
}

type harness struct {
	t      *testing.T
	v      *reactor.Virtual
	m      *Machine
	prov   *fakeProvider
	store  *fakeStore
	target *fakeTargeter
	cues   *cue.Recorder
	log    []transition
}

func newHarness(t *testing.T, perms Permissions, sess *session.Session) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		v:      reactor.NewVirtual(start),
		prov:   &fakeProvider{},
		store:  &fakeStore{},
		target: &fakeTargeter{},
		cues:   cue.NewRecorder(0),
	}
	h.m = New(Config{
		Reactor:     h.v,
		Provider:    h.prov,
		Store:       h.store,
		Tracker:     h.target,
		Cues:        cue.NewController(h.cues),
		Steps:       steps.Canonical(),
		Permissions: perms,
		OnChange: func() {
			st := h.m.State()
			if n := len(h.log); n == 0 || h.log[n-1].state != st {
				h.log = append(h.log, transition{state: st, at: h.elapsed()})
			}
		},
	}, sess)
	h.m.Start()
	h.v.Settle()
	return h
}

func allowed() Permissions { return Permissions{Camera: true, Motion: true} }

func (h *harness) elapsed() time.Duration { return h.v.Now().Sub(start) }

// reading builds a tracker reading against the active step's target.
func (h *harness) reading(pitch, roll float64, stable bool) tracker.Reading {
	spec := steps.Get(h.m.Step())
	pose := orientation.Pose{Pitch: pitch, Roll: roll}
	within := orientation.WithinTolerance(pose, spec.Target, spec.Tolerance)
	return tracker.Reading{
		Pitch:  pitch,
		Roll:   roll,
		Stable: stable,
		Delta: &tracker.Delta{
			Pitch:    orientation.WrapDelta(pitch, spec.Target.Pitch),
			Roll:     orientation.WrapDelta(roll, spec.Target.Roll),
			Distance: orientation.AngularDistance(pose, spec.Target),
		},
		WithinTolerance: &within,
		Time:            h.v.Now(),
	}
}

// feed delivers one reading every 100ms for d, starting now. fn picks the
// reading for the elapsed time since the start of the harness.
func (h *harness) feed(d time.Duration, fn func(at time.Duration) tracker.Reading) {
	end := h.v.Now().Add(d)
	for !h.v.Now().After(end) {
		h.m.OnReading(fn(h.elapsed()))
		h.v.Settle()
		if !h.v.Now().Before(end) {
			return
		}
		h.v.Advance(100 * time.Millisecond)
	}
}

func (h *harness) steady(pitch, roll float64) func(time.Duration) tracker.Reading {
	return func(time.Duration) tracker.Reading { return h.reading(pitch, roll, true) }
}

// firstAt returns when state was first entered at or after from.
func (h *harness) firstAt(state State, from time.Duration) (time.Duration, bool) {
	for _, tr := range h.log {
		if tr.state == state && tr.at >= from {
			return tr.at, true
		}
	}
	return 0, false
}

func (h *harness) ticks() []int {
	var out []int
	for _, c := range h.cues.Cues() {
		if c.Kind == cue.Tick {
			out = append(out, c.Tick)
		}
	}
	return out
}
