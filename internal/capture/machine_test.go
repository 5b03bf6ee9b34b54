package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/capture_guide/internal/cue"
	"github.com/relabs-tech/capture_guide/internal/session"
	"github.com/relabs-tech/capture_guide/internal/steps"
	"github.com/relabs-tech/capture_guide/internal/tracker"
)

func TestStartEntersFirstStep(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	if h.m.State() != WaitingForAngle || h.m.Step() != steps.Front {
		t.Fatalf("state = %v step = %v", h.m.State(), h.m.Step())
	}
	if h.target.target == nil || h.target.target.Tolerance != 15 || h.target.target.StabilityThreshold != 2 {
		t.Errorf("target = %+v", h.target.target)
	}
	if h.store.last() == nil {
		t.Error("new session was not persisted")
	}
}

func TestHoldStartsCountdownAndCaptures(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	h.feed(4500*time.Millisecond, h.steady(88, 2))

	if at, ok := h.firstAt(Stabilizing, 0); !ok || at != 0 {
		t.Errorf("stabilizing at %v (%v)", at, ok)
	}
	if at, ok := h.firstAt(Countdown, 0); !ok || at != 1500*time.Millisecond {
		t.Errorf("countdown at %v (%v), want 1.5s", at, ok)
	}
	if at, ok := h.firstAt(Capturing, 0); !ok || at != 4500*time.Millisecond {
		t.Errorf("capturing at %v (%v), want 4.5s", at, ok)
	}
	if _, ok := h.firstAt(Captured, 0); !ok {
		t.Error("never reached captured")
	}
	if got := h.ticks(); len(got) != 3 || got[0] != 3 || got[1] != 2 || got[2] != 1 {
		t.Errorf("ticks = %v, want [3 2 1]", got)
	}
	if h.cues.Count(cue.Captured) != 1 {
		t.Errorf("captured cues = %d", h.cues.Count(cue.Captured))
	}

	r := h.m.Session().Slot(steps.Front).Result
	if r == nil || r.Pitch != 88 || r.Roll != 2 || r.Width != 4032 {
		t.Fatalf("front result = %+v", r)
	}
	if h.m.Step() != steps.Left {
		t.Errorf("did not advance, step = %v", h.m.Step())
	}
}

func TestViolationRestartsHoldFromViolation(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	h.feed(3*time.Second, func(at time.Duration) tracker.Reading {
		return h.reading(88, 2, at != time.Second)
	})

	if at, ok := h.firstAt(WaitingForAngle, time.Second); !ok || at != time.Second {
		t.Errorf("jitter at 1s should drop back to waiting (got %v %v)", at, ok)
	}
	if at, ok := h.firstAt(Countdown, 0); !ok || at != 2600*time.Millisecond {
		t.Errorf("countdown at %v (%v), want 2.6s (1.5s after the 1.1s restart)", at, ok)
	}
}

func TestOutOfToleranceNeverStabilizes(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	h.feed(3*time.Second, h.steady(70, 0))
	if _, ok := h.firstAt(Stabilizing, 0); ok {
		t.Error("20 degrees off target must not start the hold")
	}
	// In tolerance but still moving.
	h.feed(3*time.Second, func(time.Duration) tracker.Reading { return h.reading(88, 2, false) })
	if _, ok := h.firstAt(Stabilizing, 0); ok {
		t.Error("an unstable reading must not start the hold")
	}
}

func TestCountdownCancelledByToleranceLoss(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	// Hold until 2.5s: countdown is at 2.
	h.feed(2500*time.Millisecond, h.steady(88, 2))
	st := h.m.Status()
	if st.State != Countdown || st.Countdown.TicksRemaining != 2 {
		t.Fatalf("status = %v %+v, want countdown 2", st.State, st.Countdown)
	}

	h.v.Advance(100 * time.Millisecond)
	h.m.OnReading(h.reading(70, 2, true))
	if h.m.State() != WaitingForAngle {
		t.Fatalf("state = %v after leaving tolerance, want waiting_for_angle", h.m.State())
	}
	if h.m.Status().Countdown.Running {
		t.Error("countdown still marked running")
	}

	ticks := len(h.ticks())
	h.v.Advance(5 * time.Second)
	if got := len(h.ticks()); got != ticks {
		t.Errorf("ticks kept coming after cancel: %d -> %d", ticks, got)
	}
	if h.prov.Calls() != 0 {
		t.Error("cancelled countdown still captured")
	}
}

func TestCountdownIgnoresJitterWithinTolerance(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	h.feed(2*time.Second, h.steady(88, 2))
	h.m.OnReading(h.reading(89, 3, false))
	if h.m.State() != Countdown {
		t.Errorf("state = %v, an unstable reading within tolerance should not cancel", h.m.State())
	}
}

func TestCancelCountdown(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	if err := h.m.CancelCountdown(); !errors.Is(err, ErrRejected) {
		t.Fatalf("cancel without countdown = %v", err)
	}
	h.feed(1600*time.Millisecond, h.steady(88, 2))
	if err := h.m.CancelCountdown(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.m.State() != WaitingForAngle {
		t.Errorf("state = %v", h.m.State())
	}
}

func TestManualCaptureFromAnyWaitingState(t *testing.T) {
	setups := map[string]func(h *harness){
		"waiting":     func(h *harness) {},
		"stabilizing": func(h *harness) { h.feed(500*time.Millisecond, h.steady(88, 2)) },
		"countdown 3": func(h *harness) { h.feed(1600*time.Millisecond, h.steady(88, 2)) },
		"countdown 1": func(h *harness) { h.feed(3600*time.Millisecond, h.steady(88, 2)) },
		"off target":  func(h *harness) { h.feed(time.Second, h.steady(0, 60)) },
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, allowed(), nil)
			setup(h)
			before := h.m.State()

			if err := h.m.ManualCapture(); err != nil {
				t.Fatalf("manual capture from %v: %v", before, err)
			}
			if h.m.State() != Capturing {
				t.Fatalf("state = %v, want capturing", h.m.State())
			}
			if err := h.m.ManualCapture(); !errors.Is(err, ErrRejected) {
				t.Errorf("second manual capture = %v, want ErrRejected", err)
			}
			if err := h.m.Skip(); !errors.Is(err, ErrRejected) {
				t.Errorf("skip while capturing = %v, want ErrRejected", err)
			}
			if err := h.m.GoToStep(3); !errors.Is(err, ErrRejected) {
				t.Errorf("goToStep while capturing = %v, want ErrRejected", err)
			}

			h.v.Settle()
			if h.prov.Calls() != 1 {
				t.Errorf("provider calls = %d, want 1", h.prov.Calls())
			}
			if h.m.Session().Slot(steps.Front).Empty() {
				t.Error("front slot empty after manual capture")
			}
			if h.m.Step() != steps.Left {
				t.Errorf("step = %v, want left", h.m.Step())
			}
		})
	}
}

func TestManualCaptureWithoutCamera(t *testing.T) {
	h := newHarness(t, Permissions{Motion: true}, nil)
	if err := h.m.ManualCapture(); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("ManualCapture = %v, want ErrNoCamera", err)
	}
}

func TestCaptureRetrySucceeds(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.prov.fail = 1

	if err := h.m.ManualCapture(); err != nil {
		t.Fatal(err)
	}
	h.v.Settle()
	if h.m.State() != Capturing {
		t.Fatalf("state after first failure = %v, want capturing", h.m.State())
	}
	if h.prov.Calls() != 1 {
		t.Fatalf("retried before the backoff elapsed (%d calls)", h.prov.Calls())
	}

	h.v.Advance(500 * time.Millisecond)
	if h.prov.Calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", h.prov.Calls())
	}
	if _, ok := h.firstAt(Captured, 0); !ok {
		t.Fatal("never reached captured")
	}

	saved := h.store.last()
	if saved == nil || saved.Captured() != 1 || saved.Slot(steps.Front).Empty() {
		t.Fatalf("persisted session = %+v", saved)
	}
	if h.m.Status().Err != nil {
		t.Errorf("error surfaced after a successful retry: %v", h.m.Status().Err)
	}
}

func TestCaptureRetryExhausted(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.prov.fail = 100

	h.m.ManualCapture()
	h.v.Settle()
	h.v.Advance(500 * time.Millisecond)
	h.v.Advance(time.Second)
	if h.m.State() != Capturing {
		t.Fatalf("gave up early, state = %v", h.m.State())
	}
	h.v.Advance(2 * time.Second)

	if h.prov.Calls() != 4 {
		t.Errorf("provider calls = %d, want 4", h.prov.Calls())
	}
	st := h.m.Status()
	if st.State != WaitingForAngle || st.Step.ID != steps.Front {
		t.Errorf("status = %v %v, want waiting on front", st.State, st.Step.ID)
	}
	if !errors.Is(st.Err, ErrCaptureFailed) || st.LastError == "" {
		t.Errorf("error = %v", st.Err)
	}
	if !h.m.Session().Slot(steps.Front).Empty() {
		t.Error("slot filled after failed capture")
	}

	// The error is retryable: a new manual capture is accepted.
	h.prov.fail = 0
	if err := h.m.ManualCapture(); err != nil {
		t.Fatalf("manual capture after failure: %v", err)
	}
}

func TestStorageRetryExhaustedRestoresSlot(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	saves := len(h.store.saves)
	h.store.failSaves = 4

	h.m.ManualCapture()
	h.v.Settle()
	h.v.Advance(500 * time.Millisecond)
	h.v.Advance(time.Second)
	h.v.Advance(2 * time.Second)

	st := h.m.Status()
	if st.State != WaitingForAngle || st.Step.ID != steps.Front {
		t.Fatalf("status = %v %v, want waiting on front", st.State, st.Step.ID)
	}
	if !errors.Is(st.Err, ErrStorageWriteFailed) {
		t.Errorf("error = %v", st.Err)
	}
	if !h.m.Session().Slot(steps.Front).Empty() {
		t.Error("slot kept the unsaved result")
	}
	if len(h.store.saves) != saves {
		t.Errorf("unexpected successful saves")
	}
	if len(h.store.released) != 1 || h.store.released[0] != "/captures/front-1.jpg" {
		t.Errorf("released = %v, want the orphaned image", h.store.released)
	}
	if h.prov.Calls() != 1 {
		t.Errorf("storage retry re-ran the camera (%d calls)", h.prov.Calls())
	}
}

func TestStorageRetrySucceeds(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.store.failSaves = 2

	h.m.ManualCapture()
	h.v.Settle()
	h.v.Advance(500 * time.Millisecond)
	h.v.Advance(time.Second)

	if h.m.Step() != steps.Left {
		t.Fatalf("step = %v, want left after the save went through", h.m.Step())
	}
	if h.store.last().Slot(steps.Front).Empty() {
		t.Error("front not persisted")
	}
}

func TestRetakeReplacesOnlyThatSlot(t *testing.T) {
	sess := session.New(start)
	for _, spec := range steps.Canonical() {
		sess.SetResult(session.CaptureResult{Step: spec.ID, ImageRef: "/old/" + spec.ID.String() + ".jpg"}, start)
	}
	h := newHarness(t, allowed(), sess)
	if !h.m.Status().Complete {
		t.Fatal("a full session should start complete")
	}
	if err := h.m.ManualCapture(); !errors.Is(err, ErrRejected) {
		t.Errorf("manual capture on a complete session = %v", err)
	}

	if err := h.m.Retake(steps.Right); err != nil {
		t.Fatalf("retake: %v", err)
	}
	if h.m.Step() != steps.Right || h.m.State() != WaitingForAngle {
		t.Fatalf("after retake: %v %v", h.m.Step(), h.m.State())
	}
	h.m.ManualCapture()
	h.v.Settle()

	got := h.m.Session()
	for _, spec := range steps.Canonical() {
		ref := got.Slot(spec.ID).Result.ImageRef
		if spec.ID == steps.Right {
			if ref == "/old/right.jpg" {
				t.Error("right slot not replaced")
			}
			continue
		}
		if ref != "/old/"+spec.ID.String()+".jpg" {
			t.Errorf("%v slot changed to %q", spec.ID, ref)
		}
	}
	if !got.Complete() || !h.m.Status().Complete {
		t.Error("session should be complete again")
	}
	if len(h.store.released) != 1 || h.store.released[0] != "/old/right.jpg" {
		t.Errorf("released = %v", h.store.released)
	}
}

func TestSkipAdvancesWithoutResult(t *testing.T) {
	h := newHarness(t, allowed(), nil)

	for i := 0; i < steps.Count; i++ {
		if err := h.m.Skip(); err != nil {
			t.Fatalf("skip %d: %v", i, err)
		}
	}
	h.v.Settle()
	st := h.m.Status()
	if !st.Complete {
		t.Fatal("skipping every step should end the walk-through")
	}
	if st.Session.Complete() {
		t.Error("session with only skipped slots is not complete")
	}
	if err := h.m.Skip(); !errors.Is(err, ErrRejected) {
		t.Errorf("skip after the last step = %v", err)
	}
	if h.target.target != nil {
		t.Error("target left set after the last step")
	}
	if last := h.store.last(); last == nil || !last.Slot(steps.Donor).Skipped {
		t.Error("skips not persisted")
	}
}

func TestGoToStepRejectedWhileCapturing(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.m.ManualCapture()
	if h.m.State() != Capturing {
		t.Fatalf("state = %v", h.m.State())
	}

	if err := h.m.GoToStep(2); !errors.Is(err, ErrRejected) {
		t.Fatalf("GoToStep during capture = %v", err)
	}
	h.v.Settle()
	if slot := h.m.Session().Slot(steps.Front); slot.Empty() {
		t.Error("capture did not land in the slot it started for")
	}
	if err := h.m.GoToStep(2); err != nil {
		t.Errorf("GoToStep after capture = %v", err)
	}
}

func TestGoToStepInvalidatesTimers(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.feed(1600*time.Millisecond, h.steady(88, 2))
	if h.m.State() != Countdown {
		t.Fatalf("state = %v", h.m.State())
	}

	if err := h.m.GoToStep(3); err != nil {
		t.Fatal(err)
	}
	if h.m.Step() != steps.Vertex || h.m.State() != WaitingForAngle {
		t.Fatalf("after goToStep: %v %v", h.m.Step(), h.m.State())
	}
	if h.target.target == nil || h.target.target.Tolerance != 20 || h.target.target.StabilityThreshold != 3 {
		t.Errorf("vertex target = %+v", h.target.target)
	}

	ticks := len(h.ticks())
	h.v.Advance(5 * time.Second)
	if len(h.ticks()) != ticks || h.prov.Calls() != 0 {
		t.Error("countdown from the previous step kept running")
	}
	if err := h.m.GoToStep(7); !errors.Is(err, ErrRejected) {
		t.Errorf("GoToStep(7) = %v", err)
	}
}

func TestSuspendCancelsCountdown(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.feed(2*time.Second, h.steady(88, 2))

	h.m.Suspend()
	if h.m.State() != WaitingForAngle {
		t.Fatalf("state = %v after suspend", h.m.State())
	}
	h.feed(3*time.Second, h.steady(88, 2))
	if h.m.State() != WaitingForAngle {
		t.Errorf("readings were acted on while suspended (%v)", h.m.State())
	}

	h.m.Resume()
	h.feed(1500*time.Millisecond, h.steady(88, 2))
	if h.m.State() != Countdown {
		t.Errorf("state = %v after resume and a 1.5s hold", h.m.State())
	}
}

func TestDegradedModeIsManualOnly(t *testing.T) {
	h := newHarness(t, Permissions{Camera: true}, nil)

	if !h.m.Status().Degraded || !errors.Is(h.m.Status().Err, ErrSensorUnavailable) {
		t.Fatalf("status = %+v", h.m.Status())
	}
	if h.target.sets != 0 {
		t.Error("target set without motion")
	}
	h.feed(10*time.Second, h.steady(90, 0))
	if h.m.State() != WaitingForAngle {
		t.Fatalf("state = %v, degraded mode must not leave waiting on its own", h.m.State())
	}

	if err := h.m.ManualCapture(); err != nil {
		t.Fatal(err)
	}
	h.v.Settle()
	if err := h.m.Skip(); err != nil {
		t.Fatal(err)
	}
	h.feed(10*time.Second, h.steady(90, 0))

	if n := len(h.ticks()); n != 0 {
		t.Errorf("degraded mode emitted %d countdown cues", n)
	}
	if h.cues.Count(cue.Pulse) != 0 {
		t.Error("degraded mode pulsed")
	}
	sess := h.m.Session()
	if sess.Slot(steps.Front).Empty() || !sess.Slot(steps.Left).Skipped || h.m.Step() != steps.Right {
		t.Errorf("progress = %+v step %v", sess.Slots, h.m.Step())
	}
	for _, tr := range h.log {
		if tr.state == Stabilizing || tr.state == Countdown {
			t.Errorf("degraded mode entered %v", tr.state)
		}
	}
}

func TestSensorLostDuringCountdown(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.feed(2*time.Second, h.steady(88, 2))

	h.m.SensorLost()
	if h.m.State() != WaitingForAngle || !h.m.Status().Degraded {
		t.Fatalf("status = %v degraded=%v", h.m.State(), h.m.Status().Degraded)
	}
	if h.target.target != nil {
		t.Error("target kept after the sensor was lost")
	}
	if err := h.m.ManualCapture(); err != nil {
		t.Errorf("manual capture after sensor loss: %v", err)
	}
}

func TestContinuousCuesStopOnCountdown(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.m.GoToStep(int(steps.Vertex))

	h.feed(time.Second, h.steady(40, 0))
	pulses := h.cues.Count(cue.Pulse)
	if pulses == 0 {
		t.Fatal("vertex should pulse while seeking")
	}
	h.feed(2*time.Second, h.steady(5, 5))
	if h.m.State() != Countdown {
		t.Fatalf("state = %v", h.m.State())
	}
	pulses = h.cues.Count(cue.Pulse)
	h.feed(time.Second, h.steady(5, 5))
	if h.cues.Count(cue.Pulse) != pulses {
		t.Error("pulses continued during countdown")
	}
}

func TestCountdownOnlyStepHasNoPulses(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.feed(3*time.Second, h.steady(60, 0))
	if h.cues.Count(cue.Pulse) != 0 {
		t.Error("front step pulsed")
	}
}

func TestStartNewSessionDiscardsOld(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.m.ManualCapture()
	h.v.Settle()
	old := h.m.Session().ID

	if err := h.m.StartNewSession(); err != nil {
		t.Fatal(err)
	}
	h.v.Settle()
	if len(h.store.deleted) != 1 || h.store.deleted[0] != old {
		t.Errorf("deleted = %v", h.store.deleted)
	}
	fresh := h.m.Session()
	if fresh.ID == old || fresh.Captured() != 0 || h.m.Step() != steps.Front {
		t.Errorf("new session = %+v step %v", fresh, h.m.Step())
	}
	if h.store.last().ID != fresh.ID {
		t.Error("new session not persisted")
	}
}

func TestFinishSessionHandsOffAndKeepsRecord(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	var finished *session.Session
	h.m.cfg.OnFinish = func(s *session.Session) { finished = s }

	h.m.ManualCapture()
	h.v.Settle()
	old := h.m.Session().ID

	if err := h.m.FinishSession(); err != nil {
		t.Fatal(err)
	}
	h.v.Settle()
	if finished == nil || finished.ID != old || finished.Captured() != 1 {
		t.Errorf("finished = %+v", finished)
	}
	if len(h.store.deleted) != 0 {
		t.Error("finish deleted the session")
	}
	if h.m.Session().ID == old {
		t.Error("finish kept the old session active")
	}

	// The finish mark is saved before the replacement session.
	finishedAt, freshAt := -1, -1
	for i, s := range h.store.saves {
		switch {
		case s.ID == old && s.Finished():
			finishedAt = i
		case s.ID == h.m.Session().ID:
			freshAt = i
		}
	}
	if finishedAt < 0 || freshAt < finishedAt {
		t.Errorf("finished save at %d, fresh save at %d", finishedAt, freshAt)
	}
}

func TestRestoredSessionResumesAtFirstEmptySlot(t *testing.T) {
	sess := session.New(start)
	sess.SetResult(session.CaptureResult{Step: steps.Front, ImageRef: "f"}, start)
	sess.Skip(steps.Left, start)
	h := newHarness(t, allowed(), sess)

	if h.m.Step() != steps.Right {
		t.Errorf("resumed at %v, want right", h.m.Step())
	}
}

func TestStaleCaptureCompletionIsDropped(t *testing.T) {
	h := newHarness(t, allowed(), nil)
	h.m.ManualCapture()

	// Simulate a completion from an earlier epoch.
	h.m.captureDone(h.m.epoch-1, steps.Front, 1, Image{Ref: "/captures/stale.jpg"}, nil)
	if !h.m.Session().Slot(steps.Front).Empty() {
		t.Fatal("stale completion filled the slot")
	}
	h.v.Settle()
	found := false
	for _, ref := range h.store.released {
		if ref == "/captures/stale.jpg" {
			found = true
		}
	}
	if !found {
		t.Error("stale image not released")
	}
}
