package app

import (
	"image"
	"strings"
	"testing"
	"time"

	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/capture_guide/internal/capture"
	"github.com/relabs-tech/capture_guide/internal/guide"
	"github.com/relabs-tech/capture_guide/internal/orientation"
	"github.com/relabs-tech/capture_guide/internal/session"
	"github.com/relabs-tech/capture_guide/internal/steps"
	"github.com/relabs-tech/capture_guide/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func snapshotAt(step steps.ID, state capture.State) guide.Snapshot {
	sess := session.New(t0)
	sess.SetResult(session.CaptureResult{Step: steps.Front, ImageRef: "/x/front.png"}, t0)
	sess.Skip(steps.Left, t0)
	return guide.Snapshot{
		Status: capture.Status{
			Step:    steps.Get(step),
			State:   state,
			Session: sess,
		},
		StepIndex: step.Index(),
		StepCount: steps.Count,
	}
}

func TestHeadline(t *testing.T) {
	waiting := snapshotAt(steps.Right, capture.WaitingForAngle)

	aiming := waiting
	aiming.Reading = &tracker.Reading{Pitch: 60}
	aiming.Guidance = orientation.TiltUp
	aiming.GuidanceText = orientation.TiltUp.Text()

	countdown := snapshotAt(steps.Right, capture.Countdown)
	countdown.Countdown = capture.CountdownState{Running: true, TicksRemaining: 2}

	degraded := waiting
	degraded.Degraded = true

	done := waiting
	done.Complete = true

	cases := []struct {
		name string
		snap guide.Snapshot
		want string
	}{
		{"no session", guide.Snapshot{}, "Waiting..."},
		{"no reading", waiting, "Aim the phone"},
		{"guidance", aiming, "Tilt up"},
		{"countdown", countdown, "Hold... 2"},
		{"capturing", snapshotAt(steps.Right, capture.Capturing), "Capturing"},
		{"degraded", degraded, "Tap to capture"},
		{"complete", done, "All done"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := headline(tc.snap); got != tc.want {
				t.Errorf("headline = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStepAndSlotLines(t *testing.T) {
	snap := snapshotAt(steps.Right, capture.WaitingForAngle)
	if got := stepLine(snap); got != "3/5 Right side" {
		t.Errorf("step line = %q", got)
	}
	if got := slotLine(snap); got != " F  - [.] .  . " {
		t.Errorf("slot line = %q", got)
	}
	if stepLine(guide.Snapshot{}) != "" || slotLine(guide.Snapshot{}) != "" {
		t.Error("lines drawn without a session")
	}
}

func TestAngleLine(t *testing.T) {
	snap := snapshotAt(steps.Front, capture.Stabilizing)
	if got := angleLine(snap); !strings.Contains(got, "--") {
		t.Errorf("angle line without reading = %q", got)
	}
	snap.Reading = &tracker.Reading{Pitch: 88.24, Roll: -1, Delta: &tracker.Delta{Distance: 2.1}}
	if got := angleLine(snap); got != "P 88.2 R -1.0 d2" {
		t.Errorf("angle line = %q", got)
	}
}

func TestRenderLines(t *testing.T) {
	lines := guidanceLines(snapshotAt(steps.Vertex, capture.WaitingForAngle))
	for _, l := range lines {
		if len([]rune(l)) > displayCols {
			t.Errorf("line %q wider than the display", l)
		}
	}

	img := renderLines(lines)
	if img.Bounds() != image.Rect(0, 0, displayWidth, displayHeight) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	lit := 0
	for y := 0; y < displayHeight; y++ {
		for x := 0; x < displayWidth; x++ {
			if img.At(x, y) == image1bit.On {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("nothing drawn")
	}
}

func TestClip(t *testing.T) {
	if got := clip(strings.Repeat("x", 40)); len(got) != displayCols {
		t.Errorf("clip length = %d", len(got))
	}
	if got := clip("short"); got != "short" {
		t.Errorf("clip = %q", got)
	}
}
