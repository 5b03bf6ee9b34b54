package app

import (
	"fmt"
	"strings"

	"github.com/relabs-tech/capture_guide/internal/capture"
	"github.com/relabs-tech/capture_guide/internal/guide"
	"github.com/relabs-tech/capture_guide/internal/steps"
)

// headline is the one instruction a host should show most prominently.
func headline(s guide.Snapshot) string {
	switch {
	case s.Session == nil:
		return "Waiting..."
	case s.Complete:
		return "All done"
	case s.Suspended:
		return "Paused"
	case s.State == capture.Countdown:
		return fmt.Sprintf("Hold... %d", s.Countdown.TicksRemaining)
	case s.State == capture.Capturing:
		return "Capturing"
	case s.Degraded:
		return "Tap to capture"
	case s.Reading == nil:
		return "Aim the phone"
	}
	return s.GuidanceText
}

// stepLine is "2/5 Left side".
func stepLine(s guide.Snapshot) string {
	if s.Session == nil {
		return ""
	}
	return fmt.Sprintf("%d/%d %s", s.StepIndex+1, s.StepCount, s.Step.Title)
}

// slotLine marks each slot: its initial when captured, '-' when skipped,
// '.' when pending. The active step is bracketed.
func slotLine(s guide.Snapshot) string {
	if s.Session == nil {
		return ""
	}
	var b strings.Builder
	for i, spec := range steps.Canonical() {
		slot := s.Session.Slots[i]
		mark := "."
		switch {
		case !slot.Empty():
			mark = strings.ToUpper(spec.ID.String()[:1])
		case slot.Skipped:
			mark = "-"
		}
		if i == s.StepIndex && !s.Complete {
			mark = "[" + mark + "]"
		} else {
			mark = " " + mark + " "
		}
		b.WriteString(mark)
	}
	return b.String()
}

// angleLine shows the smoothed pose and its distance from the target.
func angleLine(s guide.Snapshot) string {
	r := s.Reading
	if r == nil {
		return "P   --  R   --"
	}
	line := fmt.Sprintf("P%5.1f R%5.1f", r.Pitch, r.Roll)
	if r.Delta != nil {
		line += fmt.Sprintf(" d%.0f", r.Delta.Distance)
	}
	return line
}
