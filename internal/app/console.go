// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/relabs-tech/capture_guide/internal/config"
	"github.com/relabs-tech/capture_guide/internal/guide"
)

var (
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorRed    = lipgloss.Color("#FF0000")
	colorGray   = lipgloss.Color("#666666")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	headlineStyle = lipgloss.NewStyle().Bold(true).Foreground(colorYellow).Padding(1, 2)
	perfectStyle  = headlineStyle.Foreground(colorGreen)
	statusStyle   = lipgloss.NewStyle().Foreground(colorGray)
	errorStyle    = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorGray).Padding(0, 1)
)

// snapshotMsg carries a snapshot from the state topic into the model.
type snapshotMsg guide.Snapshot

// sentMsg reports a command handed to the guide.
type sentMsg struct {
	cmd guide.Command
	err error
}

type clearErrorMsg struct{}

// consoleModel is the bubbletea model of the terminal guide. It renders the
// latest snapshot and turns keys into guide commands.
type consoleModel struct {
	snaps <-chan guide.Snapshot
	send  func(guide.Command) error

	snap guide.Snapshot
	have bool

	status   string
	errorMsg string
	width    int
}

func newConsoleModel(snaps <-chan guide.Snapshot, send func(guide.Command) error) consoleModel {
	return consoleModel{snaps: snaps, send: send, status: "Waiting for the guide..."}
}

func (m consoleModel) Init() tea.Cmd {
	return waitForSnapshot(m.snaps)
}

func waitForSnapshot(snaps <-chan guide.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-snaps
		if !ok {
			return tea.Quit()
		}
		return snapshotMsg(snap)
	}
}

func sendCmd(send func(guide.Command) error, c guide.Command) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{cmd: c, err: send(c)}
	}
}

func clearErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return clearErrorMsg{}
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = guide.Snapshot(msg)
		m.have = true
		m.status = "Connected"
		if m.snap.LastError != "" {
			m.errorMsg = m.snap.LastError
		}
		return m, waitForSnapshot(m.snaps)

	case sentMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("%s: %v", msg.cmd.Name, msg.err)
			return m, clearErrorCmd()
		}
		m.status = "Sent " + msg.cmd.Name
		return m, nil

	case clearErrorMsg:
		m.errorMsg = ""
		return m, nil
	}
	return m, nil
}

// command maps a key to a guide command.
func (m consoleModel) command(key string) (guide.Command, bool) {
	switch key {
	case " ", "space", "c":
		return guide.Command{Name: guide.CmdManualCapture}, true
	case "x":
		return guide.Command{Name: guide.CmdCancelCountdown}, true
	case "s":
		return guide.Command{Name: guide.CmdSkip}, true
	case "r":
		if !m.have {
			return guide.Command{}, false
		}
		return guide.Command{Name: guide.CmdRetake, Arg: m.snap.Step.ID.String()}, true
	case "f":
		return guide.Command{Name: guide.CmdFinishSession}, true
	case "n":
		return guide.Command{Name: guide.CmdStartNewSession}, true
	case "p":
		if m.snap.Suspended {
			return guide.Command{Name: guide.CmdResume}, true
		}
		return guide.Command{Name: guide.CmdSuspend}, true
	case "1", "2", "3", "4", "5":
		n, _ := strconv.Atoi(key)
		return guide.Command{Name: guide.CmdGoToStep, Arg: strconv.Itoa(n - 1)}, true
	}
	return guide.Command{}, false
}

func (m consoleModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	}
	if c, ok := m.command(msg.String()); ok {
		return m, sendCmd(m.send, c)
	}
	return m, nil
}

func (m consoleModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Capture guide"))
	b.WriteString("\n")

	if !m.have {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(stepLine(m.snap))
	b.WriteString("\n")

	style := headlineStyle
	if m.snap.Reading != nil && m.snap.Reading.OnTarget() {
		style = perfectStyle
	}
	b.WriteString(style.Render(headline(m.snap)))
	b.WriteString("\n")

	b.WriteString(boxStyle.Render(angleLine(m.snap) + "\n" + slotLine(m.snap)))
	b.WriteString("\n")

	b.WriteString(statusStyle.Render(fmt.Sprintf("%s | %s", m.snap.State, m.status)))
	b.WriteString("\n")
	if m.errorMsg != "" {
		b.WriteString(errorStyle.Render(m.errorMsg))
		b.WriteString("\n")
	}
	b.WriteString(statusStyle.Render("space capture  x cancel  s skip  r retake  1-5 step  p pause  f finish  n new  q quit"))
	b.WriteString("\n")
	return b.String()
}

// RunConsole runs the terminal guide: it follows the state topic and
// publishes key presses as commands.
func RunConsole() error {
	cfg := config.Get()

	// The terminal belongs to the UI, so logs go to a file.
	if f, err := tea.LogToFile("capture_console.log", "console"); err == nil {
		defer f.Close()
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	snaps := make(chan guide.Snapshot, 16)
	if err := subscribeJSON(client, cfg.TopicState, func(s guide.Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	}); err != nil {
		return err
	}

	send := func(c guide.Command) error {
		return publishJSON(client, cfg.TopicCommands, false, c)
	}

	_, err = tea.NewProgram(newConsoleModel(snaps, send), tea.WithAltScreen()).Run()
	return err
}
