// Package tui renders the live watch dashboard: a progress header fed
// by round events and a scrolling pane of agent output.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/forge/internal/events"
)

const maxOutputLines = 500

// Model is the root Bubble Tea model for the watch dashboard.
type Model struct {
	eventSub <-chan events.Event
	progress events.ProgressEvent
	round    int
	output   viewport.Model
	lines    []string
	width    int
	height   int
	ready    bool
	quitting bool
}

// New creates the dashboard model subscribed to the whole event bus.
func New(bus *events.Bus) Model {
	return Model{
		eventSub: bus.SubscribeAll(512),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

type busClosedMsg struct{}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		default:
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 4
		if !m.ready {
			m.output = viewport.New(msg.Width-2, msg.Height-headerHeight-2)
			m.ready = true
		} else {
			m.output.Width = msg.Width - 2
			m.output.Height = msg.Height - headerHeight - 2
		}
		m.refreshOutput()

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case events.ProgressEvent:
		m.progress = msg
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RoundStartedEvent:
		m.round = msg.Round
		m.appendLine(fmt.Sprintf("-- round %d (%d agents) --", msg.Round, msg.Agents))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RoundCompletedEvent:
		m.appendLine(fmt.Sprintf("-- round %d done: %d verified, %d reopened, %d blocked --",
			msg.Round, msg.Done, msg.Reopened, msg.Blocked))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.SessionStartedEvent:
		m.appendLine(fmt.Sprintf("[%s] %s started on %s", msg.AgentID, msg.Backend, msg.ID))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.SessionOutputEvent:
		m.appendLine(fmt.Sprintf("[%s] %s", msg.AgentID, msg.Line))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.SessionEndedEvent:
		m.appendLine(fmt.Sprintf("[%s] %s ended: %s (exit %d, %s)",
			msg.AgentID, msg.ID, msg.State, msg.ExitCode, msg.Duration.Round(time.Second)))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.VerifyResultEvent:
		verdict := "PASS"
		if !msg.Passed {
			verdict = fmt.Sprintf("FAIL (exit %d)", msg.ExitCode)
		}
		m.appendLine(fmt.Sprintf("verify %s: %s", msg.ID, verdict))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.TaskMergedEvent:
		if msg.Merged {
			m.appendLine(fmt.Sprintf("merged %s", msg.Branch))
		} else {
			m.appendLine(fmt.Sprintf("merge conflict on %s: %s", msg.Branch, msg.Conflict))
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxOutputLines {
		m.lines = m.lines[len(m.lines)-maxOutputLines:]
	}
	m.refreshOutput()
}

func (m *Model) refreshOutput() {
	if !m.ready {
		return
	}
	atBottom := m.output.AtBottom()
	m.output.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.output.GotoBottom()
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting..."
	}

	p := m.progress
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		styleTitle.Render(fmt.Sprintf("forge round %d", m.round)),
		styleDone.Render(fmt.Sprintf("  done %d/%d", p.Done, p.Total)),
		styleClaimed.Render(fmt.Sprintf("  claimed %d", p.Claimed)),
		stylePending.Render(fmt.Sprintf("  pending %d", p.Pending)),
		styleBlocked.Render(fmt.Sprintf("  blocked %d", p.Blocked)),
	)

	body := styleBorder.Width(m.width - 2).Render(m.output.View())
	help := styleHelp.Render("q: quit  up/down: scroll")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, help)
}
