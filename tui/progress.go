// Package tui renders loop progress in the terminal while a task runs.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/loopsmith/loop"
)

var (
	colorPrimary = lipgloss.Color("39")
	colorSuccess = lipgloss.Color("42")
	colorError   = lipgloss.Color("196")
	colorDim     = lipgloss.Color("241")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	phaseStyle = lipgloss.NewStyle().
			Foreground(colorPrimary)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)
)

// ProgressEvent is one rendered line in the progress feed.
type ProgressEvent struct {
	Iteration int
	Phase     string
	Display   string
}

type progressMsg ProgressEvent

type doneMsg struct {
	outcome *loop.Outcome
}

// Model implements the Bubble Tea Model interface for the progress feed.
type Model struct {
	task    string
	spinner spinner.Model
	events  []ProgressEvent
	outcome *loop.Outcome
	done    bool
	width   int
}

// NewModel builds a progress model for the given task description.
func NewModel(task string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{
		task:    task,
		spinner: sp,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles progress events, completion, and keyboard interrupts.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case progressMsg:
		m.events = append(m.events, ProgressEvent(msg))
		return m, nil
	case doneMsg:
		m.done = true
		m.outcome = msg.outcome
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the feed.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.task))
	b.WriteString("\n\n")
	for _, event := range m.events {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%2d ", event.Iteration)))
		b.WriteString(phaseStyle.Render("[" + event.Phase + "] "))
		b.WriteString(event.Display)
		b.WriteString("\n")
	}
	if m.done {
		b.WriteString("\n")
		b.WriteString(renderOutcome(m.outcome))
		b.WriteString("\n")
	} else {
		b.WriteString("\n")
		b.WriteString(m.spinner.View())
		b.WriteString(dimStyle.Render(" working..."))
		b.WriteString("\n")
	}
	return b.String()
}

func renderOutcome(outcome *loop.Outcome) string {
	if outcome == nil || outcome.Message == nil {
		return errorStyle.Render("no result")
	}
	msg := outcome.Message
	label := string(msg.Type)
	switch msg.Type {
	case loop.TypeComplete:
		label = successStyle.Render("complete")
	case loop.TypeError:
		label = errorStyle.Render("error")
	}
	return fmt.Sprintf("%s %s %s", label, dimStyle.Render(fmt.Sprintf("(%d iterations)", outcome.Iterations)), msg.Message)
}

type sender interface {
	Send(tea.Msg)
}

// Sink forwards loop progress events into a running program. It implements
// loop.ProgressSink.
type Sink struct {
	target sender
}

// Push implements loop.ProgressSink.
func (s *Sink) Push(event string, payload map[string]interface{}) {
	if s.target == nil || event != "loop_progress" {
		return
	}
	s.target.Send(progressMsg{
		Iteration: asInt(payload["iteration"]),
		Phase:     asString(payload["phase"]),
		Display:   asString(payload["display_message"]),
	})
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Run displays the feed while fn drives the loop with the attached sink.
// It returns the outcome fn produced, or nil when the user quit before the
// loop finished. The outcome travels over a channel; the worker goroutine
// may outlive the program on an early quit.
func Run(ctx context.Context, task string, fn func(sink loop.ProgressSink) *loop.Outcome, opts ...tea.ProgramOption) (*loop.Outcome, error) {
	options := append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	program := tea.NewProgram(NewModel(task), options...)
	outcomeCh := make(chan *loop.Outcome, 1)
	go func() {
		outcome := fn(&Sink{target: program})
		outcomeCh <- outcome
		program.Send(doneMsg{outcome: outcome})
	}()
	if _, err := program.Run(); err != nil {
		return nil, err
	}
	select {
	case outcome := <-outcomeCh:
		return outcome, nil
	default:
		return nil, nil
	}
}
