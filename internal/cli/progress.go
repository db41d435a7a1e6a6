package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/models"
)

const (
	pollInterval = time.Second
	tailLines    = 5
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Warning    lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the run status
type tickMsg time.Time

// runUpdateMsg carries the updated run
type runUpdateMsg struct {
	run *client.RunStatus
	err error
}

// cancelSentMsg reports the outcome of a cancel request
type cancelSentMsg struct{ err error }

// progressModel is the bubbletea model for run progress.
type progressModel struct {
	client     *client.Client
	runID      string
	run        *client.RunStatus
	progress   progress.Model
	theme      Theme
	done       bool
	quitting   bool
	cancelling bool
	err        error
}

// newProgressModel creates a new progress model.
func newProgressModel(c *client.Client, runID string) progressModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		runID:    runID,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init fetches the run immediately and starts the progress animation.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchRun(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "x":
			if !m.cancelling {
				m.cancelling = true
				return m, m.cancelRun()
			}
		}

	case tickMsg:
		return m, m.fetchRun()

	case cancelSentMsg:
		if msg.err != nil {
			m.cancelling = false
			m.err = msg.err
		}
		return m, nil

	case runUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch run status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.run = msg.run

		// Check for terminal states
		switch m.run.Status {
		case models.StatusSuccess:
			m.done = true
			m.err = nil
			return m, tea.Quit
		case models.StatusFailed:
			m.done = true
			if m.run.ErrorMessage != nil {
				m.err = fmt.Errorf("%s", *m.run.ErrorMessage)
			} else {
				m.err = fmt.Errorf("run failed with unknown error")
			}
			return m, tea.Quit
		case models.StatusCancelled:
			m.done = true
			m.err = fmt.Errorf("run %s was cancelled", m.runID)
			return m, tea.Quit
		}

		// Continue polling for active runs
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.run == nil {
		return "Loading run status...\n"
	}

	state := string(m.run.Status)
	if m.cancelling {
		state = "cancelling"
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", state))
	progressBar := m.progress.ViewAs(float64(m.run.Progress) / 100)
	elapsed := (time.Duration(m.run.DurationMs) * time.Millisecond).Round(time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", m.run.TargetID, status, m.runID)
	fmt.Fprintf(&b, "%s %3d%%  %s\n\n", progressBar, m.run.Progress, elapsed)
	for _, l := range m.run.Logs {
		b.WriteString(m.renderLine(l))
		b.WriteByte('\n')
	}
	if m.err != nil {
		b.WriteString(m.theme.errorStyle().Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + m.theme.hintStyle().Render("Press x to cancel the run, Ctrl+C to continue in background") + "\n")
	return b.String()
}

func (m progressModel) renderLine(l models.LogLine) string {
	line := fmt.Sprintf("  %-7s %s", levelTag(l.Level), l.Message)
	switch l.Level {
	case models.LevelError, models.LevelStderr:
		return m.theme.errorStyle().Render(line)
	case models.LevelWarning:
		return m.theme.warningStyle().Render(line)
	}
	return line
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\nUse 'runhub runs %s' to check status.\n",
			m.runID, m.runID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run failed: %s\n", m.err))
	}

	var output string
	output += m.theme.completedStyle().Render("✓ Completed") + "\n\n"
	if m.run != nil {
		output += fmt.Sprintf("  Duration:  %s\n", formatMillis(m.run.DurationMs))
		if m.run.ResultsCount != nil {
			output += fmt.Sprintf("  Results:   %d\n", *m.run.ResultsCount)
		}
		if m.run.ObjectiveValue != nil {
			output += fmt.Sprintf("  Objective: %g\n", *m.run.ObjectiveValue)
		}
	}
	return output
}

// fetchRun fetches the current run status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchRun() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		run, err := m.client.Status(ctx, m.runID, tailLines)
		return runUpdateMsg{run: run, err: err}
	}
}

func (m progressModel) cancelRun() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cancelSentMsg{err: describe(m.client.Cancel(ctx, m.runID))}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunProgress runs the interactive progress UI for a run.
// Returns nil on success or Ctrl+C (background), error on failure or cancellation.
func RunProgress(c *client.Client, runID string) error {
	model := newProgressModel(c, runID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	// Check final state
	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, the run continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
