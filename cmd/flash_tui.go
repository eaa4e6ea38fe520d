// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/transfer"
)

// errInterrupted is returned when the TUI is closed before the transfer ended
var errInterrupted = errors.New("interrupted before the transfer finished")

// Event log entry
type eventEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// TUI model
type flashModel struct {
	job      *flashJob
	cancel   context.CancelFunc
	connInfo string
	stats    *transfer.Statistics

	status   ota.Status
	progress progress.Model
	spinner  spinner.Model

	events    []eventEntry
	maxEvents int

	aborting bool
	done     bool
	quitting bool
	digest   ota.Digest
	err      error

	width  int
	height int
}

// Messages
type flashTickMsg time.Time
type statusMsg ota.StatusUpdate
type linkMsg string
type statsMsg struct{ stats *transfer.Statistics }
type logLineMsg string
type transferDoneMsg struct {
	digest ota.Digest
	err    error
}

// tuiLogWriter forwards formatted log lines to the event pane
type tuiLogWriter struct {
	p *tea.Program
}

func (w tuiLogWriter) Write(b []byte) (int, error) {
	w.p.Send(logLineMsg(strings.TrimSpace(string(b))))
	return len(b), nil
}

func newFlashModel(job *flashJob, cancel context.CancelFunc) flashModel {
	return flashModel{
		job:       job,
		cancel:    cancel,
		status:    ota.Status{Kind: ota.StatusIdle},
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		events:    make([]eventEntry, 0),
		maxEvents: 100,
		width:     80,
		height:    24,
	}
}

func (m flashModel) Init() tea.Cmd {
	return tea.Batch(
		flashTickCmd(),
		m.spinner.Tick,
	)
}

func flashTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return flashTickMsg(t)
	})
}

func (m flashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done || m.aborting {
				m.quitting = true
				return m, tea.Quit
			}
			m.aborting = true
			m.cancel()
			m.addEvent("Abort requested, telling device to discard the image", true)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = min(max(msg.Width-12, 10), 80)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case flashTickMsg:
		return m, flashTickCmd()

	case linkMsg:
		m.connInfo = string(msg)
		m.addEvent("Connected: "+m.connInfo, false)

	case statsMsg:
		m.stats = msg.stats

	case statusMsg:
		if msg.Status.Kind != m.status.Kind {
			m.addEvent(msg.Status.String(), msg.Status.Kind == ota.StatusError)
		}
		m.status = msg.Status

	case logLineMsg:
		m.addEvent(string(msg), false)

	case transferDoneMsg:
		m.done = true
		m.digest = msg.digest
		m.err = msg.err
		if msg.err != nil {
			m.addEvent(msg.err.Error(), true)
		} else {
			m.addEvent("Verified by device: "+msg.digest.String(), false)
		}
	}

	return m, nil
}

func (m *flashModel) addEvent(message string, isError bool) {
	m.events = append(m.events, eventEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
}

func (m flashModel) View() string {
	if m.quitting {
		return ""
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("OTAFLASH - FIRMWARE TRANSFER"))
	s.WriteString("\n")

	link := m.connInfo
	if link == "" {
		link = "connecting"
	}
	action := "abort"
	if m.done {
		action = "quit"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("Image: %s (%d bytes) | Link: %s | Press 'q' to %s",
		m.job.path, m.job.img.Len(), link, action)))
	s.WriteString("\n\n")

	// Status line
	switch {
	case m.done && m.err == nil:
		s.WriteString(valueStyle.Render("✓ " + m.status.String()))
	case m.done:
		s.WriteString(errorStyle.Render("✗ " + m.status.String()))
	case m.aborting:
		s.WriteString(warningStyle.Render(m.spinner.View() + " Aborting..."))
	default:
		s.WriteString(m.spinner.View() + " " + labelStyle.Render(m.status.String()))
	}
	s.WriteString("\n\n")

	s.WriteString(m.progress.ViewAs(float64(m.status.Percent) / 100))
	s.WriteString("\n\n")

	// Statistics
	if m.stats != nil {
		c := m.stats.Snapshot()
		var stats strings.Builder
		stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Chunks:"), valueStyle.Render(fmt.Sprintf("%d", c.ChunksSent)),
			labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d bytes", c.PayloadBytes)),
			labelStyle.Render("Elapsed:"), valueStyle.Render(c.Elapsed.Truncate(100*time.Millisecond).String()),
		))

		retryStyle := valueStyle
		if c.Resends > 0 || c.Timeouts > 0 {
			retryStyle = warningStyle
		}
		stats.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Resends:"), retryStyle.Render(fmt.Sprintf("%d", c.Resends)),
			labelStyle.Render("Timeouts:"), retryStyle.Render(fmt.Sprintf("%d", c.Timeouts)),
		))

		if errs := c.CRCErrors + c.DecodeErrors + c.Malformed; errs > 0 {
			stats.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render("Frame errors:"), errorStyle.Render(fmt.Sprintf("%d", errs)),
			))
		}

		stats.WriteString(fmt.Sprintf("%s %s",
			labelStyle.Render("Throughput:"), valueStyle.Render(fmt.Sprintf("%.2f kB/s", c.Throughput)),
		))

		s.WriteString(boxStyle.Render(stats.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := max(m.height-18, 5)
	startIdx := max(len(m.events)-logHeight, 0)

	var events strings.Builder
	if len(m.events) == 0 {
		events.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.events[startIdx:] {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			events.WriteString(fmt.Sprintf("%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message)))
		} else {
			events.WriteString(fmt.Sprintf("%s %s\n", timestamp, warningStyle.Render("ℹ "+entry.message)))
		}
	}

	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(events.String()))

	return s.String()
}

// runFlashTUI runs the transfer in the background while the TUI renders its
// status
func runFlashTUI(ctx context.Context, job *flashJob) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newFlashModel(job, cancel), tea.WithAltScreen())

	switch strings.ToLower(cfg.Logging.Output) {
	case "", "stderr", "stdout":
		// the alt screen owns the terminal
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:          tuiLogWriter{p: p},
			NoColor:      true,
			PartsExclude: []string{zerolog.TimestampFieldName},
		})
	}

	go func() {
		onStatus := func(u ota.StatusUpdate) { p.Send(statusMsg(u)) }

		ch, connInfo, err := OpenConnection(ctx, onStatus)
		if err != nil {
			p.Send(transferDoneMsg{err: err})
			return
		}
		defer ch.Close()
		p.Send(linkMsg(connInfo))

		r := job.runner(ch, onStatus)
		p.Send(statsMsg{stats: r.Statistics()})

		digest, err := r.Run(ctx, job.img, cfg.Transfer.MTU)
		p.Send(transferDoneMsg{digest: digest, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	m := final.(flashModel)
	if !m.done {
		return errInterrupted
	}
	if m.err != nil {
		return m.err
	}
	if m.stats != nil {
		fmt.Print(m.stats.String())
	}
	fmt.Printf("Verified by device: %s\n", m.digest)
	return nil
}
