// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// TUI model
type model struct {
	connection    string
	period        time.Duration
	statsInterval int
	showAll       bool
	stats         *km003c.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	spinner       spinner.Model
	started       time.Time
	width         int
	height        int
	quitting      bool
	linkErr       error
	lastAdc       *km003c.AdcData
	lastAdcAt     time.Time
	lastPd        *km003c.PdPreamble
	pdEvents      uint64
}

// Messages
type tickMsg time.Time
type pollMsg pollResult
type linkLostMsg struct {
	err error
}

// formatUptime formats a duration in milliseconds as a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

// fitLine cuts an event message so its log row stays on one line inside a
// box of the given width
func fitLine(message string, width int) string {
	// border, padding, timestamp and icon
	avail := width - 4 - 4 - 15
	if avail < 10 {
		avail = 10
	}
	return truncate.StringWithTail(message, uint(avail), "…")
}

func plural(n uint64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func initialModel(connection string, period time.Duration, statsInterval int, showAll bool) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	return model{
		connection:    connection,
		period:        period,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         km003c.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		spinner:       s,
		started:       time.Now(),
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case spinner.TickMsg:
		if m.lastAdc != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case linkLostMsg:
		m.linkErr = msg.err
		m.addLogEntry(fmt.Sprintf("LINK LOST: %v", msg.err), true)

	case pollMsg:
		m.handlePoll(pollResult(msg))
	}

	return m, nil
}

// handlePoll records one poll result
func (m *model) handlePoll(r pollResult) {
	m.stats.Update(r.msg, r.err, r.anomalies)

	if r.msg != nil {
		if r.msg.Adc != nil {
			m.lastAdc = r.msg.Adc
			m.lastAdcAt = r.at
		}
		if r.msg.PdStream != nil {
			p := r.msg.PdStream.Preamble
			m.lastPd = &p
			for _, ev := range r.msg.PdEvents {
				m.pdEvents++
				m.addLogEntry("PD "+km003c.FormatPdEvent(ev), false)
			}
		}
	}

	if r.err != nil {
		m.addLogEntry(fmt.Sprintf("ERROR: %v", r.err), true)
		return
	}
	if len(r.anomalies) > 0 {
		for _, a := range r.anomalies {
			m.addLogEntry(fmt.Sprintf("%s: %s", a.Type, a.Message), true)
		}
		return
	}
	if m.showAll && r.msg != nil {
		m.addLogEntry(fmt.Sprintf("%s id=%d %s (valid)", r.msg.Packet.Command(), r.msg.Packet.ID(), r.msg.Kind()), false)
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
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
	s.WriteString(titleStyle.Render("KMSTAT - KM003C MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All readings"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | every %s | Mode: %s | 'r' reset, 'q' quit",
		m.connection, m.period, mode)))
	s.WriteString("\n")
	uptime := uint64(time.Since(m.started).Milliseconds())
	s.WriteString(headerStyle.Render("Session: " + formatUptime(uptime)))
	s.WriteString("\n\n")

	// Link status
	switch {
	case m.linkErr != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Link lost: %v", m.linkErr)))
		s.WriteString("\n\n")
	case m.lastAdc == nil:
		s.WriteString(m.spinner.View())
		s.WriteString(warningStyle.Render(" Waiting for first reading..."))
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	totalErrors := m.stats.Errors() + m.stats.AnomalousValues
	if m.stats.TotalPackets > 0 {
		validPercent = float64(m.stats.ValidPackets) * 100.0 / float64(m.stats.TotalPackets)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalPackets)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidPackets, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
	))

	if m.stats.Errors() > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Decode:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.Errors())),
			headerStyle.Render("header"), m.stats.HeaderErrors,
			headerStyle.Render("length"), m.stats.LengthMismatches,
			headerStyle.Render("truncated"), m.stats.Truncated,
			headerStyle.Render("other"), m.stats.UnknownCodes+m.stats.PdStreamErrors+m.stats.DecodeErrors,
		))
	}

	if m.stats.AnomalousValues > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.AnomalousValues)),
			headerStyle.Render("temp"), m.stats.InvalidTemp,
			headerStyle.Render("VBUS"), m.stats.HighVoltage,
			headerStyle.Render("IBUS"), m.stats.HighCurrent,
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", m.stats.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Latest reading
	if a := m.lastAdc; a != nil {
		s.WriteString(statsLabelStyle.Render("Latest Reading:"))
		s.WriteString(headerStyle.Render(" " + m.lastAdcAt.Format("15:04:05.000")))
		s.WriteString("\n")

		reading := strings.Builder{}
		reading.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("VBUS:"), statsValueStyle.Render(fmt.Sprintf("%.4f V", a.VbusV)),
			statsLabelStyle.Render("IBUS:"), statsValueStyle.Render(fmt.Sprintf("%.4f A", a.IbusA)),
			statsLabelStyle.Render("Power:"), statsValueStyle.Render(fmt.Sprintf("%.3f W", a.PowerW)),
		))
		reading.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Avg:"), statsValueStyle.Render(fmt.Sprintf("%.4f V %.4f A", a.VbusAvgV, a.IbusAvgA)),
			statsLabelStyle.Render("Temp:"), statsValueStyle.Render(fmt.Sprintf("%.2f°C", a.TempC)),
		))
		reading.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
			statsLabelStyle.Render("CC1/CC2:"), statsValueStyle.Render(fmt.Sprintf("%.3f / %.3f V", a.Vcc1V, a.Vcc2V)),
			statsLabelStyle.Render("D+/D-:"), statsValueStyle.Render(fmt.Sprintf("%.3f / %.3f V", a.VdpV, a.VdmV)),
			statsLabelStyle.Render("Rate:"), statsValueStyle.Render(a.SampleRate.String()),
		))
		if p := m.lastPd; p != nil {
			state := "detached"
			if p.Connected() {
				state = "attached"
			}
			reading.WriteString(fmt.Sprintf("\n%s %s   %s %d",
				statsLabelStyle.Render("PD:"), statsValueStyle.Render(state),
				statsLabelStyle.Render("Events:"), m.pdEvents,
			))
		}

		s.WriteString(boxStyle.Render(reading.String()))
		s.WriteString("\n\n")
	}

	// Error log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 20 // Reserve space for header, stats and reading
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+fitLine(entry.message, m.width)),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+fitLine(entry.message, m.width)),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
