// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

// Focus states
const (
	focusActionList = iota
	focusRateInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// actionItem is one row of the action list
type actionItem struct {
	action controlAction
	desc   string
}

// Implement list.Item interface
func (a actionItem) Title() string       { return a.action.String() }
func (a actionItem) Description() string { return a.desc }
func (a actionItem) FilterValue() string { return a.action.String() }

// graphState tracks samples received since graph mode started
type graphState struct {
	active  bool
	rate    km003c.SampleRate
	variant km003c.QueueVariant
	samples uint64
	dropped uint64
	batches uint64
	last    *km003c.AdcQueueSample
	lastSeq uint16
	haveSeq bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	requests chan<- controlRequest
	connInfo string

	actionList list.Model
	rateInput  textinput.Model
	variant    km003c.QueueVariant

	// Monitoring (reused from tui.go patterns)
	stats         *km003c.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	lastAdc       *km003c.AdcData
	lastRtt       time.Duration
	graph         graphState

	focusedField   int
	busy           bool
	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type controlResultMsg struct {
	action    controlAction
	msg       *km003c.Message
	rtt       time.Duration
	detail    string
	err       error
	anomalies []km003c.ValidationError
}

type controlQueueMsg struct {
	queue     *km003c.AdcQueueData
	err       error
	anomalies []km003c.ValidationError
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(requests chan<- controlRequest, connInfo string) controlModel {
	rate, variant, err := graphSettings()
	if err != nil {
		rate, variant = km003c.QueueStandard.NominalRate(), km003c.QueueStandard
	}

	// Initialize text input for the graph rate
	ti := textinput.New()
	ti.Placeholder = fmt.Sprintf("%d", rate.Hz)
	ti.CharLimit = 5
	ti.Width = 10

	items := []list.Item{
		actionItem{actionReadAdc, "Single ADC reading"},
		actionItem{actionReadPd, "Pending PD events"},
		actionItem{actionSync, "Round-trip time"},
		actionItem{actionStartGraph, "Stream queued samples"},
		actionItem{actionStopGraph, "End streaming"},
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	actionList := list.New(items, delegate, 30, 12)
	actionList.Title = "Actions"
	actionList.SetShowStatusBar(false)
	actionList.SetShowHelp(false)
	actionList.SetFilteringEnabled(false)

	return controlModel{
		requests:      requests,
		connInfo:      connInfo,
		actionList:    actionList,
		rateInput:     ti,
		variant:       variant,
		stats:         km003c.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		focusedField:  focusActionList,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.actionList, _ = m.actionList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.stats.CalculateRates()
		return m, controlTickCmd()

	case controlResultMsg:
		m.handleResult(msg)

	case controlQueueMsg:
		m.handleQueue(msg)

	case connectionLostMsg:
		m.connectionLost = true
		m.busy = false
		m.graph.active = false
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected", false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusRateInput {
		m.rateInput, cmd = m.rateInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.focusedField == focusRateInput && msg.String() == "q" {
			break
		}
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		return m.toggleFocus(), nil

	case "v":
		if m.focusedField == focusActionList && !m.graph.active {
			if m.variant == km003c.QueueStandard {
				m.variant = km003c.Queue10K
			} else {
				m.variant = km003c.QueueStandard
			}
			m.addLogEntry(fmt.Sprintf("Queue variant: %s", m.variant), false)
		}
		return m, nil

	case "r":
		if m.focusedField == focusActionList {
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
			return m, nil
		}

	case "enter":
		return m.handleEnter()

	case "up", "k", "down", "j":
		if m.focusedField == focusActionList {
			m.actionList, _ = m.actionList.Update(msg)
			return m, nil
		}
	}

	// Pass through to focused component
	if m.focusedField == focusRateInput {
		var cmd tea.Cmd
		m.rateInput, cmd = m.rateInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *controlModel) toggleFocus() *controlModel {
	if m.focusedField == focusActionList {
		m.focusedField = focusRateInput
		m.rateInput.Focus()
	} else {
		m.focusedField = focusActionList
		m.rateInput.Blur()
	}
	return m
}

// handleEnter queues the selected action. Enter in the rate input starts
// graph mode.
func (m *controlModel) handleEnter() (tea.Model, tea.Cmd) {
	// Don't allow control commands while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}
	if m.busy {
		m.addLogEntry("Previous command still running", true)
		return m, nil
	}

	action := actionStartGraph
	if m.focusedField == focusActionList {
		item, ok := m.actionList.SelectedItem().(actionItem)
		if !ok {
			return m, nil
		}
		action = item.action
	}

	req := controlRequest{action: action, variant: m.variant}
	if action == actionStartGraph {
		rateStr := m.rateInput.Value()
		if rateStr == "" {
			rateStr = m.rateInput.Placeholder
		}
		rate, err := parseRate(rateStr)
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Invalid rate: %v", err), true)
			return m, nil
		}
		req.rate = rate
		m.graph = graphState{rate: rate, variant: m.variant}
	}

	select {
	case m.requests <- req:
		m.busy = true
	default:
		m.addLogEntry("Command queue full", true)
	}
	return m, nil
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	helpText := "q=quit Tab=switch v=variant r=reset"
	s.WriteString(titleStyle.Render("KMSTAT CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, helpText)))
	s.WriteString("\n\n")

	// Layout: left panel (actions) | right panel (readings)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusActionList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	actionPanel := listStyle.Render(m.actionList.View())

	readingContent := m.renderReadingPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle)
	readingPanel := boxStyle.Width(rightWidth).Render(readingContent)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, actionPanel, " ", readingPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderReadingPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle lipgloss.Style) string {
	var s strings.Builder

	// Graph settings
	s.WriteString(statsLabelStyle.Render("Rate (SPS): "))
	if m.focusedField == focusRateInput {
		s.WriteString(m.rateInput.View())
	} else {
		val := m.rateInput.Value()
		if val == "" {
			val = m.rateInput.Placeholder
		}
		s.WriteString(fmt.Sprintf("[%s]", val))
	}
	s.WriteString(fmt.Sprintf("  %s %s\n\n", statsLabelStyle.Render("Variant:"), m.variant))

	if m.busy {
		s.WriteString(warningStyle.Render("Waiting for response..."))
		s.WriteString("\n")
	}

	if g := m.graph; g.active || g.batches > 0 {
		state := "stopped"
		if g.active {
			state = "streaming"
		}
		s.WriteString(fmt.Sprintf("%s %s at %s\n",
			statsLabelStyle.Render("Graph:"), statsValueStyle.Render(state), g.rate))
		s.WriteString(fmt.Sprintf("%s %d in %d batches, %d dropped\n",
			statsLabelStyle.Render("Samples:"), g.samples, g.batches, g.dropped))
		if g.last != nil {
			s.WriteString(fmt.Sprintf("%s #%d %s\n",
				statsLabelStyle.Render("Latest:"), g.last.Sequence,
				statsValueStyle.Render(fmt.Sprintf("%.4f V %.4f A %.3f W", g.last.VbusV, g.last.IbusA, g.last.PowerW))))
		}
		s.WriteString("\n")
	}

	if a := m.lastAdc; a != nil {
		s.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s\n",
			statsLabelStyle.Render("VBUS:"), statsValueStyle.Render(fmt.Sprintf("%.4f V", a.VbusV)),
			statsLabelStyle.Render("IBUS:"), statsValueStyle.Render(fmt.Sprintf("%.4f A", a.IbusA)),
			statsLabelStyle.Render("Power:"), statsValueStyle.Render(fmt.Sprintf("%.3f W", a.PowerW))))
		s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
			statsLabelStyle.Render("Temp:"), statsValueStyle.Render(fmt.Sprintf("%.2f°C", a.TempC)),
			statsLabelStyle.Render("Rate:"), statsValueStyle.Render(a.SampleRate.String())))
	} else {
		s.WriteString(headerStyle.Render("No reading yet"))
		s.WriteString("\n")
	}

	if m.lastRtt > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Last RTT:"), statsValueStyle.Render(m.lastRtt.Round(time.Microsecond).String())))
	}

	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	if m.stats.TotalPackets > 0 {
		validPercent = float64(m.stats.ValidPackets) * 100.0 / float64(m.stats.TotalPackets)
		totalErrors := m.stats.Errors() + m.stats.AnomalousValues
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalPackets)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkt/s", m.stats.PacketRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Calculate available height for log
	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}

	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				fitLine(entry.message, m.width)))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) handleResult(msg controlResultMsg) {
	m.busy = false

	if msg.msg != nil || (msg.err != nil && isDecodeError(msg.err)) {
		m.stats.Update(msg.msg, msg.err, msg.anomalies)
	}

	if msg.err != nil {
		if errors.Is(msg.err, device.ErrRejected) {
			m.addLogEntry(fmt.Sprintf("%s rejected by meter", msg.action), true)
		} else {
			m.addLogEntry(fmt.Sprintf("%s failed: %v", msg.action, msg.err), true)
		}
		if msg.action == actionStartGraph {
			m.graph.active = false
		}
		return
	}

	switch msg.action {
	case actionReadAdc:
		if msg.msg != nil && msg.msg.Adc != nil {
			m.lastAdc = msg.msg.Adc
			m.addLogEntry(msg.msg.Adc.String(), false)
		}
	case actionReadPd:
		if msg.msg == nil {
			break
		}
		if len(msg.msg.PdEvents) == 0 {
			m.addLogEntry("No pending PD events", false)
		}
		for _, ev := range msg.msg.PdEvents {
			m.addLogEntry("PD "+km003c.FormatPdEvent(ev), false)
		}
	case actionSync:
		m.lastRtt = msg.rtt
		m.addLogEntry(fmt.Sprintf("SYNC echoed in %v", msg.rtt.Round(time.Microsecond)), false)
	case actionStartGraph:
		m.graph.active = true
		m.addLogEntry("Graph started: "+msg.detail, false)
	case actionStopGraph:
		m.graph.active = false
		m.addLogEntry(fmt.Sprintf("Graph stopped after %d samples", m.graph.samples), false)
	}

	for _, a := range msg.anomalies {
		m.addLogEntry(fmt.Sprintf("%s: %s", a.Type, a.Message), true)
	}
}

// handleQueue accumulates one drained batch and checks sequence continuity
func (m *controlModel) handleQueue(msg controlQueueMsg) {
	if msg.err != nil {
		m.stats.Update(nil, msg.err, nil)
		m.addLogEntry(fmt.Sprintf("Queue read failed: %v", msg.err), true)
		return
	}
	q := msg.queue
	if q == nil || len(q.Samples) == 0 {
		return
	}

	g := &m.graph
	first, last, _ := q.SequenceRange()
	if g.haveSeq && first != g.lastSeq+1 {
		gap := uint64(first - g.lastSeq - 1)
		g.dropped += gap
		m.addLogEntry(fmt.Sprintf("%d samples lost between batches", gap), true)
	}
	g.lastSeq, g.haveSeq = last, true
	g.dropped += uint64(q.DroppedSamples())
	g.samples += uint64(len(q.Samples))
	g.batches++
	sample := q.Samples[len(q.Samples)-1]
	g.last = &sample

	m.stats.TotalPackets++
	m.stats.QueueSamples += uint64(len(q.Samples))
	if len(msg.anomalies) == 0 {
		m.stats.ValidPackets++
	}
	for _, a := range msg.anomalies {
		m.stats.AnomalousValues++
		if a.Type != km003c.AnomalyDroppedSamples {
			m.addLogEntry(fmt.Sprintf("%s: %s", a.Type, a.Message), true)
		}
	}
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m *controlModel) updateListSize() {
	// Adjust list size based on terminal size
	listHeight := m.height / 3
	if listHeight < 12 {
		listHeight = 12
	}
	m.actionList.SetSize(28, listHeight)
}
