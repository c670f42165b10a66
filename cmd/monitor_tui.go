// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

// Messages fed into the monitor model.
type (
	inventoryMsg  map[string]*inventory.Node
	auditMsg      []store.AuditEntry
	frameMsg      gateway.CANMessage
	connectedMsg  struct{}
	disconnectMsg struct{}
	monitorTick   time.Time
)

type frameLogEntry struct {
	received time.Time
	frame    gateway.CANMessage
}

type monitorModel struct {
	addr         string
	send         func(msgType string, payload any) error
	nodes        map[string]*inventory.Node
	audit        []store.AuditEntry
	frames       []frameLogEntry
	maxFrames    int
	frameCount   uint64
	lastCount    uint64
	frameRate    float64
	disconnected bool
	input        textinput.Model
	inputActive  bool
	statusLine   string
	width        int
	height       int
	quitting     bool
}

func initialMonitorModel(addr string, send func(msgType string, payload any) error) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "node id (8 hex digits)"
	ti.CharLimit = 8
	ti.Width = 24
	return monitorModel{
		addr:      addr,
		send:      send,
		nodes:     map[string]*inventory.Node{},
		maxFrames: 100,
		input:     ti,
		width:     80,
		height:    24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTick(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.inputActive {
			switch msg.String() {
			case "enter":
				nodeID := strings.TrimSpace(m.input.Value())
				m.inputActive = false
				m.input.Blur()
				m.input.SetValue("")
				if nodeID != "" {
					if err := m.send(gateway.MsgRequestInterview, gateway.RequestInterview{NodeID: nodeID}); err != nil {
						m.statusLine = fmt.Sprintf("send failed: %v", err)
					} else {
						m.statusLine = "re-interview requested for " + nodeID
					}
				}
				return m, nil
			case "esc":
				m.inputActive = false
				m.input.Blur()
				m.input.SetValue("")
				return m, nil
			default:
				var cmd tea.Cmd
				m.input, cmd = m.input.Update(msg)
				return m, cmd
			}
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.inputActive = true
			m.statusLine = ""
			return m, m.input.Focus()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTick:
		m.frameRate = float64(m.frameCount - m.lastCount)
		m.lastCount = m.frameCount
		return m, monitorTickCmd()

	case inventoryMsg:
		m.nodes = msg

	case auditMsg:
		m.audit = msg

	case frameMsg:
		m.frameCount++
		m.frames = append(m.frames, frameLogEntry{received: time.Now(), frame: gateway.CANMessage(msg)})
		if len(m.frames) > m.maxFrames {
			m.frames = m.frames[len(m.frames)-m.maxFrames:]
		}

	case connectedMsg:
		m.disconnected = false

	case disconnectMsg:
		m.disconnected = true
	}

	return m, nil
}

func (m monitorModel) View() string {
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

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	alertStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	pendingStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("CANMASTER - BUS MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Daemon: %s | 'r' re-interview a node | 'q' quit", m.addr)))
	s.WriteString("\n\n")

	if m.disconnected {
		s.WriteString(alertStyle.Render("✗ Connection lost, reconnecting..."))
		s.WriteString("\n\n")
	}

	if m.inputActive {
		s.WriteString(labelStyle.Render("Re-interview node: "))
		s.WriteString(m.input.View())
		s.WriteString("\n\n")
	} else if m.statusLine != "" {
		s.WriteString(pendingStyle.Render(m.statusLine))
		s.WriteString("\n\n")
	}

	// Node table
	s.WriteString(labelStyle.Render(fmt.Sprintf("Nodes (%d):", len(m.nodes))))
	s.WriteString("\n")

	nodeContent := strings.Builder{}
	if len(m.nodes) == 0 {
		nodeContent.WriteString(headerStyle.Render("  (no nodes discovered yet)"))
	} else {
		ids := make([]string, 0, len(m.nodes))
		for id := range m.nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			n := m.nodes[id]
			crc := "-"
			if n.ConfigCRC != nil {
				crc = fmt.Sprintf("0x%04X", *n.ConfigCRC)
			}
			status := pendingStyle.Render("interviewing")
			if n.IntroComplete {
				status = valueStyle.Render("complete")
			}
			nodeContent.WriteString(fmt.Sprintf("%s  %s  %s %s  %s %s  %s\n",
				valueStyle.Render(id),
				status,
				labelStyle.Render("subs:"), fmt.Sprintf("%d/%d", len(n.SubModules), n.SubModCnt),
				labelStyle.Render("crc:"), crc,
				headerStyle.Render("seen "+time.UnixMilli(n.LastSeen).Format("15:04:05")),
			))
		}
	}
	s.WriteString(boxStyle.Render(nodeContent.String()))
	s.WriteString("\n\n")

	// Audit trail
	if len(m.audit) > 0 {
		s.WriteString(labelStyle.Render("Recent Edits:"))
		s.WriteString("\n")
		auditContent := strings.Builder{}
		shown := m.audit
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, row := range shown {
			target := row.NodeID
			if row.SubIdx != nil {
				target = fmt.Sprintf("%s/%d", row.NodeID, *row.SubIdx)
			}
			auditContent.WriteString(fmt.Sprintf("%s %s %s %s → %s\n",
				headerStyle.Render(time.UnixMilli(row.Ts).Format("01/02/06 15:04:05")),
				valueStyle.Render(target),
				labelStyle.Render(row.Field),
				row.OldValue,
				row.NewValue,
			))
		}
		s.WriteString(boxStyle.Render(auditContent.String()))
		s.WriteString("\n\n")
	}

	// Live traffic
	s.WriteString(labelStyle.Render(fmt.Sprintf("Bus Traffic (%.0f frames/s):", m.frameRate)))
	s.WriteString("\n")

	logHeight := m.height - len(m.nodes) - 18
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.frames) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.frames) == 0 {
		logContent.WriteString(headerStyle.Render("  (no frames yet)"))
	} else {
		for i := startIdx; i < len(m.frames); i++ {
			entry := m.frames[i]
			data := make([]string, len(entry.frame.Data))
			for j, b := range entry.frame.Data {
				data[j] = fmt.Sprintf("%02X", b)
			}
			logContent.WriteString(fmt.Sprintf("%s %s %-24s %s\n",
				headerStyle.Render(entry.received.Format("15:04:05.000")),
				valueStyle.Render(fmt.Sprintf("0x%03X", entry.frame.ID)),
				entry.frame.Name,
				strings.Join(data, " "),
			))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
