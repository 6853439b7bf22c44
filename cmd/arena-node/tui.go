package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/milyin/zenoh-arena/examples/counter"
	"github.com/milyin/zenoh-arena/internal/arena"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("82")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	hintStyle  = lipgloss.NewStyle().Foreground(gray).Italic(true)
	roleStyle  = lipgloss.NewStyle().Bold(true).Foreground(green)
	eventStyle = lipgloss.NewStyle().Foreground(yellow)
	countStyle = lipgloss.NewStyle().Bold(true).Foreground(green)
)

// stepMsg bridges one Node.Step() result into the bubbletea event loop,
// the same role waitForPkt's serverPktMsg plays for a TCP connection.
type stepMsg arena.StepResult[counter.State]

// model drives a single Node: Enter increments, 'r' resets, Ctrl+C/q
// leaves (or stops a Host) and quits. The event log lives in a
// viewport so a long-running demo scrolls instead of overflowing.
type model struct {
	node *arena.Node[counter.Action, counter.State]

	role    arena.NodeRole
	host    string
	counter int
	log     []string

	ready    bool
	viewport viewport.Model
	width    int
	height   int
}

func newModel(node *arena.Node[counter.Action, counter.State]) model {
	return model{node: node, role: arena.RoleSearching}
}

func (m model) Init() tea.Cmd {
	return waitForStep(m.node)
}

// waitForStep calls Step once and returns its result as a tea.Msg; the
// Update loop immediately re-queues it, exactly as the teacher's
// waitForPkt re-queues the next packet read after each one is handled.
func waitForStep(node *arena.Node[counter.Action, counter.State]) tea.Cmd {
	return func() tea.Msg {
		return stepMsg(node.Step())
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.logHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.logHeight()
		}
		m.viewport.SetContent(strings.Join(m.log, "\n"))
		return m, nil

	case stepMsg:
		r := arena.StepResult[counter.State](msg)
		m = m.applyStep(r)
		if r.Kind == arena.StepStop {
			return m, tea.Quit
		}
		return m, waitForStep(m.node)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.node.Sender() <- arena.Stop[counter.Action]()
			return m, nil
		}
		switch msg.String() {
		case "q":
			m.node.Sender() <- arena.Stop[counter.Action]()
			return m, nil
		case "enter":
			m.node.Sender() <- arena.GameAction[counter.Action](counter.Action{Kind: counter.Increment})
		case "r":
			m.node.Sender() <- arena.GameAction[counter.Action](counter.Action{Kind: counter.Reset})
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		return m, nil
	}
	return m, nil
}

// logHeight mirrors the teacher's vpHeight: header (1) + footer border (1)
// + footer hint (1) reserved.
func (m model) logHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) applyStep(r arena.StepResult[counter.State]) model {
	switch r.Kind {
	case arena.StepRoleChanged:
		m.role = r.Role
		status := m.node.LastStatus()
		m.host = status.Host.String()
		m.appendLog(fmt.Sprintf("role -> %s", r.Role))
	case arena.StepGameState:
		m.counter = r.State.Counter
		m.appendLog(fmt.Sprintf("counter -> %d", m.counter))
	case arena.StepStop:
		m.appendLog("stopped")
	}
	return m
}

func (m *model) appendLog(line string) {
	ts := time.Now().Format("15:04:05")
	m.log = append(m.log, eventStyle.Render(ts+"  "+line))
	if m.ready {
		m.viewport.SetContent(strings.Join(m.log, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "\n  starting…"
	}

	hdr := headerStyle.Width(m.width).Render(
		fmt.Sprintf(" arena-node  ·  node %s  ·  Enter: +1  r: reset  q: quit", m.node.ID().String()))

	roleLine := roleStyle.Render("role: " + m.role.String())
	if m.role != arena.RoleSearching {
		if m.role == arena.RoleHost {
			roleLine += "  " + hintStyle.Render("(self-hosted)")
		} else {
			roleLine += "  " + hintStyle.Render("host: "+m.host)
		}
	}
	roleLine += "   " + countStyle.Render(fmt.Sprintf("counter: %d", m.counter))

	footer := footerBorderStyle.Width(m.width - 2).Render(roleLine)

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}
