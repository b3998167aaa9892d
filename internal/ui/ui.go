// Package ui is the watch dashboard: a live view of both tunnels, their
// probe loops and the tail of the selected tunnel's log.
package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/sshp/internal/events"
	"github.com/treykane/sshp/internal/model"
	"github.com/treykane/sshp/internal/util"
)

// Backend is what the dashboard reads and drives.
type Backend interface {
	Status(ctx context.Context) ([]model.TunnelStatus, error)
	Logs(name string, limit int) ([]events.Record, error)
	Run(ctx context.Context, name, verb string) (string, error)
}

const logTail = 200

type (
	tickMsg     time.Time
	snapshotMsg struct {
		tunnels []model.TunnelStatus
		err     error
	}
	logsMsg struct {
		name string
		body string
	}
	actionMsg struct {
		text string
		err  error
	}
)

type keyMap struct {
	Up, Down, Refresh, Start, Stop, Restart, Help, Quit key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:    key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Start:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
		Stop:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
		Restart: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "restart")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type modelUI struct {
	backend  Backend
	refresh  int
	keys     keyMap
	tunnels  []model.TunnelStatus
	sel      int
	status   string
	busy     bool
	showHelp bool
	logs     viewport.Model
	width    int
	height   int
}

func newModel(b Backend, refreshSeconds int) modelUI {
	return modelUI{
		backend: b,
		refresh: clampRefresh(refreshSeconds),
		keys:    defaultKeys(),
		logs:    viewport.New(96, 10),
		status:  "Ready. s start | x stop | R restart the selected tunnel.",
	}
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func snapshotCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		st, err := b.Status(context.Background())
		return snapshotMsg{tunnels: st, err: err}
	}
}

func logsCmd(b Backend, name string) tea.Cmd {
	return func() tea.Msg {
		recs, err := b.Logs(name, logTail)
		if err != nil {
			return logsMsg{name: name, body: "log read error: " + err.Error()}
		}
		var sb strings.Builder
		for _, r := range recs {
			sb.WriteString(r.Time.Format(events.TimeLayout) + " " + r.Message + "\n")
		}
		if sb.Len() == 0 {
			sb.WriteString("(no log records)\n")
		}
		return logsMsg{name: name, body: sb.String()}
	}
}

func actionCmd(b Backend, name, verb string) tea.Cmd {
	return func() tea.Msg {
		text, err := b.Run(context.Background(), name, verb)
		return actionMsg{text: text, err: err}
	}
}

func (m modelUI) Init() tea.Cmd {
	return tea.Batch(snapshotCmd(m.backend), tickCmd(m.refresh))
}

func (m modelUI) selected() (model.TunnelStatus, bool) {
	if m.sel < 0 || m.sel >= len(m.tunnels) {
		return model.TunnelStatus{}, false
	}
	return m.tunnels[m.sel], true
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(snapshotCmd(m.backend), tickCmd(m.refresh))
	case snapshotMsg:
		if msg.err != nil {
			m.status = "status error: " + msg.err.Error()
			return m, nil
		}
		m.tunnels = msg.tunnels
		if m.sel >= len(m.tunnels) {
			m.sel = len(m.tunnels) - 1
		}
		if m.sel < 0 {
			m.sel = 0
		}
		if t, ok := m.selected(); ok {
			return m, logsCmd(m.backend, t.Name)
		}
		return m, nil
	case logsMsg:
		if t, ok := m.selected(); ok && t.Name == msg.name {
			m.logs.SetContent(msg.body)
			m.logs.GotoBottom()
		}
		return m, nil
	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = msg.text
		}
		return m, snapshotCmd(m.backend)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.Width = m.effectiveWidth() - 4
		m.logs.Height = max(5, m.height-18)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m modelUI) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		// Tunnels are supervised by their probe loops and outlive the dashboard.
		return m, tea.Quit
	case key.Matches(msg, m.keys.Down):
		if m.sel < len(m.tunnels)-1 {
			m.sel++
			return m, logsCmd(m.backend, m.tunnels[m.sel].Name)
		}
	case key.Matches(msg, m.keys.Up):
		if m.sel > 0 {
			m.sel--
			return m, logsCmd(m.backend, m.tunnels[m.sel].Name)
		}
	case key.Matches(msg, m.keys.Refresh):
		m.status = "Refreshed tunnel status"
		return m, snapshotCmd(m.backend)
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
	case key.Matches(msg, m.keys.Start):
		return m.act("start")
	case key.Matches(msg, m.keys.Stop):
		return m.act("stop")
	case key.Matches(msg, m.keys.Restart):
		return m.act("restart")
	default:
		var cmd tea.Cmd
		m.logs, cmd = m.logs.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m modelUI) act(verb string) (tea.Model, tea.Cmd) {
	t, ok := m.selected()
	if !ok || m.busy {
		return m, nil
	}
	m.busy = true
	m.status = fmt.Sprintf("%s %s (%s)...", verb, t.Name, t.LocalAddr)
	return m, actionCmd(m.backend, t.Name, verb)
}

var stateColors = map[model.TunnelState]lipgloss.Color{
	model.TunnelHealthy:    lipgloss.Color("42"),
	model.TunnelRestarting: lipgloss.Color("214"),
	model.TunnelFailed:     lipgloss.Color("196"),
	model.TunnelAbandoned:  lipgloss.Color("196"),
	model.TunnelStopped:    lipgloss.Color("244"),
}

func (m modelUI) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("sshp watch")
	subhead := fmt.Sprintf("tunnels=%d refresh=%ds", len(m.tunnels), m.refresh)

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("  %-14s %-10s %-22s %-11s %-14s %s\n", "NAME", "MODE", "LOCAL", "STATE", "TUNNEL PIDS", "PROBE"))
	for i, t := range m.tunnels {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		state := lipgloss.NewStyle().Foreground(stateColors[t.State]).Render(fmt.Sprintf("%-11s", t.State))
		tbl.WriteString(fmt.Sprintf("%s %-14s %-10s %-22s %s %-14s %s\n", cursor, t.Name, t.Mode, t.LocalAddr, state, pidList(t.TunnelPIDs), probeCell(t)))
	}
	if len(m.tunnels) == 0 {
		tbl.WriteString("(no tunnels configured)\n")
	}

	logTitle := "Log"
	if t, ok := m.selected(); ok {
		logTitle = "Log " + t.LogFile
	}
	width := m.effectiveWidth()
	quickHelp := "Keys: j/k select | s start | x stop | R restart | r refresh | ? help | q quit"
	help := ""
	if m.showHelp {
		help = renderPanel("Help", helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		quickHelp,
		renderPanel("Tunnels", tbl.String(), width, lipgloss.Color("63")),
		renderPanel(logTitle, m.logs.View(), width, lipgloss.Color("69")),
		help,
		renderPanel("Status", m.status, width, lipgloss.Color("205")),
	)
}

// Run starts the dashboard and blocks until the user quits.
func Run(b Backend, refreshSeconds int) error {
	p := tea.NewProgram(newModel(b, refreshSeconds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultDashboardRefreshSec
	}
	return seconds
}

func pidList(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func probeCell(t model.TunnelStatus) string {
	switch {
	case t.ProbePID == 0:
		return "-"
	case t.ProbeAlive:
		return strconv.Itoa(t.ProbePID)
	default:
		return strconv.Itoa(t.ProbePID) + " (dead)"
	}
}

func helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; the log pane follows it.",
		"  Start: s stops anything on the address, detaches a probe loop and opens the tunnel.",
		"  Stop: x kills the probe loop first, then every tunnel process.",
		"  Restart: R is stop followed by start.",
		"  Quit: q leaves tunnels running under their probe loops.",
	}, "\n")
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
