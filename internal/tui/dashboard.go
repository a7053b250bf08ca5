// Package tui is the terminal dashboard of a running experiment.
package tui

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/experiment"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

const (
	refreshInterval = time.Second
	sparkWidth      = 32
	opTimeout       = 2 * time.Minute
)

type model struct {
	host     *experiment.Host
	id       string
	status   experiment.Status
	cultures []culture.Snapshot
	err      error
	message  string
	cursor   int
	confirm  bool
	busy     bool

	width  int
	height int
}

// NewDashboard returns the bubbletea model watching host.
func NewDashboard(host *experiment.Host) tea.Model {
	m := model{host: host, width: 100, height: 30}
	m.refresh()
	return m
}

type tickMsg time.Time

type opDoneMsg struct {
	op  string
	err error
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return tick() }

func (m *model) refresh() {
	e, err := m.host.Current()
	if err != nil {
		m.err = err
		m.cultures = nil
		return
	}
	m.err = nil
	m.id = e.ID()
	m.status = e.Status()
	m.cultures = e.Cultures()
	sort.Slice(m.cultures, func(i, j int) bool { return m.cultures[i].Vial < m.cultures[j].Vial })
	if m.cursor >= len(m.cultures) {
		m.cursor = max(len(m.cultures)-1, 0)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tick()
	case opDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.message = red.Render(fmt.Sprintf("%s failed: %v", msg.op, msg.err))
		} else {
			m.message = green.Render(msg.op + " done")
		}
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (model, tea.Cmd) {
	if m.confirm {
		m.confirm = false
		if msg.String() == "y" {
			return m.run("hard stop", func(ctx context.Context, e *experiment.Experiment) error { return e.HardStop(ctx) })
		}
		m.message = dim.Render("hard stop cancelled")
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.cultures)-1 {
			m.cursor++
		}
	case "s":
		return m.run("start", func(ctx context.Context, e *experiment.Experiment) error { return e.Start(ctx) })
	case "x":
		return m.run("stop", func(ctx context.Context, e *experiment.Experiment) error { return e.Stop(ctx) })
	case "p":
		if m.status == experiment.Paused {
			return m.run("resume", func(ctx context.Context, e *experiment.Experiment) error { return e.ResumeDilutionWorker(ctx) })
		}
		return m.run("pause", func(ctx context.Context, e *experiment.Experiment) error { return e.PauseDilutionWorker(ctx) })
	case "!":
		m.confirm = true
		m.message = yellow.Render("hard stop? all actuators off (y/n)")
	}
	return m, nil
}

// run executes op off the update loop; bubbletea delivers the result as an
// opDoneMsg.
func (m model) run(name string, op func(context.Context, *experiment.Experiment) error) (model, tea.Cmd) {
	if m.busy {
		m.message = dim.Render("busy")
		return m, nil
	}
	e, err := m.host.Current()
	if err != nil {
		m.message = red.Render(err.Error())
		return m, nil
	}
	m.busy = true
	m.message = dim.Render(name + "...")
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{op: name, err: op(ctx, e)}
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("   " + cyan.Render("m o r b i d o s t a t") + "  " + dim.Render(m.id) + "  " + statusText(m.status) + "\n")
	b.WriteString(dimmer.Render("   "+strings.Repeat("─", 78)) + "\n")

	if m.err != nil {
		b.WriteString("\n   " + dim.Render(m.err.Error()) + "\n")
		b.WriteString("\n" + dim.Render("   q quit") + "\n")
		return b.String()
	}

	b.WriteString(dim.Render(fmt.Sprintf("     %-5s %8s %9s %9s %8s %6s  %-10s %s",
		"vial", "od", "rate/h", "dose", "gen", "dil", "action", "reason")) + "\n")
	for i, s := range m.cultures {
		row := fmt.Sprintf("%-5d %8s %9s %9.3f %8.2f %6d  %-10s %s",
			s.Vial, opt(s.OD, !s.ODTime.IsZero()), opt(s.GrowthRate, true),
			s.DrugConcentration, s.Generation, len(s.Doses), s.LastAction, mainReason(s))
		if i == m.cursor {
			b.WriteString("   " + cyan.Render("▸ ") + white.Render(row) + "\n")
		} else {
			b.WriteString("     " + dim.Render(row) + "\n")
		}
	}

	if m.cursor < len(m.cultures) {
		b.WriteString("\n" + m.viewDetail(m.cultures[m.cursor]))
	}

	if m.message != "" {
		b.WriteString("\n   " + m.message + "\n")
	}
	b.WriteString("\n" + dim.Render("   ↑↓ vial  s start  x stop  p pause/resume  ! hard stop  q quit") + "\n")
	return b.String()
}

func (m model) viewDetail(s culture.Snapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("   %s %d\n", cyan.Render("vial"), s.Vial))

	if len(s.Population) > 1 {
		values := make([]float64, len(s.Population))
		for i, p := range s.Population {
			values[i] = p.Value
		}
		b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render("od  "), cyan.Render(sparkline(values, sparkWidth))))
	}
	if len(s.Doses) > 1 {
		values := make([]float64, len(s.Doses))
		for i, p := range s.Doses {
			values[i] = p.Value
		}
		b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render("dose"), magenta.Render(sparkline(values, sparkWidth))))
	}

	reasons := slices.Sorted(maps.Keys(s.Status))
	for _, r := range reasons {
		b.WriteString("   " + dim.Render(string(r)+": ") + white.Render(s.Status[r]) + "\n")
	}
	return b.String()
}

func statusText(s experiment.Status) string {
	switch s {
	case experiment.Running:
		return green.Render("● " + s.String())
	case experiment.Paused, experiment.Starting, experiment.Stopping:
		return yellow.Render("○ " + s.String())
	default:
		return dim.Render("○ " + s.String())
	}
}

func opt(v float64, present bool) string {
	if !present || math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

// reasonOrder ranks the reasons shown in the table, dose decisions first.
var reasonOrder = []control.Reason{
	control.ReasonDilutionFailed,
	control.ReasonLockTimeout,
	control.ReasonTargetClamped,
	control.ReasonStressIncrease,
	control.ReasonStressDecrease,
	control.ReasonInitialize,
	control.ReasonSameDose,
	control.ReasonMustWait,
	control.ReasonNoODSinceDilution,
	control.ReasonNoTrigger,
}

func mainReason(s culture.Snapshot) string {
	for _, r := range reasonOrder {
		if _, ok := s.Status[r]; ok {
			return string(r)
		}
	}
	if keys := slices.Sorted(maps.Keys(s.Status)); len(keys) > 0 {
		return string(keys[0])
	}
	return ""
}

func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return ""
	}
	chars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	if len(data) > width {
		data = data[len(data)-width:]
	}
	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}
	rang := maxVal - minVal
	if rang == 0 {
		rang = 1
	}
	var sb strings.Builder
	for _, v := range data {
		idx := int((v - minVal) / rang * 7)
		sb.WriteRune(chars[max(0, min(idx, 7))])
	}
	return sb.String()
}

// Run shows the dashboard until the user quits.
func Run(host *experiment.Host) error {
	p := tea.NewProgram(NewDashboard(host), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
