package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/ledger"
)

const (
	barWidth     = 40
	historyDays  = 7
	fetchTimeout = 10 * time.Second
)

// Source is what the dashboard reads from. *Client implements it.
type Source interface {
	Usage(ctx context.Context) (admission.Usage, error)
	History(ctx context.Context, days int) ([]ledger.Window, error)
	Alerts(ctx context.Context) ([]admission.Alert, error)
	Reset(ctx context.Context, windowID string) (ledger.Window, error)
}

// Snapshot is one refresh of the dashboard data.
type Snapshot struct {
	Usage   admission.Usage
	History []ledger.Window
	Alerts  []admission.Alert
}

type (
	tickMsg     time.Time
	snapshotMsg Snapshot
	resetMsg    ledger.Window
	errMsg      struct{ err error }
)

// Model is the bubbletea dashboard model
type Model struct {
	source   Source
	interval time.Duration

	snapshot   Snapshot
	loaded     bool
	lastUpdate time.Time
	err        error
	status     string

	showDetails  bool
	confirmReset bool
	quitting     bool
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Width(14)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1)
	footerKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
)

// NewModel creates a dashboard refreshing from source every interval.
func NewModel(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return Model{source: source, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		usage, err := source.Usage(ctx)
		if err != nil {
			return errMsg{err}
		}
		history, err := source.History(ctx, historyDays)
		if err != nil {
			return errMsg{err}
		}
		alerts, err := source.Alerts(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(Snapshot{Usage: usage, History: history, Alerts: alerts})
	}
}

func (m Model) reset() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		w, err := source.Reset(ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return resetMsg(w)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.loaded = true
		m.err = nil
		m.lastUpdate = time.Now()
		return m, nil

	case resetMsg:
		m.status = fmt.Sprintf("window %s reset", msg.ID)
		return m, m.fetch()

	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if m.confirmReset {
		m.confirmReset = false
		if key == "y" {
			m.status = "resetting today's window..."
			return m, m.reset()
		}
		m.status = "reset cancelled"
		return m, nil
	}

	switch key {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "r":
		m.status = ""
		return m, m.fetch()
	case "d":
		m.showDetails = !m.showDetails
	case "x":
		m.confirmReset = true
		m.status = ""
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Clinical Coding Platform - Extraction Quota"))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(criticalStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	case !m.loaded:
		b.WriteString(dimStyle.Render("loading..."))
		b.WriteString("\n")
	}

	if m.loaded {
		b.WriteString(m.usageView())
		if m.showDetails {
			b.WriteString(m.detailsView())
		}
	}

	if m.confirmReset {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render("Reset today's usage window? (y/n)"))
	} else if m.status != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(m.status))
	}

	b.WriteString(footerStyle.Render(
		footerKeyStyle.Render("r") + " refresh  " +
			footerKeyStyle.Render("d") + " details  " +
			footerKeyStyle.Render("x") + " emergency reset  " +
			footerKeyStyle.Render("q") + " quit"))

	return containerStyle.Render(b.String())
}

func (m Model) usageView() string {
	u := m.snapshot.Usage
	var b strings.Builder

	b.WriteString(sectionStyle.Render("Current windows"))
	b.WriteString("\n")
	b.WriteString(usageLine("Hourly calls", fmt.Sprintf("%d / %s", u.Hourly.CallCount, limitText(float64(u.Limits.HourlyCalls), false)), u.HourlyCallsPercent))
	b.WriteString(usageLine("Daily calls", fmt.Sprintf("%d / %s", u.Daily.CallCount, limitText(float64(u.Limits.DailyCalls), false)), u.DailyCallsPercent))
	b.WriteString(usageLine("Daily cost", fmt.Sprintf("$%.4f / %s", u.Daily.CostAccrued.Float64(), limitText(u.Limits.DailyCost.Float64(), true)), u.DailyCostPercent))

	b.WriteString(labelStyle.Render("Projection"))
	b.WriteString(valueStyle.Render(fmt.Sprintf("$%.2f", u.MonthlyProjection.Float64())))
	b.WriteString(dimStyle.Render(" / 30 days"))
	b.WriteString("\n")

	for _, w := range u.Warnings {
		style := warningStyle
		if strings.HasPrefix(w, "critical") {
			style = criticalStyle
		}
		b.WriteString(style.Render(w))
		b.WriteString("\n")
	}

	if !m.lastUpdate.IsZero() {
		b.WriteString(dimStyle.Render("updated " + m.lastUpdate.Format("15:04:05")))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) detailsView() string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Last %d days", historyDays)))
	b.WriteString("\n")
	if len(m.snapshot.History) == 0 {
		b.WriteString(dimStyle.Render("no history"))
		b.WriteString("\n")
	}
	for _, w := range m.snapshot.History {
		b.WriteString(labelStyle.Render(w.ID))
		b.WriteString(valueStyle.Render(fmt.Sprintf("%5d calls  $%.4f", w.CallCount, w.CostAccrued.Float64())))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Alerts"))
	b.WriteString("\n")
	if len(m.snapshot.Alerts) == 0 {
		b.WriteString(dimStyle.Render("none"))
		b.WriteString("\n")
	}
	for _, a := range m.snapshot.Alerts {
		b.WriteString(dimStyle.Render(a.FiredAt.Format("15:04:05") + " "))
		b.WriteString(warningStyle.Render(a.Message))
		b.WriteString("\n")
	}
	return b.String()
}

func usageLine(label, value string, pct float64) string {
	return labelStyle.Render(label) + Bar(pct, barWidth) + " " + percentStyle(pct).Render(fmt.Sprintf("%5.1f%%", pct)) + "  " + valueStyle.Render(value) + "\n"
}

func limitText(limit float64, money bool) string {
	switch {
	case limit <= 0:
		return "unlimited"
	case money:
		return fmt.Sprintf("$%.2f", limit)
	default:
		return fmt.Sprintf("%.0f", limit)
	}
}

func percentStyle(pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return criticalStyle
	case pct >= 80:
		return warningStyle
	default:
		return okStyle
	}
}

// Bar renders pct (0-100, clamped) as a bar of width cells.
func Bar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	return percentStyle(pct).Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}
