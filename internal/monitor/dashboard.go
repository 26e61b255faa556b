// Package monitor is the terminal approvals console behind
// "gwctl approvals watch".
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	api "github.com/fyrsmithlabs/gatewarden/internal/http"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	tableHeight     = 10
	requestTimeout  = 5 * time.Second
)

// Source is the API surface the console needs. *client.Client satisfies it.
type Source interface {
	Health(ctx context.Context) (api.HealthResponse, error)
	Approvals(ctx context.Context, f approval.ListFilter) ([]approval.Request, error)
	Resolve(ctx context.Context, id string, approved bool, resolver, comment string) (*orchestrator.Run, error)
}

type mode int

const (
	modeBrowse mode = iota
	modeReject
)

// Model is the bubbletea model of the approvals console.
type Model struct {
	src      Source
	resolver string
	filter   approval.ListFilter
	interval time.Duration
	now      func() time.Time

	table   table.Model
	comment textinput.Model
	mode    mode

	pending      []approval.Request
	health       api.HealthResponse
	depthHistory []float64
	lastUpdate   time.Time
	status       string
	err          error
	quitting     bool
}

// Lipgloss styles (k9s-inspired color scheme)
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

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

var columns = []table.Column{
	{Title: "ID", Width: 10},
	{Title: "Tool", Width: 18},
	{Title: "Actor", Width: 14},
	{Title: "Gate", Width: 5},
	{Title: "Age", Width: 8},
	{Title: "Reason", Width: 36},
}

// NewModel creates a console that resolves as resolver. The filter's
// status is forced to pending.
func NewModel(src Source, resolver string, filter approval.ListFilter, interval time.Duration) Model {
	filter.Status = approval.StatusPending

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(tableHeight),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("238")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("51"))
	t.SetStyles(styles)

	ti := textinput.New()
	ti.Placeholder = approval.DefaultRejectComment
	ti.CharLimit = 200
	ti.Width = 50

	return Model{
		src:          src,
		resolver:     resolver,
		filter:       filter,
		interval:     interval,
		now:          time.Now,
		table:        t,
		comment:      ti,
		depthHistory: make([]float64, 0, historySize),
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time

type snapshotMsg struct {
	health  api.HealthResponse
	pending []approval.Request
}

type resolvedMsg struct {
	actionID string
	approved bool
	run      *orchestrator.Run
}

type errMsg struct{ err error }

// Init fetches the first snapshot and starts auto-refresh.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.fetch(),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetch() tea.Cmd {
	src, filter := m.src, m.filter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		health, err := src.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		pending, err := src.Approvals(ctx, filter)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{health: health, pending: pending}
	}
}

func (m Model) resolve(actionID string, approved bool, comment string) tea.Cmd {
	src, resolver := m.src, m.resolver
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		run, err := src.Resolve(ctx, actionID, approved, resolver, comment)
		if err != nil {
			return errMsg{fmt.Errorf("resolve %s: %w", ShortID(actionID), err)}
		}
		return resolvedMsg{actionID: actionID, approved: approved, run: run}
	}
}

// Selected returns the highlighted request, if any.
func (m Model) Selected() (approval.Request, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.pending) {
		return approval.Request{}, false
	}
	return m.pending[i], true
}

func (m Model) rows() []table.Row {
	now := m.now()
	rows := make([]table.Row, 0, len(m.pending))
	for _, r := range m.pending {
		rows = append(rows, table.Row{
			ShortID(r.ActionID),
			Truncate(r.Action, 18),
			Truncate(r.ActorID, 14),
			string(r.Gate),
			FormatAge(now, r.RequestedAt),
			Truncate(r.Reason, 36),
		})
	}
	return rows
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.mode == modeReject {
			return m.updateReject(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "a":
			if req, ok := m.Selected(); ok {
				m.status = "approving " + ShortID(req.ActionID) + "…"
				return m, m.resolve(req.ActionID, true, "")
			}
			return m, nil
		case "x", "d":
			if _, ok := m.Selected(); ok {
				m.mode = modeReject
				m.comment.SetValue("")
				m.table.Blur()
				return m, m.comment.Focus()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			m.fetch(),
		)

	case snapshotMsg:
		m.health = msg.health
		m.pending = msg.pending
		m.table.SetRows(m.rows())
		if c := m.table.Cursor(); c >= len(m.pending) && len(m.pending) > 0 {
			m.table.SetCursor(len(m.pending) - 1)
		}
		m.depthHistory = appendToHistory(m.depthHistory, float64(len(msg.pending)))
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case resolvedMsg:
		verb := "rejected"
		if msg.approved {
			verb = "approved"
		}
		m.status = fmt.Sprintf("%s %s", verb, ShortID(msg.actionID))
		if msg.run != nil {
			m.status += fmt.Sprintf(": run %s is %s", ShortID(msg.run.ID), msg.run.Label())
		}
		return m, m.fetch()

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

func (m Model) updateReject(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeBrowse
		m.comment.Blur()
		m.table.Focus()
		m.status = "reject cancelled"
		return m, nil
	case tea.KeyEnter:
		m.mode = modeBrowse
		m.comment.Blur()
		m.table.Focus()
		req, ok := m.Selected()
		if !ok {
			return m, nil
		}
		m.status = "rejecting " + ShortID(req.ActionID) + "…"
		return m, m.resolve(req.ActionID, false, strings.TrimSpace(m.comment.Value()))
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.comment, cmd = m.comment.Update(msg)
	return m, cmd
}

// View renders the console.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(" gatewarden approvals ") + "\n")

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("15:04:05")
	}
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s\n",
		labelStyle.Render("Policy:"), valueStyle.Render(m.health.PolicyID+" v"+m.health.PolicyVersion),
		labelStyle.Render("Ledger head:"), valueStyle.Render(fmt.Sprintf("%d", m.health.LedgerHead)),
		labelStyle.Render("Pending:"), depthBadge(len(m.pending)),
		dimStyle.Render(lastUpdate))

	b.WriteString(sectionStyle.Render("┃ Queue depth") + "\n")
	b.WriteString(createSparkline(m.depthHistory) + "\n")

	b.WriteString(sectionStyle.Render("┃ Pending approvals") + "\n")
	if len(m.pending) == 0 {
		b.WriteString(dimStyle.Render("  nothing is waiting on a human") + "\n")
	} else {
		b.WriteString(m.table.View() + "\n")
		if req, ok := m.Selected(); ok {
			b.WriteString(m.renderDetail(req))
		}
	}

	if m.mode == modeReject {
		b.WriteString("\n" + warningStyle.Render("Reject reason: ") + m.comment.View() + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("✗ "+m.err.Error()) + "\n")
	} else if m.status != "" {
		b.WriteString("\n" + healthyStyle.Render("✓ "+m.status) + "\n")
	}

	b.WriteString(m.renderFooter())
	return containerStyle.Render(b.String())
}

func (m Model) renderDetail(req approval.Request) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("┃ Selected") + "\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("  Action ID:"), valueStyle.Render(req.ActionID))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("  Run:"), valueStyle.Render(req.Continuation.RunID))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("  Parameters:"), valueStyle.Render(FormatParams(req.Parameters)))
	if req.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("  Reason:"), dimStyle.Render(req.Reason))
	}
	return b.String()
}

func (m Model) renderFooter() string {
	if m.mode == modeReject {
		return footerKeyStyle.Render("[enter]") + footerStyle.Render(" reject  ") +
			footerKeyStyle.Render("[esc]") + footerStyle.Render(" cancel")
	}
	return footerKeyStyle.Render("[↑/↓]") + footerStyle.Render(" select  ") +
		footerKeyStyle.Render("[a]") + footerStyle.Render(" approve  ") +
		footerKeyStyle.Render("[x]") + footerStyle.Render(" reject  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// depthBadge colours the queue depth.
func depthBadge(n int) string {
	s := fmt.Sprintf("%d", n)
	switch {
	case n == 0:
		return healthyStyle.Render(s)
	case n < 5:
		return warningStyle.Render(s)
	}
	return errorStyle.Render(s)
}
