// Package hopui is an interactive dashboard over the session manager: it
// lists the local context and every saved hop, and connects, activates and
// disconnects them.
package hopui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"icotes-hop/pkg/credentials"
	"icotes-hop/pkg/hop"
)

// Controller is the part of hop.Manager the dashboard drives.
type Controller interface {
	Connect(ctx context.Context, credentialID string) (hop.Session, error)
	Disconnect(contextID string) error
	Activate(contextID string) error
	Active() string
	Status(contextID string) hop.Session
	Sessions() []hop.Session
}

// CredentialLister lists saved hops.
type CredentialLister interface {
	List() ([]credentials.Credential, error)
}

const refreshEvery = time.Second

type row struct {
	id     string
	name   string
	target string
	status hop.Status
	detail string
}

type connectDoneMsg struct {
	id   string
	name string
	sess hop.Session
	err  error
}

type refreshMsg time.Time

type Model struct {
	ctl   Controller
	creds CredentialLister
	theme Theme

	table   table.Model
	spinner spinner.Model
	rows    []row
	pending map[string]bool

	status      string
	statusErr   bool
	statusUntil time.Time
	showHelp    bool
	quitting    bool
	now         func() time.Time
}

func New(ctl Controller, creds CredentialLister, theme Theme) Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.tableStyles())
	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(theme.Accent))

	m := Model{
		ctl:     ctl,
		creds:   creds,
		theme:   theme,
		table:   t,
		spinner: sp,
		pending: map[string]bool{},
		now:     time.Now,
	}
	m.refresh()
	return m
}

// Run starts the dashboard on the alternate screen and blocks until it quits.
func Run(ctl Controller, creds CredentialLister, theme Theme) error {
	_, err := tea.NewProgram(New(ctl, creds, theme), tea.WithAltScreen()).Run()
	return err
}

func columns(width int) []table.Column {
	detail := width - 2 - 18 - 28 - 14 - 10
	if detail < 12 {
		detail = 12
	}
	return []table.Column{
		{Title: " ", Width: 2},
		{Title: "NAME", Width: 18},
		{Title: "TARGET", Width: 28},
		{Title: "STATUS", Width: 14},
		{Title: "CWD / ERROR", Width: detail},
	}
}

func (m Model) Init() tea.Cmd {
	return tickRefresh()
}

func tickRefresh() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetColumns(columns(msg.Width))
		h := msg.Height - 6
		if h < 3 {
			h = 3
		}
		m.table.SetHeight(h)
		return m, nil

	case refreshMsg:
		m.refresh()
		return m, tickRefresh()

	case spinner.TickMsg:
		if len(m.pending) == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd

	case connectDoneMsg:
		delete(m.pending, msg.id)
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("connect %s: %v", msg.name, msg.err), true, 5*time.Second)
		} else {
			m.setStatus(fmt.Sprintf("connected to %s (%s)", msg.name, msg.sess.Cwd), false, 3*time.Second)
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit
	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	case "r":
		m.refresh()
		m.setStatus("refreshed", false, time.Second)
		return m, nil
	case "L":
		if err := m.ctl.Activate(hop.LocalContextID); err != nil {
			m.setStatus(err.Error(), true, 3*time.Second)
		}
		m.refresh()
		return m, nil
	case "enter", "c":
		r, ok := m.current()
		if !ok {
			return m, nil
		}
		if r.id == hop.LocalContextID || r.status == hop.StatusConnected {
			return m.activate(r)
		}
		if m.pending[r.id] {
			return m, nil
		}
		m.pending[r.id] = true
		m.setStatus("connecting to "+r.name, false, 10*time.Second)
		m.refresh()
		return m, tea.Batch(m.spinner.Tick, m.connect(r))
	case "a":
		if r, ok := m.current(); ok {
			return m.activate(r)
		}
		return m, nil
	case "x", "d":
		r, ok := m.current()
		if !ok || r.id == hop.LocalContextID {
			return m, nil
		}
		if err := m.ctl.Disconnect(r.id); err != nil {
			m.setStatus(err.Error(), true, 3*time.Second)
		} else {
			m.setStatus("disconnected "+r.name, false, 2*time.Second)
		}
		m.refresh()
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(k)
	return m, cmd
}

func (m Model) activate(r row) (tea.Model, tea.Cmd) {
	if err := m.ctl.Activate(r.id); err != nil {
		m.setStatus(fmt.Sprintf("activate %s: %v", r.name, err), true, 3*time.Second)
	} else {
		m.setStatus("active: "+r.name, false, 2*time.Second)
	}
	m.refresh()
	return m, nil
}

func (m Model) connect(r row) tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		// The manager bounds the attempt with its own connect timeout.
		s, err := ctl.Connect(context.Background(), r.id)
		return connectDoneMsg{id: r.id, name: r.name, sess: s, err: err}
	}
}

func (m *Model) current() (row, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return row{}, false
	}
	return m.rows[i], true
}

func (m *Model) setStatus(s string, isErr bool, d time.Duration) {
	m.status = s
	m.statusErr = isErr
	m.statusUntil = m.now().Add(d)
}

// refresh rebuilds the rows from the saved credentials and live sessions.
func (m *Model) refresh() {
	local := m.ctl.Status(hop.LocalContextID)
	rows := []row{{id: hop.LocalContextID, name: hop.LocalContextID, target: "this machine", status: hop.StatusConnected, detail: local.Cwd}}
	seen := map[string]bool{hop.LocalContextID: true}

	creds, err := m.creds.List()
	if err != nil {
		m.setStatus("list credentials: "+err.Error(), true, 5*time.Second)
	}
	sort.SliceStable(creds, func(i, j int) bool { return creds[i].Name < creds[j].Name })
	for _, c := range creds {
		seen[c.ID] = true
		rows = append(rows, m.rowFor(c.ID, c.Name, fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.Port)))
	}
	// Sessions whose credential was deleted while connected.
	for _, s := range m.ctl.Sessions() {
		if seen[s.ContextID] {
			continue
		}
		rows = append(rows, m.rowFor(s.ContextID, s.Name, fmt.Sprintf("%s@%s:%d", s.Username, s.Host, s.Port)))
	}
	m.rows = rows

	active := m.ctl.Active()
	trs := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		mark := ""
		if r.id == active {
			mark = "*"
		}
		status := string(r.status)
		if m.pending[r.id] {
			status = m.spinner.View() + " connecting"
		}
		trs = append(trs, table.Row{mark, r.name, r.target, status, r.detail})
	}
	m.table.SetRows(trs)
	if c := m.table.Cursor(); c >= len(trs) {
		m.table.SetCursor(len(trs) - 1)
	}
}

func (m *Model) rowFor(id, name, target string) row {
	r := row{id: id, name: name, target: target, status: hop.StatusDisconnected}
	s := m.ctl.Status(id)
	if s.ContextID != id {
		return r
	}
	r.status = s.Status
	switch s.Status {
	case hop.StatusError:
		r.detail = s.Error
	case hop.StatusConnected:
		r.detail = s.Cwd
	}
	return r
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	activeName := hop.LocalContextID
	for _, r := range m.rows {
		if r.id == m.ctl.Active() {
			activeName = r.name
		}
	}
	b.WriteString(m.theme.Header.Render("icotes hop"))
	b.WriteString("  ")
	b.WriteString(m.theme.Dim.Render("active: "))
	b.WriteString(m.theme.Accent.Render(activeName))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	if m.status != "" && m.now().Before(m.statusUntil) {
		if m.statusErr {
			b.WriteString(m.theme.Error.Render(m.status))
		} else {
			b.WriteString(m.theme.Success.Render(m.status))
		}
		b.WriteString("\n")
	}
	if m.showHelp {
		b.WriteString(m.theme.Help.Render(strings.Join([]string{
			"enter/c  connect, or activate when connected",
			"a        activate selected context",
			"L        switch back to local",
			"x/d      disconnect selected hop",
			"r        refresh",
			"q        quit",
		}, "\n")))
	} else {
		b.WriteString(m.theme.Help.Render("enter connect · a activate · L local · x disconnect · r refresh · ? help · q quit"))
	}
	return b.String()
}
