package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/sos-dispatch/dispatch-cli/api"
	"github.com/sos-dispatch/dispatch-cli/realtime"
)

// tickMsg is fired every second to update the connection timer.
type tickMsg time.Time

// state represents the current phase of the live feed.
type state int

const (
	stateInit      state = iota
	stateLive            // signed in, feed running
	stateSignedOut       // no session or session expired
	stateError           // fatal error
)

// Feed and log bounds.
const (
	maxFeedRows   = 15
	maxStatusRows = 8
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// feedRow is the latest known version of one alert.
type feedRow struct {
	kind  realtime.EventKind
	alert api.Alert
	at    time.Time
}

// Model is the BubbleTea model for the live alert feed.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	user      string
	conn      realtime.State
	connSince time.Time

	// Newest first, one row per alert id.
	feed   []feedRow
	errMsg string

	statusLines []statusLine

	now func() time.Time
}

// Lipgloss styles.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("196"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		conn:    realtime.Disconnected,
		now:     time.Now,
	}
}

// Init starts the spinner animation and the connection timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickAfterSecond())
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		// Re-render so the connection timer advances.
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// Session and feed messages

	case MsgBanner:
		return m, nil

	case MsgSessionRestored:
		m.user = msg.User
		m.state = stateLive
		m.addStatus(statusOK, "Signed in as "+msg.User)
		return m, nil

	case MsgSessionMissing:
		m.state = stateSignedOut
		m.addStatus(statusWarn, "Not signed in")
		return m, nil

	case MsgSignedIn:
		m.user = msg.Name
		m.state = stateLive
		m.addStatus(statusOK, fmt.Sprintf("Signed in as %s (%s)", msg.Name, msg.Role))
		return m, nil

	case MsgTokenRefreshed:
		m.addStatus(statusOK, "Access token refreshed")
		return m, nil

	case MsgSessionExpired:
		m.state = stateSignedOut
		m.addStatus(statusWarn, "Session expired, please sign in again")
		return m, nil

	case MsgConnection:
		if msg.State != m.conn {
			m.conn = msg.State
			m.connSince = m.now()
		}
		if msg.State == realtime.Error {
			m.addStatus(statusWarn, "Realtime connection lost, retrying...")
		}
		return m, nil

	case MsgAlert:
		m.pushAlert(msg.Event)
		return m, nil

	case MsgInfo:
		m.addStatus(statusInfo, msg.Text)
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// pushAlert moves the alert to the top of the feed, replacing any older
// version of it.
func (m *Model) pushAlert(ev realtime.Event) {
	row := feedRow{kind: ev.Kind, alert: ev.Alert, at: m.now()}

	feed := make([]feedRow, 0, min(len(m.feed)+1, maxFeedRows))
	feed = append(feed, row)
	for _, r := range m.feed {
		if r.alert.ID == ev.Alert.ID {
			continue
		}
		if len(feed) == maxFeedRows {
			break
		}
		feed = append(feed, r)
	}
	m.feed = feed
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateError:
		return tea.NewView(m.viewError())
	case stateSignedOut:
		return tea.NewView(m.viewSignedOut())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while the feed is starting or running.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  SOS Dispatch Live Feed  "))
	b.WriteString("\n\n")

	if m.user != "" {
		b.WriteString(styleBold.Render("User: "))
		b.WriteString(m.user + "\n")
	}
	b.WriteString(m.viewConnection())
	b.WriteString("\n\n")

	if len(m.feed) == 0 {
		b.WriteString(styleDim.Render("  No alerts yet"))
		b.WriteString("\n")
	}
	for _, r := range m.feed {
		b.WriteString(m.viewRow(r))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewConnection() string {
	var elapsed string
	if !m.connSince.IsZero() {
		elapsed = styleDim.Render("  " + formatDuration(m.now().Sub(m.connSince)))
	}

	switch m.conn {
	case realtime.Connected:
		return styleOK.Render("● live") + elapsed
	case realtime.Connecting:
		return m.spinner.View() + " Connecting..." + elapsed
	case realtime.Error:
		return styleWarn.Render("● reconnecting") + elapsed
	default:
		return styleDim.Render("○ " + m.conn.String())
	}
}

func (m Model) viewRow(r feedRow) string {
	a := r.alert
	marker := "  "
	if r.kind == realtime.EventNewAlert {
		marker = styleErr.Render("! ")
	}
	return fmt.Sprintf("%s%s  %s  %s  %s  %s",
		marker,
		styleDim.Render(r.at.Format("15:04:05")),
		statusStyle(a.Status)(fmt.Sprintf("%-11s", a.Status)),
		styleBold.Render(fmt.Sprintf("%-10s", a.Type)),
		fmt.Sprintf("p%d", a.Priority),
		a.Headline(),
	)
}

// viewSignedOut is shown when there is no usable session.
func (m Model) viewSignedOut() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  ⚠ Not signed in"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  Run: dispatch login -email <email> -password <password>"))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Live feed stopped"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, keeping the newest lines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusRows {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusRows:]...)
	}
}

// statusStyle picks the feed color of an alert status.
func statusStyle(s api.AlertStatus) func(...string) string {
	switch s {
	case api.StatusPending:
		return styleErr.Render
	case api.StatusAssigned, api.StatusInProgress:
		return styleWarn.Render
	case api.StatusCompleted:
		return styleOK.Render
	default:
		return styleDim.Render
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
