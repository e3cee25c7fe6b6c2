package tui

import (
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"

	"github.com/sos-dispatch/dispatch-cli/realtime"
)

// Displayer abstracts all user-facing progress of the CLI.
type Displayer interface {
	Banner()
	SessionRestored(user string)
	SessionMissing()
	SignedIn(name, role string)
	TokenRefreshed()
	SessionExpired()
	Connection(state realtime.State)
	Alert(ev realtime.Event)
	Info(text string)
	Fatal(err error)
}

// PlainDisplayer writes plain text lines to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== SOS Dispatch ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionRestored(user string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", user)
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "Not signed in. Run: dispatch login -email <email> -password <password>")
}

func (p *PlainDisplayer) SignedIn(name, role string) {
	fmt.Fprintf(p.w, "Signed in as %s (%s)\n", name, role)
}

func (p *PlainDisplayer) TokenRefreshed() {
	fmt.Fprintln(p.w, "Access token refreshed")
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Session expired, please sign in again")
}

func (p *PlainDisplayer) Connection(state realtime.State) {
	fmt.Fprintf(p.w, "Realtime: %s\n", state)
}

func (p *PlainDisplayer) Alert(ev realtime.Event) {
	fmt.Fprintln(p.w, FormatAlertLine(ev))
}

func (p *PlainDisplayer) Info(text string) {
	fmt.Fprintln(p.w, text)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// FormatAlertLine renders an alert event as a single plain line.
func FormatAlertLine(ev realtime.Event) string {
	a := ev.Alert
	return fmt.Sprintf("[%s] %s  %-11s  %-10s  p%d  (%.4f, %.4f)  %s",
		ev.Kind, a.ID, a.Status, a.Type, a.Priority, a.Latitude, a.Longitude, a.Headline())
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                     {}
func (NoopDisplayer) SessionRestored(_ string)    {}
func (NoopDisplayer) SessionMissing()             {}
func (NoopDisplayer) SignedIn(_, _ string)        {}
func (NoopDisplayer) TokenRefreshed()             {}
func (NoopDisplayer) SessionExpired()             {}
func (NoopDisplayer) Connection(_ realtime.State) {}
func (NoopDisplayer) Alert(_ realtime.Event)      {}
func (NoopDisplayer) Info(_ string)               {}
func (NoopDisplayer) Fatal(_ error)               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionRestored(user string) {
	t.p.Send(MsgSessionRestored{User: user})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) SignedIn(name, role string) {
	t.p.Send(MsgSignedIn{Name: name, Role: role})
}

func (t *ProgramDisplayer) TokenRefreshed() {
	t.p.Send(MsgTokenRefreshed{})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) Connection(state realtime.State) {
	t.p.Send(MsgConnection{State: state})
}

func (t *ProgramDisplayer) Alert(ev realtime.Event) {
	t.p.Send(MsgAlert{Event: ev})
}

func (t *ProgramDisplayer) Info(text string) {
	t.p.Send(MsgInfo{Text: text})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
