package tui

import (
	"github.com/sos-dispatch/dispatch-cli/realtime"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionRestored signals that a saved session was loaded from disk.
type MsgSessionRestored struct{ User string }

// MsgSessionMissing signals that there is no usable session.
type MsgSessionMissing struct{}

// MsgSignedIn signals a successful login.
type MsgSignedIn struct {
	Name string
	Role string
}

// MsgTokenRefreshed signals that the access token was renewed.
type MsgTokenRefreshed struct{}

// MsgSessionExpired signals that the session was cleared after a failed refresh.
type MsgSessionExpired struct{}

// MsgConnection signals a realtime connection state change.
type MsgConnection struct{ State realtime.State }

// MsgAlert carries one alert from the realtime feed.
type MsgAlert struct{ Event realtime.Event }

// MsgInfo is a neutral status line.
type MsgInfo struct{ Text string }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
