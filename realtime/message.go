package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sos-dispatch/dispatch-cli/api"
)

// Message types of the realtime envelope.
const (
	msgNewAlert     = "new_alert"
	msgAlertUpdated = "alert_updated"
	msgPing         = "ping"
	msgPong         = "pong"
)

// EventKind tells subscribers what happened to the alert.
type EventKind string

const (
	EventNewAlert     EventKind = msgNewAlert
	EventAlertUpdated EventKind = msgAlertUpdated
)

// Event is one alert delivered by the stream.
type Event struct {
	Kind  EventKind
	Alert api.Alert
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var errNoPayload = errors.New("message has no alert payload")

// decodeEvent turns an alert envelope into an Event.
func decodeEvent(env envelope) (Event, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Event{}, errNoPayload
	}
	var a api.Alert
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return Event{}, fmt.Errorf("bad alert payload: %w", err)
	}
	if a.ID == "" {
		return Event{}, errors.New("alert payload has no id")
	}
	return Event{Kind: EventKind(env.Type), Alert: a}, nil
}
