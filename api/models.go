package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sos-dispatch/dispatch-cli/session"
)

// AlertStatus is the lifecycle state of an SOS alert. The client never
// computes it; it only displays it and requests transitions.
type AlertStatus string

const (
	StatusPending    AlertStatus = "pending"
	StatusAssigned   AlertStatus = "assigned"
	StatusInProgress AlertStatus = "in_progress"
	StatusCompleted  AlertStatus = "completed"
	StatusCancelled  AlertStatus = "cancelled"
	StatusUnknown    AlertStatus = "unknown"
)

func (s *AlertStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if json.Unmarshal(b, &raw) != nil {
		*s = StatusUnknown
		return nil
	}
	switch v := AlertStatus(strings.ToLower(raw)); v {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled:
		*s = v
	default:
		*s = StatusUnknown
	}
	return nil
}

// EmergencyType classifies an alert.
type EmergencyType string

const (
	TypeMedical    EmergencyType = "medical"
	TypeFire       EmergencyType = "fire"
	TypeFlood      EmergencyType = "flood"
	TypeEarthquake EmergencyType = "earthquake"
	TypeAccident   EmergencyType = "accident"
	TypeViolence   EmergencyType = "violence"
	TypeOther      EmergencyType = "other"
	TypeUnknown    EmergencyType = "unknown"
)

func (t *EmergencyType) UnmarshalJSON(b []byte) error {
	var raw string
	if json.Unmarshal(b, &raw) != nil {
		*t = TypeUnknown
		return nil
	}
	switch v := EmergencyType(strings.ToLower(raw)); v {
	case TypeMedical, TypeFire, TypeFlood, TypeEarthquake, TypeAccident, TypeViolence, TypeOther:
		*t = v
	default:
		*t = TypeUnknown
	}
	return nil
}

// Time decodes the server's timestamps, which may or may not carry a zone.
// Naive timestamps are taken as UTC.
type Time struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil || raw == "" {
		return err
	}
	var lastErr error
	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Alert is an immutable snapshot of an SOS alert as sent by the server.
type Alert struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Type           EmergencyType   `json:"emergency_type"`
	Status         AlertStatus     `json:"status"`
	Priority       int             `json:"priority"`
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
	Address        *string         `json:"address,omitempty"`
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	MediaURLs      []string        `json:"media_urls,omitempty"`
	AIAnalysis     json.RawMessage `json:"ai_analysis,omitempty"`
	AssignedTo     *string         `json:"assigned_to,omitempty"`
	AssignedToName *string         `json:"assigned_to_name,omitempty"`
	TeamID         *string         `json:"team_id,omitempty"`
	TeamName       *string         `json:"team_name,omitempty"`
	CreatedAt      *Time           `json:"created_at,omitempty"`
	UpdatedAt      *Time           `json:"updated_at,omitempty"`
	AssignedAt     *Time           `json:"assigned_at,omitempty"`
	CompletedAt    *Time           `json:"completed_at,omitempty"`
}

// Headline is a one-line summary used by list and feed views.
func (a Alert) Headline() string {
	if a.Title != nil && strings.TrimSpace(*a.Title) != "" {
		return *a.Title
	}
	if a.Address != nil && strings.TrimSpace(*a.Address) != "" {
		return string(a.Type) + " at " + *a.Address
	}
	return string(a.Type)
}

// Notification is a per-user inbox entry.
type Notification struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	AlertID   *string `json:"alert_id,omitempty"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Type      string  `json:"notification_type,omitempty"`
	IsRead    bool    `json:"is_read"`
	CreatedAt *Time   `json:"created_at,omitempty"`
}

// AlertFilter narrows ListAlerts. Zero values are omitted from the query.
type AlertFilter struct {
	Status AlertStatus
	Type   EmergencyType
	Skip   int
	Limit  int
}

// AlertUpdate is the PATCH body for an alert.
type AlertUpdate struct {
	Status      *AlertStatus `json:"status,omitempty"`
	Description *string      `json:"description,omitempty"`
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UnreadOnly bool
	Skip       int
	Limit      int
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	TokenType    string               `json:"token_type"`
	User         *session.UserProfile `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
