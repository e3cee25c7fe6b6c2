// Package session holds the client-side authentication state: the current
// tokens and the signed-in user's profile, persisted across restarts and
// observable by any number of front ends.
package session

import (
	"encoding/json"
	"strings"
)

// Role is the dispatch platform role of a user.
type Role string

const (
	RoleCitizen     Role = "citizen"
	RoleRescuer     Role = "rescuer"
	RoleOperator    Role = "operator"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
	RoleUnknown     Role = "unknown"
)

// ParseRole maps a server role string to a Role, tolerating values this
// client does not know about.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCitizen, RoleRescuer, RoleOperator, RoleCoordinator, RoleAdmin:
		return r
	default:
		return RoleUnknown
	}
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*r = RoleUnknown
		return nil
	}
	*r = ParseRole(s)
	return nil
}

// UserProfile is a snapshot of the signed-in user as returned by the API.
// It is replaced wholesale on every auth or profile fetch.
type UserProfile struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	Role            Role   `json:"role"`
	TeamID          string `json:"team_id,omitempty"`
	TeamName        string `json:"team_name,omitempty"`
	IsTeamLeader    bool   `json:"is_team_leader"`
	IsSharedAccount bool   `json:"is_shared_account"`
	IsActive        bool   `json:"is_active"`
	IsVerified      bool   `json:"is_verified"`
	Specialization  string `json:"specialization,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// DisplayName returns the full name when known, otherwise the email.
func (u UserProfile) DisplayName() string {
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.Email
}

// Session is the authoritative client-side authentication state.
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	User         *UserProfile
}

// IsLoggedIn reports whether both tokens are non-blank and a profile is
// present. Any partial combination counts as logged out.
func (s Session) IsLoggedIn() bool {
	return strings.TrimSpace(s.AccessToken) != "" &&
		strings.TrimSpace(s.RefreshToken) != "" &&
		s.User != nil
}

// UserID returns the signed-in user's id, or "" when there is no profile.
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}
