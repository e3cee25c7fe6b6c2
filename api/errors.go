package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrSessionExpired means the session could not be recovered (refresh
	// failed or a refreshed token was still rejected). The credential store
	// has been cleared and the user must sign in again.
	ErrSessionExpired = errors.New("session expired, please sign in again")

	// ErrNotAuthenticated means an operation needing a signed-in user was
	// called without a session.
	ErrNotAuthenticated = errors.New("not signed in")

	// ErrNetworkUnavailable matches every *NetworkError.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// APIError is an application error response (any non-2xx status other than
// the authorization failures handled by the refresh flow).
type APIError struct {
	StatusCode int
	// Message is safe to show to the user as-is.
	Message string
	Body    []byte
}

func (e *APIError) Error() string { return e.Message }

// NetworkError reports that no response was received from the primary base
// URL nor, when configured, from the fallback.
type NetworkError struct {
	Primary  error
	Fallback error
}

func (e *NetworkError) Error() string {
	if e.Fallback != nil {
		return fmt.Sprintf("network unavailable: primary: %v; fallback: %v", e.Primary, e.Fallback)
	}
	return fmt.Sprintf("network unavailable: %v", e.Primary)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnavailable }

func (e *NetworkError) Unwrap() []error {
	if e.Fallback != nil {
		return []error{e.Primary, e.Fallback}
	}
	return []error{e.Primary}
}

// errorBody is the FastAPI-style error envelope. Detail is either a string or
// a list of strings / validation objects carrying "msg".
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// ParseErrorMessage extracts a displayable message from an error response
// body, falling back to a per-status default.
func ParseErrorMessage(status int, body []byte) string {
	if msg := parseDetail(body); msg != "" {
		return msg
	}
	return defaultMessage(status)
}

func parseDetail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(eb.Detail, &items); err != nil {
		return ""
	}

	msgs := make([]string, 0, len(items))
	for _, item := range items {
		var str string
		if json.Unmarshal(item, &str) == nil {
			if str = strings.TrimSpace(str); str != "" {
				msgs = append(msgs, str)
			}
			continue
		}
		var obj struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(item, &obj) == nil && strings.TrimSpace(obj.Msg) != "" {
			msgs = append(msgs, strings.TrimSpace(obj.Msg))
		}
	}
	return strings.Join(msgs, "\n")
}

func defaultMessage(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "The request was invalid"
	case status == http.StatusUnauthorized:
		return "Invalid email or password"
	case status == http.StatusForbidden:
		return "You do not have permission to do this"
	case status == http.StatusNotFound:
		return "The requested resource was not found"
	case status == http.StatusConflict:
		return "This resource already exists"
	case status == http.StatusUnprocessableEntity:
		return "Some fields are invalid"
	case status == http.StatusTooManyRequests:
		return "Too many requests, please try again later"
	case status >= 500:
		return "The server is unavailable, please try again later"
	default:
		return fmt.Sprintf("Request failed with status %d", status)
	}
}

func newAPIError(resp *Response) *APIError {
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    ParseErrorMessage(resp.StatusCode, resp.Body),
		Body:       resp.Body,
	}
}
