package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"roomsync/internal/models"
)

// Error is a failed call to the booking service.
type Error struct {
	Kind       models.ErrorKind
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s error (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by the client. Errors that did not
// come from a server response (timeouts, refused connections, cancelled
// contexts) are transport errors.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return models.ErrorTransport
}

// MessageOf returns the server message carried by err, or err's text.
func MessageOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

func classify(status int) models.ErrorKind {
	switch {
	case status == http.StatusConflict:
		return models.ErrorConflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return models.ErrorTransport
	case status >= 400 && status < 500:
		return models.ErrorValidation
	default:
		return models.ErrorTransport
	}
}

func transportError(err error) *Error {
	return &Error{Kind: models.ErrorTransport, Message: err.Error(), Err: err}
}

func statusError(status int, body []byte) *Error {
	return &Error{
		Kind:       classify(status),
		StatusCode: status,
		Message:    extractMessage(status, body),
	}
}

// extractMessage picks errorMessage, message or detail from a JSON body, then
// a plain string body, then a default text for the status.
func extractMessage(status int, body []byte) string {
	var fields struct {
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
		Detail       string `json:"detail"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, m := range []string{fields.ErrorMessage, fields.Message, fields.Detail} {
			if strings.TrimSpace(m) != "" {
				return m
			}
		}
	}

	var s string
	if err := json.Unmarshal(body, &s); err == nil && strings.TrimSpace(s) != "" {
		return s
	}
	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "<") {
		return text
	}
	return defaultMessage(status)
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusConflict:
		return "a reservation already exists for that time; choose another slot"
	case http.StatusBadRequest:
		return "invalid reservation data; check the request"
	case http.StatusUnauthorized:
		return "not authenticated; sign in again"
	case http.StatusForbidden:
		return "not allowed to create this reservation"
	case http.StatusInternalServerError:
		return "server error; try again later"
	default:
		return fmt.Sprintf("http %d %s", status, http.StatusText(status))
	}
}
