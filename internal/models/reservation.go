package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// IntentStatus is the sync state of a queued reservation.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSyncing IntentStatus = "syncing"
	IntentSynced  IntentStatus = "synced"
	IntentError   IntentStatus = "error"
)

// ErrorKind classifies why a remote write did not go through.
type ErrorKind string

const (
	ErrorTransport  ErrorKind = "transport"
	ErrorConflict   ErrorKind = "conflict"
	ErrorValidation ErrorKind = "validation"
)

var ErrInvalidRequest = errors.New("invalid reservation request")

// ReservationRequest is the payload needed to create (or replay) a reservation.
type ReservationRequest struct {
	RoomID    int64  `json:"room_id"`
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM:SS
	EndTime   string `json:"end_time"`   // HH:MM:SS
	Reason    string `json:"reason"`
	UserID    int64  `json:"user_id"`
}

// Normalize trims fields and expands HH:MM times to HH:MM:SS.
func (r ReservationRequest) Normalize() ReservationRequest {
	r.Date = strings.TrimSpace(r.Date)
	r.Reason = strings.TrimSpace(r.Reason)
	r.StartTime = normalizeClock(r.StartTime)
	r.EndTime = normalizeClock(r.EndTime)
	return r
}

func normalizeClock(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == len("15:04") {
		return s + ":00"
	}
	return s
}

// Validate checks that the payload can be replayed against the remote service.
func (r ReservationRequest) Validate() error {
	if r.RoomID <= 0 {
		return fmt.Errorf("%w: room_id is required", ErrInvalidRequest)
	}
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: invalid date format; expected YYYY-MM-DD", ErrInvalidRequest)
	}
	start, err := time.Parse(TimeLayout, r.StartTime)
	if err != nil {
		return fmt.Errorf("%w: invalid start_time format; expected HH:MM:SS", ErrInvalidRequest)
	}
	end, err := time.Parse(TimeLayout, r.EndTime)
	if err != nil {
		return fmt.Errorf("%w: invalid end_time format; expected HH:MM:SS", ErrInvalidRequest)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end_time must be after start_time", ErrInvalidRequest)
	}
	return nil
}

// ReservationIntent is a locally recorded write that has not been confirmed remotely.
type ReservationIntent struct {
	ID string `json:"id"`
	ReservationRequest
	RoomName        string       `json:"room_name,omitempty"`
	Status          IntentStatus `json:"status"`
	LastError       string       `json:"last_error,omitempty"`
	ErrorKind       ErrorKind    `json:"error_kind,omitempty"`
	Attempts        int          `json:"attempts"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`

	Seq int64 `json:"-"`
}

// AutoRetryable reports whether a reconciliation pass should pick the intent up
// without user input.
func (i *ReservationIntent) AutoRetryable(retryConflicts bool) bool {
	switch i.Status {
	case IntentPending:
		return true
	case IntentError:
		if i.ErrorKind == ErrorTransport || i.ErrorKind == "" {
			return true
		}
		return retryConflicts
	}
	return false
}

// DisplayRoom returns the captured room name or a fallback label.
func (i *ReservationIntent) DisplayRoom() string {
	if i.RoomName != "" {
		return i.RoomName
	}
	return fmt.Sprintf("Room %d", i.RoomID)
}

// Reservation is a reservation as confirmed by the remote service.
type Reservation struct {
	ID          int64  `json:"id"`
	RoomID      int64  `json:"room_id"`
	RoomName    string `json:"room_name,omitempty"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	RequestedAt string `json:"requested_at,omitempty"`
	UserID      int64  `json:"user_id"`
}

// SyncStatus is a snapshot of the reconciliation state shown to the user.
type SyncStatus struct {
	IsSyncing    bool       `json:"is_syncing"`
	TotalPending int        `json:"total_pending"`
	SyncedCount  int        `json:"synced_count"`
	FailedCount  int        `json:"failed_count"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
}
