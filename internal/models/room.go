package models

import "time"

// Room is a bookable classroom.
type Room struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Capacity    int    `json:"capacity"`
	Active      bool   `json:"active"`
	RoomTypeID  int64  `json:"room_type_id,omitempty"`
	BuildingID  int64  `json:"building_id,omitempty"`
}

// Slot is one time window of a room's day.
type Slot struct {
	Start     string `json:"start"` // HH:MM:SS
	End       string `json:"end"`   // HH:MM:SS
	Available bool   `json:"available"`
}

// AvailabilitySnapshot is the last-known availability of a room on a date.
type AvailabilitySnapshot struct {
	RoomID   int64     `json:"room_id"`
	Date     string    `json:"date"`
	Slots    []Slot    `json:"slots"`
	CachedAt time.Time `json:"cached_at"`
}

// ActiveRooms filters out rooms that are not open for booking.
func ActiveRooms(rooms []Room) []Room {
	out := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// FindRoom returns the room with the given id.
func FindRoom(rooms []Room, id int64) (Room, bool) {
	for _, r := range rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}
