package models

// Profile is the signed-in user together with the aggregate counters the
// remote service computes for them.
type Profile struct {
	UserID            int64                `json:"user_id"`
	Name              string               `json:"name"`
	TotalReservations int                  `json:"total_reservations"`
	ActiveToday       int                  `json:"active_today"`
	Upcoming          []ReservationSummary `json:"upcoming"`
}

// ReservationSummary is a reservation as listed on the user's dashboard.
type ReservationSummary struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
	RoomName  string `json:"room_name"`
	Reason    string `json:"reason"`
}
