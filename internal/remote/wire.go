package remote

import (
	"strings"

	"roomsync/internal/models"
)

// dateOnly strips a time component from timestamps like 2024-12-06T00:00:00.
func dateOnly(s string) string {
	if i := strings.IndexByte(s, 'T'); i == len(models.DateLayout) {
		return s[:i]
	}
	return s
}

// Payloads as the booking service sends and expects them.

type aulaDTO struct {
	ID                   int64  `json:"id"`
	Nombre               string `json:"nombre"`
	Descripcion          string `json:"descripcion,omitempty"`
	CapacidadEstudiantes int    `json:"capacidadEstudiantes"`
	Estatus              bool   `json:"estatus"`
	TipoAulaID           int64  `json:"tipoAulaId"`
	EdificioID           int64  `json:"edificioId"`
}

func (a aulaDTO) toModel() models.Room {
	return models.Room{
		ID:          a.ID,
		Name:        a.Nombre,
		Description: a.Descripcion,
		Capacity:    a.CapacidadEstudiantes,
		Active:      a.Estatus,
		RoomTypeID:  a.TipoAulaID,
		BuildingID:  a.EdificioID,
	}
}

type disponibilidadDTO struct {
	HoraInicio string `json:"horaInicio"`
	HoraFin    string `json:"horaFin"`
	Disponible bool   `json:"disponible"`
}

type createSolicitudDTO struct {
	Fecha      string `json:"fecha"`
	HoraInicio string `json:"horaInicio"`
	HoraFin    string `json:"horaFin"`
	Motivo     string `json:"motivo"`
	UsuarioID  int64  `json:"usuarioId"`
	AulaID     int64  `json:"aulaId"`
}

func newCreateSolicitud(r models.ReservationRequest) createSolicitudDTO {
	return createSolicitudDTO{
		Fecha:      r.Date,
		HoraInicio: r.StartTime,
		HoraFin:    r.EndTime,
		Motivo:     r.Reason,
		UsuarioID:  r.UserID,
		AulaID:     r.RoomID,
	}
}

type solicitudDTO struct {
	ID             int64    `json:"id"`
	Fecha          string   `json:"fecha"`
	HoraInicio     string   `json:"horaInicio"`
	HoraFin        string   `json:"horaFin"`
	Motivo         string   `json:"motivo"`
	Estado         string   `json:"estado"`
	FechaSolicitud string   `json:"fechaSolicitud"`
	UsuarioID      int64    `json:"usuarioId"`
	AulaID         int64    `json:"aulaId"`
	Aula           *aulaDTO `json:"aula,omitempty"`
}

func (s solicitudDTO) toModel() models.Reservation {
	r := models.Reservation{
		ID:          s.ID,
		RoomID:      s.AulaID,
		Date:        dateOnly(s.Fecha),
		StartTime:   s.HoraInicio,
		EndTime:     s.HoraFin,
		Reason:      s.Motivo,
		Status:      s.Estado,
		RequestedAt: s.FechaSolicitud,
		UserID:      s.UsuarioID,
	}
	if s.Aula != nil {
		r.RoomName = s.Aula.Nombre
		if r.RoomID == 0 {
			r.RoomID = s.Aula.ID
		}
	}
	return r
}

type loginDTO struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// proximaDTO is an upcoming reservation inside the user info payload. The
// service capitalizes these keys; decoding is case-insensitive.
type proximaDTO struct {
	Fecha      string   `json:"fecha"`
	HoraInicio string   `json:"horaInicio"`
	HoraFin    string   `json:"horaFin"`
	Estado     string   `json:"estado"`
	Motivo     string   `json:"motivo"`
	Aula       *aulaDTO `json:"aula"`
}

type userInfoDTO struct {
	IDUsuario        int64        `json:"idUsuario"`
	Nombre           string       `json:"nombre"`
	TotalReservas    int          `json:"totalReservas"`
	TotalActivasHoy  int          `json:"totalActivasHoy"`
	ProximasReservas []proximaDTO `json:"proximasReservas"`
}

func (u userInfoDTO) toModel() models.Profile {
	p := models.Profile{
		UserID:            u.IDUsuario,
		Name:              u.Nombre,
		TotalReservations: u.TotalReservas,
		ActiveToday:       u.TotalActivasHoy,
		Upcoming:          make([]models.ReservationSummary, 0, len(u.ProximasReservas)),
	}
	for _, r := range u.ProximasReservas {
		s := models.ReservationSummary{
			Date:      dateOnly(r.Fecha),
			StartTime: r.HoraInicio,
			EndTime:   r.HoraFin,
			Status:    r.Estado,
			Reason:    r.Motivo,
		}
		if r.Aula != nil {
			s.RoomName = r.Aula.Nombre
		}
		p.Upcoming = append(p.Upcoming, s)
	}
	return p
}
