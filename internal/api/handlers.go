package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"roomsync/internal/catalog"
	"roomsync/internal/intake"
	"roomsync/internal/models"
	"roomsync/internal/queue"
	"roomsync/internal/reconcile"
	"roomsync/internal/remote"
	"roomsync/internal/report"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Online     bool              `json:"online"`
	SignedIn   bool              `json:"signed_in"`
	Sync       models.SyncStatus `json:"sync"`
	LastReport reconcile.Report  `json:"last_report"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// GET /api/status
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("status")

	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Status snapshot failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Online:     s.conn.Online(),
		SignedIn:   s.account.UserID() != 0,
		Sync:       st,
		LastReport: s.engine.LastReport(),
	})
}

// GET /api/intents
func (s *HTTPServer) handleIntents(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("intents")

	intents, err := s.queue.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List intents failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}
	if intents == nil {
		intents = []models.ReservationIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents})
}

// DELETE /api/intents/{id}
func (s *HTTPServer) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("cancel_intent")

	res, err := s.intake.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "intent not found")
	case err != nil:
		s.logger.Error().Err(err).Msg("Cancel intent failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
	case res.Deferred:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /api/intents/{id}/retry
func (s *HTTPServer) handleRetryIntent(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("retry_intent")

	rep, err := s.engine.RetryIntent(context.WithoutCancel(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /api/sync
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("sync")

	// a pass outlives the request; only its own timeout bounds it
	rep, err := s.engine.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *HTTPServer) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "intent not found")
	case errors.Is(err, reconcile.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, reconcile.ErrPassInProgress), errors.Is(err, reconcile.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Sync pass failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
	}
}

// POST /api/reservations
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("submit")

	var req models.ReservationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == 0 {
		req.UserID = s.account.UserID()
	}

	res, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Submit failed")
		writeError(w, http.StatusInternalServerError, "reservation could not be saved locally")
		return
	}

	switch res.Kind {
	case intake.Confirmed:
		writeJSON(w, http.StatusCreated, res)
	case intake.Queued:
		writeJSON(w, http.StatusAccepted, res)
	default:
		if res.ErrorKind == models.ErrorConflict {
			writeJSON(w, http.StatusConflict, res)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

// GET /api/rooms
func (s *HTTPServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("rooms")

	rooms, err := s.catalog.Rooms(r.Context())
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	if r.URL.Query().Get("active") == "true" {
		rooms.Rooms = models.ActiveRooms(rooms.Rooms)
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GET /api/rooms/{id}/availability?date=YYYY-MM-DD
func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("availability")

	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.now().Format(models.DateLayout)
	} else if _, err := time.Parse(models.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format; expected YYYY-MM-DD")
		return
	}

	av, err := s.catalog.Availability(r.Context(), roomID, date)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *HTTPServer) writeCatalogError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrNoData) {
		writeError(w, http.StatusServiceUnavailable, "offline and nothing cached yet")
		return
	}
	s.logger.Error().Err(err).Msg("Catalog read failed")
	writeError(w, http.StatusInternalServerError, "local storage unavailable")
}

// GET /api/profile
func (s *HTTPServer) handleProfile(w http.ResponseWriter, _ *http.Request) {
	s.metrics.IncHTTP("profile")

	p := s.account.Profile()
	if p == nil {
		writeError(w, http.StatusUnauthorized, "no user signed in")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/login
func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("login")

	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	p, err := s.account.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/logout
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("logout")

	if err := s.account.Logout(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Logout failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/history
func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("history")

	id := s.account.UserID()
	if id == 0 {
		writeError(w, http.StatusUnauthorized, "no user signed in")
		return
	}
	if !s.conn.Online() {
		writeError(w, http.StatusServiceUnavailable, reconcile.ErrOffline.Error())
		return
	}

	list, err := s.history.History(r.Context(), id)
	if err != nil {
		s.writeRemoteError(w, err)
		return
	}
	if list == nil {
		list = []models.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

func (s *HTTPServer) writeRemoteError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrStorage) {
		s.logger.Error().Err(err).Msg("Persist remote result failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}
	switch remote.KindOf(err) {
	case models.ErrorTransport:
		s.logger.Warn().Err(err).Msg("Remote call failed")
		writeError(w, http.StatusBadGateway, remote.MessageOf(err))
	default:
		writeError(w, http.StatusUnprocessableEntity, remote.MessageOf(err))
	}
}

// GET /api/intents/export
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("export")

	intents, err := s.queue.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List intents failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Status snapshot failed")
		writeError(w, http.StatusInternalServerError, "local storage unavailable")
		return
	}

	now := s.now()
	var buf bytes.Buffer
	if err := report.WriteQueue(&buf, intents, st, now); err != nil {
		s.logger.Error().Err(err).Msg("Render report failed")
		writeError(w, http.StatusInternalServerError, "report generation failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.Filename(now)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
