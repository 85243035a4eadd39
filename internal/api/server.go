// Package api exposes the local HTTP/JSON and WebSocket boundary used by the UI.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomsync/internal/catalog"
	"roomsync/internal/events"
	"roomsync/internal/intake"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
	"roomsync/internal/reconcile"
)

type Intake interface {
	Submit(ctx context.Context, req models.ReservationRequest) (intake.Result, error)
	Cancel(ctx context.Context, id string) (intake.CancelResult, error)
}

type Engine interface {
	Run(ctx context.Context) (reconcile.Report, error)
	RetryIntent(ctx context.Context, id string) (reconcile.Report, error)
	Status(ctx context.Context) (models.SyncStatus, error)
	LastReport() reconcile.Report
	SubscribeStatus() (<-chan models.SyncStatus, func())
}

type Queue interface {
	List(ctx context.Context) ([]models.ReservationIntent, error)
	Ping(ctx context.Context) error
}

type Catalog interface {
	Rooms(ctx context.Context) (catalog.Rooms, error)
	Availability(ctx context.Context, roomID int64, date string) (catalog.Availability, error)
}

type Account interface {
	Profile() *models.Profile
	UserID() int64
	Login(ctx context.Context, email, password string) (*models.Profile, error)
	Logout(ctx context.Context) error
}

// HistorySource lists the user's confirmed reservations remotely.
type HistorySource interface {
	History(ctx context.Context, userID int64) ([]models.Reservation, error)
}

type Connectivity interface {
	Online() bool
}

// Deps groups the services the API fronts. Redis, Metrics and Bus are optional.
type Deps struct {
	Intake       Intake
	Engine       Engine
	Queue        Queue
	Catalog      Catalog
	Account      Account
	History      HistorySource
	Connectivity Connectivity
	Bus          *events.EventBus
	Redis        *redis.Client
	Metrics      *metrics.Metrics

	// ExposeMetrics mounts promhttp on /metrics.
	ExposeMetrics bool
}

type HTTPServer struct {
	intake  Intake
	engine  Engine
	queue   Queue
	catalog Catalog
	account Account
	history HistorySource
	conn    Connectivity
	bus     *events.EventBus
	redis   *redis.Client
	metrics *metrics.Metrics
	logger  *zerolog.Logger
	now     func() time.Time

	handler http.Handler
}

func NewHTTPServer(d Deps, logger *zerolog.Logger) *HTTPServer {
	m := d.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	s := &HTTPServer{
		intake:  d.Intake,
		engine:  d.Engine,
		queue:   d.Queue,
		catalog: d.Catalog,
		account: d.Account,
		history: d.History,
		conn:    d.Connectivity,
		bus:     d.Bus,
		redis:   d.Redis,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/intents", s.handleIntents)
	mux.HandleFunc("GET /api/intents/export", s.handleExport)
	mux.HandleFunc("DELETE /api/intents/{id}", s.handleCancelIntent)
	mux.HandleFunc("POST /api/intents/{id}/retry", s.handleRetryIntent)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/reservations", s.handleSubmit)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/rooms/{id}/availability", s.handleAvailability)
	mux.HandleFunc("GET /api/profile", s.handleProfile)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws/status", s.handleStatusStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	if d.ExposeMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	s.handler = mux
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	s.logger.Info().Str("addr", addr).Msg("Local API listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctxPing, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.queue.Ping(ctxPing); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctxPing).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
