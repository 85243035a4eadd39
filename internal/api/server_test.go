package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"roomsync/internal/account"
	"roomsync/internal/catalog"
	"roomsync/internal/connectivity"
	"roomsync/internal/events"
	"roomsync/internal/intake"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
	"roomsync/internal/queue"
	"roomsync/internal/reconcile"
	"roomsync/internal/remote"
	"roomsync/internal/report"
)

// bookingService fakes the remote booking API.
type bookingService struct {
	createStatus atomic.Int32
	creates      atomic.Int32

	mu      sync.Mutex
	hold    chan struct{} // creates block until closed
	arrived chan struct{}
}

// holdCreates makes creates block until release is called.
func (b *bookingService) holdCreates(n int) (arrived <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = make(chan struct{})
	b.arrived = make(chan struct{}, n)
	hold := b.hold
	return b.arrived, func() { close(hold) }
}

func (b *bookingService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/Aula", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":3,"nombre":"Aula 3","capacidadEstudiantes":40,"estatus":true},
			{"id":4,"nombre":"Aula 4","capacidadEstudiantes":20,"estatus":false}]`))
	})
	mux.HandleFunc("GET /api/SolicitudApartado/Disponibilidad", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"horaInicio":"07:00:00","horaFin":"08:00:00","disponible":true}]`))
	})
	mux.HandleFunc("POST /api/SolicitudApartado/CreateSolicitud", func(w http.ResponseWriter, _ *http.Request) {
		b.creates.Add(1)
		b.mu.Lock()
		hold, arrived := b.hold, b.arrived
		b.mu.Unlock()
		if hold != nil {
			arrived <- struct{}{}
			<-hold
		}
		switch status := int(b.createStatus.Load()); status {
		case 0, http.StatusOK:
			_, _ = w.Write([]byte(`{"id":41,"fecha":"2024-12-06T00:00:00","horaInicio":"07:30:00","horaFin":"08:30:00",
				"motivo":"Clase","estado":"Pendiente","usuarioId":7,"aulaId":3}`))
		case http.StatusConflict:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"errorMessage":"El aula ya está ocupada"}`))
		default:
			w.WriteHeader(status)
		}
	})
	userInfo := `{"idUsuario":7,"nombre":"Ana","totalReservas":2,"totalActivasHoy":1,"proximasReservas":[]}`
	mux.HandleFunc("POST /api/Auth/Login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(userInfo))
	})
	mux.HandleFunc("GET /api/Auth/GetInfoUser", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(userInfo))
	})
	mux.HandleFunc("GET /api/SolicitudApartado/Historial", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":41,"fecha":"2024-12-06T00:00:00","horaInicio":"07:30:00","horaFin":"08:30:00",
			"motivo":"Clase","estado":"Aprobada","usuarioId":7,"aulaId":3,"aula":{"id":3,"nombre":"Aula 3"}}]`))
	})
	return mux
}

type fixture struct {
	server  *HTTPServer
	store   *queue.Store
	monitor *connectivity.Monitor
	booking *bookingService
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)

	store, err := queue.Open(filepath.Join(t.TempDir(), "q.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	booking := &bookingService{}
	upstream := httptest.NewServer(booking.handler())
	t.Cleanup(upstream.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := remote.NewClient(upstream.URL, "", time.Second)
	monitor := connectivity.NewMonitor(online, logger)
	bus := events.NewEventBus()
	m := metrics.Nop()

	session, err := account.NewSession(context.Background(), store, client, bus, 0, logger)
	require.NoError(t, err)
	cat := catalog.NewService(client, store, monitor, logger)
	engine := reconcile.NewEngine(store, client, session, monitor, bus, m, reconcile.Config{}, logger)
	in := intake.NewService(store, client, monitor, cat, session, bus, m, logger)

	srv := NewHTTPServer(Deps{
		Intake:       in,
		Engine:       engine,
		Queue:        store,
		Catalog:      cat,
		Account:      session,
		History:      client,
		Connectivity: monitor,
		Bus:          bus,
		Redis:        rdb,
		Metrics:      m,
	}, &logger)

	return &fixture{server: srv, store: store, monitor: monitor, booking: booking, redis: mr}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

const scenarioBody = `{"room_id":3,"date":"2024-12-06","start_time":"07:30","end_time":"08:30","reason":"Clase","user_id":7}`

func TestSubmitEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		online       bool
		createStatus int
		body         string
		wantCode     int
		wantKind     intake.Kind
	}{
		{"online confirmed", true, http.StatusOK, scenarioBody, http.StatusCreated, intake.Confirmed},
		{"online conflict", true, http.StatusConflict, scenarioBody, http.StatusConflict, intake.Rejected},
		{"online transport failure", true, http.StatusServiceUnavailable, scenarioBody, http.StatusAccepted, intake.Queued},
		{"offline", false, http.StatusOK, scenarioBody, http.StatusAccepted, intake.Queued},
		{"local validation", true, http.StatusOK, `{"room_id":3,"date":"2024-12-06","start_time":"09:00","end_time":"08:00","user_id":7}`, http.StatusUnprocessableEntity, intake.Rejected},
		{"invalid json", true, http.StatusOK, `{`, http.StatusBadRequest, ""},
		{"unknown field", true, http.StatusOK, `{"room":3}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.online)
			f.booking.createStatus.Store(int32(tt.createStatus))

			rr := f.do(t, http.MethodPost, "/api/reservations", tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.wantKind == "" {
				return
			}

			var res intake.Result
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
			assert.Equal(t, tt.wantKind, res.Kind)

			n, err := f.store.Count(context.Background())
			require.NoError(t, err)
			if tt.wantKind == intake.Queued {
				assert.Equal(t, 1, n)
				assert.NotEmpty(t, res.IntentID)
			} else {
				assert.Equal(t, 0, n)
			}
		})
	}
}

func TestSubmitEndpoint_UsesSignedInUser(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/login", `{"email":"ana@uni.mx","password":"x"}`).Code)

	rr := f.do(t, http.MethodPost, "/api/reservations", `{"room_id":3,"date":"2024-12-06","start_time":"07:30","end_time":"08:30"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	intents, err := f.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, int64(7), intents[0].UserID)
}

func TestIntentsListAndCancel(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)

	rr := f.do(t, http.MethodGet, "/api/intents", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Intents []models.ReservationIntent `json:"intents"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Intents, 1)
	it := body.Intents[0]
	assert.Equal(t, models.IntentPending, it.Status)
	assert.Equal(t, "07:30:00", it.StartTime)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/intents/"+it.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/intents/"+it.ID, "").Code)

	rr = f.do(t, http.MethodGet, "/api/intents", "")
	assert.JSONEq(t, `{"intents":[]}`, rr.Body.String())
}

func TestSyncEndpoint(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/sync", "").Code)

	f.monitor.Set(true)
	rr := f.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rep reconcile.Report
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rep))
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, int32(1), f.booking.creates.Load())

	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSyncEndpoint_OutlivesClientDisconnect(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)
	}
	arrived, release := f.booking.holdCreates(3)
	f.monitor.Set(true)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/sync", http.NoBody).WithContext(ctx)
	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		f.server.Handler().ServeHTTP(rr, req)
		close(done)
	}()

	<-arrived
	cancel() // client hangs up mid-pass
	release()
	<-done

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(3), f.booking.creates.Load())
	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "every intent synced despite the disconnect")
}

func TestRetryEndpoint(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)
	intents, err := f.store.List(context.Background())
	require.NoError(t, err)
	id := intents[0].ID

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/intents/nope/retry", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/intents/"+id+"/retry", "").Code)

	f.monitor.Set(true)
	f.booking.createStatus.Store(http.StatusConflict)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/sync", "").Code)

	it, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.IntentError, it.Status)
	assert.Equal(t, models.ErrorConflict, it.ErrorKind)

	f.booking.createStatus.Store(http.StatusOK)
	rr := f.do(t, http.MethodPost, "/api/intents/"+id+"/retry", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rep reconcile.Report
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rep))
	assert.Equal(t, 1, rep.Synced)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)

	rr := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st StatusResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.False(t, st.Online)
	assert.False(t, st.SignedIn)
	assert.Equal(t, 1, st.Sync.TotalPending)
	assert.Nil(t, st.Sync.LastSync)
}

func TestRoomsEndpoints(t *testing.T) {
	f := newFixture(t, true)

	rr := f.do(t, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rooms catalog.Rooms
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rooms))
	assert.Len(t, rooms.Rooms, 2)
	assert.False(t, rooms.Stale)

	rr = f.do(t, http.MethodGet, "/api/rooms?active=true", "")
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rooms))
	assert.Len(t, rooms.Rooms, 1)

	rr = f.do(t, http.MethodGet, "/api/rooms/3/availability?date=2024-12-06", "")
	require.Equal(t, http.StatusOK, rr.Code)

	f.monitor.Set(false)
	rr = f.do(t, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rooms))
	assert.True(t, rooms.Stale)

	rr = f.do(t, http.MethodGet, "/api/rooms/3/availability?date=2024-12-06", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var av catalog.Availability
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&av))
	assert.True(t, av.Stale)
	require.Len(t, av.Slots, 1)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/rooms/3/availability?date=2024-12-07", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/rooms/x/availability", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/rooms/3/availability?date=06-12-2024", "").Code)
}

func TestAccountEndpoints(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/profile", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/history", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/login", `{"email":""}`).Code)

	rr := f.do(t, http.MethodPost, "/api/login", `{"email":"ana@uni.mx","password":"x"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var p models.Profile
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	assert.Equal(t, "Ana", p.Name)
	assert.Equal(t, 2, p.TotalReservations)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/profile", "").Code)

	rr = f.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var hist struct {
		Reservations []models.Reservation `json:"reservations"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&hist))
	require.Len(t, hist.Reservations, 1)
	assert.Equal(t, "Aula 3", hist.Reservations[0].RoomName)
	assert.Equal(t, "2024-12-06", hist.Reservations[0].Date)

	f.monitor.Set(false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/history", "").Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/logout", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/profile", "").Code)
}

func TestExportEndpoint(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reservations", scenarioBody).Code)

	rr := f.do(t, http.MethodGet, "/api/intents/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "roomsync_queue_")

	xl, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer xl.Close()
	rows, err := xl.GetRows(report.SheetQueue)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)

	f.redis.Close()
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, TypeSyncStatus, first.Type)

	resp, err := http.Post(srv.URL+"/api/reservations", "application/json", strings.NewReader(scenarioBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	for {
		var ev events.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == events.TypeIntentQueued {
			var payload map[string]any
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
			assert.NotEmpty(t, payload["intent_id"])
			return
		}
	}
}
