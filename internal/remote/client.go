// Package remote is the HTTP client for the classroom booking service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"roomsync/internal/metrics"
	"roomsync/internal/models"
)

const maxErrorBody = 64 << 10

var errDecode = errors.New("undecodable response")

// Client calls the booking service API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics

	redis    *redis.Client
	cacheTTL time.Duration
}

// NewClient constructs a client for baseURL. apiKey is optional.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UseRedisCache configures optional Redis caching for read endpoints.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UseRateLimit paces outgoing requests. A non-positive rate disables pacing.
func (c *Client) UseRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		c.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Client) UseMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// ListRooms returns every room known to the service.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var aulas []aulaDTO
	if !c.readCache(ctx, "rooms", &aulas) {
		if err := c.doGet(ctx, "rooms", "/api/Aula", &aulas); err != nil {
			return nil, err
		}
		c.writeCache(ctx, "rooms", aulas)
	}

	rooms := make([]models.Room, 0, len(aulas))
	for _, a := range aulas {
		rooms = append(rooms, a.toModel())
	}
	return rooms, nil
}

// GetRoom returns one room.
func (c *Client) GetRoom(ctx context.Context, id int64) (models.Room, error) {
	key := fmt.Sprintf("room:%d", id)
	var a aulaDTO
	if !c.readCache(ctx, key, &a) {
		if err := c.doGet(ctx, "room", fmt.Sprintf("/api/Aula/%d", id), &a); err != nil {
			return models.Room{}, err
		}
		c.writeCache(ctx, key, a)
	}
	return a.toModel(), nil
}

// Availability returns the slots of a room on date (YYYY-MM-DD).
func (c *Client) Availability(ctx context.Context, roomID int64, date string) ([]models.Slot, error) {
	key := availabilityKey(roomID, date)
	var dto []disponibilidadDTO
	if !c.readCache(ctx, key, &dto) {
		q := url.Values{}
		q.Set("aulaId", strconv.FormatInt(roomID, 10))
		q.Set("fecha", date)
		if err := c.doGet(ctx, "availability", "/api/SolicitudApartado/Disponibilidad?"+q.Encode(), &dto); err != nil {
			return nil, err
		}
		c.writeCache(ctx, key, dto)
	}

	slots := make([]models.Slot, 0, len(dto))
	for _, d := range dto {
		slots = append(slots, models.Slot{Start: d.HoraInicio, End: d.HoraFin, Available: d.Disponible})
	}
	return slots, nil
}

// CreateReservation submits one reservation. Failures are *Error values
// classified as conflict, validation or transport.
func (c *Client) CreateReservation(ctx context.Context, req models.ReservationRequest) (models.Reservation, error) {
	var out solicitudDTO
	err := c.doPost(ctx, "create", "/api/SolicitudApartado/CreateSolicitud", newCreateSolicitud(req), &out)
	if err != nil && !errors.Is(err, errDecode) {
		return models.Reservation{}, err
	}
	c.dropCache(ctx, availabilityKey(req.RoomID, req.Date))

	if err != nil {
		// accepted, but the body could not be read
		out = solicitudDTO{}
	}

	res := out.toModel()
	if res.RoomID == 0 {
		res.RoomID = req.RoomID
	}
	if res.Date == "" {
		res.Date, res.StartTime, res.EndTime = req.Date, req.StartTime, req.EndTime
		res.Reason, res.UserID = req.Reason, req.UserID
	}
	return res, nil
}

// Login authenticates a user and returns their profile.
func (c *Client) Login(ctx context.Context, email, password string) (models.Profile, error) {
	var out userInfoDTO
	if err := c.doPost(ctx, "login", "/api/Auth/Login", loginDTO{Email: email, Password: password}, &out); err != nil {
		return models.Profile{}, err
	}
	return out.toModel(), nil
}

// UserInfo returns fresh counters for a user.
func (c *Client) UserInfo(ctx context.Context, userID int64) (models.Profile, error) {
	var out userInfoDTO
	if err := c.doGet(ctx, "user_info", fmt.Sprintf("/api/Auth/GetInfoUser?id=%d", userID), &out); err != nil {
		return models.Profile{}, err
	}
	return out.toModel(), nil
}

// History returns the reservations a user has made.
func (c *Client) History(ctx context.Context, userID int64) ([]models.Reservation, error) {
	var out []solicitudDTO
	if err := c.doGet(ctx, "history", fmt.Sprintf("/api/SolicitudApartado/Historial?usuarioId=%d", userID), &out); err != nil {
		return nil, err
	}
	res := make([]models.Reservation, 0, len(out))
	for _, s := range out {
		res = append(res, s.toModel())
	}
	return res, nil
}

// HealthCheck checks if the booking service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func availabilityKey(roomID int64, date string) string {
	return fmt.Sprintf("availability:%d:%s", roomID, date)
}

func cacheKey(key string) string {
	return "roomsync:" + key
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(key), data, c.cacheTTL).Err()
}

func (c *Client) dropCache(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cacheKey(key)).Err()
}

func (c *Client) doGet(ctx context.Context, endpoint, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(endpoint, req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(endpoint, req, out)
}

func (c *Client) do(endpoint string, req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			c.observe(endpoint, "error")
			return transportError(err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, "error")
		return transportError(err)
	}
	defer resp.Body.Close()
	c.observe(endpoint, fmt.Sprintf("%dxx", resp.StatusCode/100))

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return transportError(fmt.Errorf("%w: %s: %v", errDecode, endpoint, err))
	}
	return nil
}

func (c *Client) observe(endpoint, status string) {
	if c.metrics != nil {
		c.metrics.IncRemote(endpoint, status)
	}
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
