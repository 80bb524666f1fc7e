package dispatchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Dispatchline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Mission mirrors the API mission model.
type Mission struct {
	ID             int64    `json:"id"`
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	ClientName     string   `json:"client_name"`
	ClientPhone    string   `json:"client_phone,omitempty"`
	Passengers     int      `json:"passengers,omitempty"`
	PickupAddress  string   `json:"pickup_address"`
	DropoffAddress string   `json:"dropoff_address"`
	Category       string   `json:"category,omitempty"`
	DriverID       *int64   `json:"driver_id,omitempty"`
	Status         string   `json:"status,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Comment        *string  `json:"comment,omitempty"`
	CommentBy      *int64   `json:"comment_by,omitempty"`
	EstimatedPrice *float64 `json:"estimated_price,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	SentAt         *string  `json:"sent_at,omitempty"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
}

// MissionFilter narrows ListMissions. Zero values are ignored.
type MissionFilter struct {
	Date     string
	From     string
	To       string
	Status   string
	DriverID int64
	Limit    int
}

// Actor is a dispatcher or a driver.
type Actor struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Phone     string `json:"phone,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// Me describes the authenticated actor.
type Me struct {
	Actor                 Actor `json:"actor"`
	DeviceTokenRegistered bool  `json:"device_token_registered"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    any    `json:"payload"`
}

// BulkOutcome reports one mission of a send-day run.
type BulkOutcome struct {
	MissionID int64  `json:"mission_id"`
	DriverID  *int64 `json:"driver_id,omitempty"`
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
}

// BulkSummary is the result of SendDay.
type BulkSummary struct {
	Date         string        `json:"date"`
	Selected     int           `json:"selected"`
	Sent         int           `json:"sent"`
	Skipped      int           `json:"skipped"`
	PushFailures int           `json:"push_failures"`
	Message      string        `json:"message"`
	Outcomes     []BulkOutcome `json:"outcomes"`
}

// DaySummary counts missions of one day per status.
type DaySummary struct {
	Date   string         `json:"date"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// Receipt acknowledges a push accepted by the provider.
type Receipt struct {
	ID       string `json:"id"`
	ActorID  int64  `json:"actor_id"`
	Provider string `json:"provider"`
}

// Broadcast aggregates a push to every driver.
type Broadcast struct {
	Recipients int `json:"recipients"`
	Success    int `json:"success"`
	Failure    int `json:"failure"`
}

// APIKey is an issued key; the secret is only present right after creation.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    int64   `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListMissions returns the missions visible to the caller.
func (c *Client) ListMissions(ctx context.Context, f MissionFilter) ([]Mission, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("date", f.Date)
	set("from", f.From)
	set("to", f.To)
	set("status", f.Status)
	if f.DriverID > 0 {
		q.Set("driver_id", strconv.FormatInt(f.DriverID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("missions", q), nil, &resp)
	return resp.Items, err
}

// CreateMission creates a draft mission.
func (c *Client) CreateMission(ctx context.Context, m Mission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", m, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id int64) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, missionPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateMission sends a partial update. A "driver_id": nil entry unassigns
// the driver.
func (c *Client) UpdateMission(ctx context.Context, id int64, fields map[string]any) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPatch, missionPath(id, ""), fields, &resp)
	return resp, err
}

func (c *Client) DeleteMission(ctx context.Context, id int64) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodDelete, missionPath(id, ""), nil, &resp)
	return resp, err
}

// Transition moves a mission to status.
func (c *Client) Transition(ctx context.Context, id int64, status string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, missionPath(id, "status"), map[string]string{"status": status}, &resp)
	return resp, err
}

func (c *Client) Comment(ctx context.Context, id int64, text string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, missionPath(id, "comment"), map[string]string{"comment": text}, &resp)
	return resp, err
}

// SendDay sends every draft mission of date to its driver.
func (c *Client) SendDay(ctx context.Context, date string) (BulkSummary, error) {
	var resp BulkSummary
	err := c.do(ctx, http.MethodPost, "missions/send-day", map[string]string{"date": date}, &resp)
	return resp, err
}

func (c *Client) DaySummary(ctx context.Context, date string) (DaySummary, error) {
	var resp DaySummary
	err := c.do(ctx, http.MethodGet, withQuery("missions/summary", url.Values{"date": {date}}), nil, &resp)
	return resp, err
}

func (c *Client) ListActors(ctx context.Context, role string) ([]Actor, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	var resp struct {
		Items []Actor `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("actors", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateActor(ctx context.Context, name, role, phone string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "actors", map[string]string{"name": name, "role": role, "phone": phone}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// RegisterDeviceToken binds the caller's device for push notifications.
func (c *Client) RegisterDeviceToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPut, "me/device-token", map[string]string{"token": token}, nil)
}

func (c *Client) ClearDeviceToken(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "me/device-token", nil, nil)
}

// NotifyDriver pushes a message to one driver.
func (c *Client) NotifyDriver(ctx context.Context, actorID int64, title, body string) (Receipt, error) {
	var resp Receipt
	endpoint := fmt.Sprintf("notifications/drivers/%d", actorID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"title": title, "body": body}, &resp)
	return resp, err
}

func (c *Client) NotifyAllDrivers(ctx context.Context, title, body string) (Broadcast, error) {
	var resp Broadcast
	err := c.do(ctx, http.MethodPost, "notifications/drivers", map[string]string{"title": title, "body": body}, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

// CreateAPIKey issues a key for actorID and returns its secret once.
func (c *Client) CreateAPIKey(ctx context.Context, actorID int64, name string) (APIKey, string, error) {
	var resp struct {
		APIKey APIKey `json:"api_key"`
		Key    string `json:"key"`
	}
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"actor_id": actorID, "name": name}, &resp)
	return resp.APIKey, resp.Key, err
}

func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "api-keys/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func missionPath(id int64, action string) string {
	p := fmt.Sprintf("missions/%d", id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
