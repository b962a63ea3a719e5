// Package apiclient talks to the room request/response API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.Status, e.Body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: normalized,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}, nil
}

// NormalizeBaseURL trims the trailing slash and requires an http(s) scheme
// and a host.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("server url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", errors.Wrap(err, "invalid server url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.Errorf("server url %q must start with http:// or https://", value)
	}
	if parsed.Host == "" {
		return "", errors.Errorf("server url %q must include a host", value)
	}
	return strings.TrimRight(value, "/"), nil
}

type CreateRoomResponse struct {
	ID        string `json:"id"`
	SceneryID string `json:"scenery_id"`
	State     string `json:"state"`
}

type SubmitAnswerResponse struct {
	TurnID string `json:"turn_id"`
	Round  int    `json:"round"`
}

type Room struct {
	ID          string    `json:"id"`
	SceneryID   string    `json:"scenery_id"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Subscribers int       `json:"subscribers"`
	EventCount  int       `json:"event_count,omitempty"`
}

type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type Scenery struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Agents      []Agent `json:"agents"`
}

func (c *Client) CreateRoom(ctx context.Context, sceneryID string) (CreateRoomResponse, error) {
	if sceneryID == "" {
		sceneryID = "default"
	}
	var resp CreateRoomResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/rooms", map[string]string{"scenery_id": sceneryID}, &resp)
	return resp, err
}

func (c *Client) SubmitAnswer(ctx context.Context, roomID, userInput string) (SubmitAnswerResponse, error) {
	var resp SubmitAnswerResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/answer",
		map[string]string{"user_input": userInput}, &resp)
	return resp, err
}

func (c *Client) CancelTurn(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/cancel", nil, nil)
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var resp Room
	err := c.doJSON(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &resp)
	return resp, err
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/rooms", nil, &resp)
	return resp.Rooms, err
}

func (c *Client) ListSceneries(ctx context.Context) ([]Scenery, error) {
	var resp struct {
		Sceneries []Scenery `json:"sceneries"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/sceneries", nil, &resp)
	return resp.Sceneries, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := strings.TrimSpace(string(data))
		if err != nil || text == "" {
			text = "Unknown error"
		}
		return &APIError{Status: resp.StatusCode, Body: text}
	}

	if resp.StatusCode == http.StatusNoContent || respBody == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(respBody), "decode %s %s", method, path)
}
