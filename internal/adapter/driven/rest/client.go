package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
)

// Client talks to the relay's REST API. It implements port.RoomService.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type roomResponse struct {
	RoomID domain.SessionID `json:"room_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) CreateRoom(ctx context.Context, creator domain.UserID) (domain.SessionID, error) {
	var out roomResponse
	if err := c.do(ctx, http.MethodPost, "/rooms", map[string]domain.UserID{"creator_id": creator}, &out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("create room: response without room_id")
	}
	return out.RoomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+id.String()+"/join", map[string]domain.UserID{"user_id": user}, nil); err != nil {
		return fmt.Errorf("join room %s: %w", id, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, id domain.SessionID, user domain.UserID) error {
	if err := c.do(ctx, http.MethodPost, "/rooms/"+id.String()+"/leave", map[string]domain.UserID{"user_id": user}, nil); err != nil {
		return fmt.Errorf("leave room %s: %w", id, err)
	}
	return nil
}

// ICEServers fetches the connectivity servers the relay recommends.
func (c *Client) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	var out struct {
		ICEServers []domain.ICEServer `json:"ice_servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/config", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	return out.ICEServers, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("status %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
