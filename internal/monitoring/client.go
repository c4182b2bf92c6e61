package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/p2p-db-sync/dbsync/internal/fullsync"
)

// Client calls a node's admin endpoints
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin server at addr ("host:port" or a URL)
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the admin server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Status fetches the node status
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RemovePeer forgets a peer
func (c *Client) RemovePeer(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/peers/"+url.PathEscape(nodeID), nil, nil)
}

// Sessions lists recent full sync sessions
func (c *Client) Sessions(ctx context.Context, limit int) ([]fullsync.Progress, error) {
	var out []fullsync.Progress
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sessions?limit=%d", limit), nil, &out)
	return out, err
}

// Session fetches one session
func (c *Client) Session(ctx context.Context, sessionID string) (*fullsync.Progress, error) {
	var p fullsync.Progress
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StartFullSync starts a session against peerID
func (c *Client) StartFullSync(ctx context.Context, peerID string, direction fullsync.Direction) (*fullsync.Progress, error) {
	var p fullsync.Progress
	err := c.do(ctx, http.MethodPost, "/api/v1/fullsync", StartRequest{PeerID: peerID, Direction: string(direction)}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelSession requests cancellation of a session
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, nil)
}

// ClearStuckSession clears a session that stopped progressing
func (c *Client) ClearStuckSession(ctx context.Context, sessionID string) (*fullsync.Progress, error) {
	var p fullsync.Progress
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/clear", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SyncControl posts "pause", "resume" or "trigger"
func (c *Client) SyncControl(ctx context.Context, action string) error {
	switch action {
	case "pause", "resume", "trigger":
	default:
		return fmt.Errorf("unknown sync action %q", action)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/sync/"+action, nil, nil)
}
