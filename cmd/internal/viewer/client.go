package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "screenrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// maxResultBytes bounds a poll response; payloads are base64 PNGs.
const maxResultBytes = 48 << 20

// NewRequesterID returns a fresh viewer identity.
func NewRequesterID() string {
	return "viewer-" + uuid.NewString()
}

// Client speaks the viewer half of the relay protocol.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the relay at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the relay URL.
func (c *Client) BaseURL() string { return c.base }

// Create asks the relay for a new capture and returns its id.
func (c *Client) Create(ctx context.Context, requesterID string) (string, error) {
	body, err := json.Marshal(v1.CreateRequest{RequesterID: requesterID})
	if err != nil {
		return "", err
	}
	var out v1.CreateResponse
	if err := c.do(ctx, http.MethodPost, v1.PathRequests, body, &out); err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("create: %w: empty requestId", ErrTransport)
	}
	return out.RequestID, nil
}

// PollResult reads the current status of a request.
func (c *Client) PollResult(ctx context.Context, id string) (v1.ResultResponse, error) {
	var out v1.ResultResponse
	if err := c.do(ctx, http.MethodGet, v1.RequestPath(id), nil, &out); err != nil {
		return v1.ResultResponse{}, fmt.Errorf("poll result: %w", err)
	}
	return out, nil
}

// Link fetches the viewer-facing URL advertised by the relay.
func (c *Client) Link(ctx context.Context) (v1.LinkResponse, error) {
	var out v1.LinkResponse
	if err := c.do(ctx, http.MethodGet, "/link", nil, &out); err != nil {
		return v1.LinkResponse{}, fmt.Errorf("link: %w", err)
	}
	return out, nil
}

// Watch opens the push stream for id and returns once the request completes.
// A stream that closes early returns ErrTransport so callers can fall back to polling.
func (c *Client) Watch(ctx context.Context, id string) (v1.ResultResponse, error) {
	conn, resp, err := websocket.Dial(ctx, wsBaseURL(c.base)+v1.RequestVerbPath(id, v1.VerbWatch), &websocket.DialOptions{
		Subprotocols: []string{v1.WatchSubprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return v1.ResultResponse{}, fmt.Errorf("watch: %w", ErrNotFound)
		}
		if ctx.Err() != nil {
			return v1.ResultResponse{}, ctx.Err()
		}
		return v1.ResultResponse{}, fmt.Errorf("watch: %w: %v", ErrTransport, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxResultBytes)

	for {
		var ev v1.WatchEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return v1.ResultResponse{}, ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return v1.ResultResponse{}, fmt.Errorf("watch: %w", ErrNotFound)
			}
			return v1.ResultResponse{}, fmt.Errorf("watch: %w: %v", ErrTransport, err)
		}
		if err := ev.Validate(); err != nil {
			return v1.ResultResponse{}, fmt.Errorf("watch: %w: %v", ErrTransport, err)
		}
		if ev.Status == v1.StatusCompleted {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return v1.ResultResponse{Status: ev.Status, Payload: ev.Payload}, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var er v1.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Code != "" {
			return fmt.Errorf("%w: %d %s: %s", ErrTransport, resp.StatusCode, er.Error.Code, er.Error.Message)
		}
		return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrTransport, err)
	}
	return nil
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
