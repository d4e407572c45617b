package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "screenrelay/shared/contracts/relay/v1"
)

const maxResponseBytes = 1 << 20

// Client speaks the agent half of the relay protocol.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the relay at baseURL. A nil httpClient gets one with timeout.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
	}
}

// BaseURL returns the relay URL the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/healthz", nil, nil)
}

// PollPending claims every pending request on the relay.
func (c *Client) PollPending(ctx context.Context) ([]v1.PendingRequest, error) {
	var out v1.PendingResponse
	if err := c.do(ctx, "poll_pending", http.MethodGet, v1.PathPending, nil, &out); err != nil {
		return nil, err
	}
	if !out.HasRequests {
		return nil, nil
	}
	return out.Requests, nil
}

// Upload stores payload as the result of request id.
func (c *Client) Upload(ctx context.Context, id string, payload []byte) error {
	body, err := json.Marshal(v1.UploadRequest{RequestID: id, Payload: payload})
	if err != nil {
		return err
	}
	var out v1.UploadResponse
	return c.do(ctx, "upload", http.MethodPost, v1.RequestVerbPath(id, v1.VerbUpload), body, &out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: %w: read body: %v", op, ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var er v1.ErrorResponse
		if json.Unmarshal(raw, &er) == nil {
			se.Code, se.Message = er.Error.Code, er.Error.Message
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: decode: %v", op, ErrTransport, err)
	}
	return nil
}

// isTransport reports whether err should count toward the consecutive error budget.
func isTransport(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && errors.Is(err, ErrTransport)
}
