package wingcache

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
)

// Client sends control messages to a running service's admin endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Send posts msg and decodes the reply. A reply carrying an error field is
// returned as an error.
func (c *Client) Send(ctx context.Context, msg ControlMessage) (ControlResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return ControlResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/control", bytes.NewReader(body))
	if err != nil {
		return ControlResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ControlResponse{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBody))
	if err != nil {
		return ControlResponse{}, fmt.Errorf("read %s reply: %w", msg.Type, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ControlResponse{}, fmt.Errorf("%s: %s: %s", msg.Type, resp.Status, strings.TrimSpace(string(b)))
	}
	var out ControlResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return ControlResponse{}, fmt.Errorf("decode %s reply: %w", msg.Type, err)
	}
	if out.Error != "" {
		return out, errors.New(out.Error)
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (ControlResponse, error) {
	return c.Send(ctx, ControlMessage{Type: MsgGetCacheStatus})
}

func (c *Client) ClearCache(ctx context.Context, clearStatic bool) error {
	_, err := c.Send(ctx, ControlMessage{Type: MsgClearCache, ClearStatic: clearStatic})
	return err
}

func (c *Client) PrecacheRoutes(ctx context.Context, routes []string) error {
	_, err := c.Send(ctx, ControlMessage{Type: MsgPrecacheRoutes, Routes: routes})
	return err
}

func (c *Client) PreloadRoute(ctx context.Context, route string) error {
	_, err := c.Send(ctx, ControlMessage{Type: MsgPreloadRoute, Route: route})
	return err
}

func (c *Client) Sync(ctx context.Context, tag string) error {
	_, err := c.Send(ctx, ControlMessage{Type: MsgSync, Tag: tag})
	return err
}
