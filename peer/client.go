// Package peer talks to another replica over its HTTP routes
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"authority-tree/models"
)

var ErrPeer = errors.New("peer request failed")

const maxResponseBytes = 64 << 20

type Client struct {
	baseURL string
	httpDo  func(*http.Request) (*http.Response, error)
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("peer base url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpDo: doer}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// LatestSnapshot fetches the peer's latest committed snapshot. It returns
// nil when the peer has none.
func (c *Client) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	status, err := c.do(ctx, http.MethodGet, "/snapshots/latest", nil, &snap)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Ops fetches the peer's live operations
func (c *Client) Ops(ctx context.Context) ([]models.AttestedOp, error) {
	var ops []models.AttestedOp
	if _, err := c.do(ctx, http.MethodGet, "/ops", nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// PublishSnapshot hands a committed snapshot to the peer
func (c *Client) PublishSnapshot(ctx context.Context, snap models.Snapshot) error {
	_, err := c.do(ctx, http.MethodPost, "/snapshots/committed", snap, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpDo(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrPeer, method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %w", ErrPeer, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %d %s", ErrPeer, method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding %s: %w", ErrPeer, path, err)
		}
	}
	return resp.StatusCode, nil
}
