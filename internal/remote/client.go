// Package remote is a thin HTTP client for the hosted backend. The sync
// engine consumes it through small per-package interfaces; nothing here
// holds state beyond the connection settings.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the backend has no row for the request.
var ErrNotFound = errors.New("remote: not found")

// Message is the authoritative message representation on the wire.
type Message struct {
	ID        string `json:"id"`
	GroupID   string `json:"group_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	Kind      string `json:"msg_type"`
	Category  string `json:"category,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Ghost     bool   `json:"is_ghost"`
	DedupeKey string `json:"dedupe_key,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Cursor is a remote read-cursor row.
type Cursor struct {
	GroupID   string `json:"group_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"last_read_message_id"`
	ReadAt    int64  `json:"last_read_at"`
}

// Client talks to the hosted backend over authenticated JSON/HTTP.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// NewClient creates a backend client. baseURL has no trailing slash.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
	}
}

// SendMessage delivers one outbound message. The dedupe key travels with the
// payload so the backend and other devices can match it to a provisional copy.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	return c.do(ctx, http.MethodPost, "/messages", msg, nil)
}

// FetchMessage retrieves the authoritative copy of a message by id.
func (c *Client) FetchMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+id, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IssuePseudonym asks the backend for the anonymous display name of a
// (group, user) pair.
func (c *Client) IssuePseudonym(ctx context.Context, groupID, userID string) (string, error) {
	req := map[string]string{"group_id": groupID, "user_id": userID}
	var resp struct {
		Pseudonym string `json:"pseudonym"`
	}
	if err := c.do(ctx, http.MethodPost, "/rpc/issue_pseudonym", req, &resp); err != nil {
		return "", err
	}
	return resp.Pseudonym, nil
}

// SyncPseudonym publishes a locally generated pseudonym so other devices
// resolve the same name.
func (c *Client) SyncPseudonym(ctx context.Context, groupID, userID, pseudonym string) error {
	req := map[string]string{"group_id": groupID, "user_id": userID, "pseudonym": pseudonym}
	return c.do(ctx, http.MethodPost, "/rpc/sync_pseudonym", req, nil)
}

// PushCursor uploads the local read cursor for a (group, user).
func (c *Client) PushCursor(ctx context.Context, cur Cursor) error {
	return c.do(ctx, http.MethodPost, "/read_cursors", cur, nil)
}

// PullCursor downloads the remote read cursor for a (group, user).
func (c *Client) PullCursor(ctx context.Context, groupID, userID string) (*Cursor, error) {
	var cur Cursor
	path := fmt.Sprintf("/read_cursors/%s/%s", groupID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &cur); err != nil {
		return nil, err
	}
	return &cur, nil
}

// Ping probes backend reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
