// Package chatsync keeps a local, optimistic view of a chat conversation
// consistent with a server reached over an unreliable, reconnecting socket
// channel, while concurrently uploading attachments and driving a
// press-and-hold audio recording gesture.
//
// Example:
//
//	client := chatsync.NewClient("https://api.souk.app",
//		chatsync.WithToken(token),
//	)
//	session := client.NewSession("user-1", "user-2", nil)
//	if err := session.Start(ctx); err != nil { ... }
//	defer session.Close()
//
//	session.OnMessage(func(msg chatsync.Message) { render(msg) })
//	session.SendText(ctx, "hello")
package chatsync

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

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds every plain HTTP call the client makes.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP side of the chat core: session bootstrap, attachment
// upload, and attachment download all go through it. Socket traffic is owned
// by Session.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger installs a structured logger. The default discards everything.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a chat client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &result, nil
}

// resolveURL normalizes a possibly-relative URL against the client base so
// attachment URLs are always directly fetchable.
func (c *Client) resolveURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

// socketURL derives the websocket endpoint from the HTTP base URL.
func (c *Client) socketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Chat bootstrap
// ============================================================================

// ChatInit is the response of the chat bootstrap endpoint: the session id
// plus the initial message history, newest first.
type ChatInit struct {
	ChatID   string        `json:"chatId"`
	Messages []wireMessage `json:"messages"`
}

// InitChat creates (or resumes) the chat session between two users and
// returns its id and history.
func (c *Client) InitChat(ctx context.Context, senderID, receiverID string) (*ChatInit, error) {
	data, status, err := c.doRequest(ctx, "POST", "/chats/init", map[string]string{
		"senderId":   senderID,
		"receiverId": receiverID,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("chat init failed with HTTP %d", status)
	}
	init, err := decodeJSON[ChatInit](data)
	if err != nil {
		return nil, err
	}
	if init.ChatID == "" {
		return nil, fmt.Errorf("%w: chat init returned no chatId", ErrMalformedResponse)
	}
	return init, nil
}

// historyToMessages maps bootstrap history into timeline shape, normalizing
// attachment URLs so they are fetchable as returned.
func (c *Client) historyToMessages(history []wireMessage) []*Message {
	msgs := make([]*Message, 0, len(history))
	for i := range history {
		msg := messageFromWire(&history[i])
		if msg.Attachment != nil {
			msg.Attachment.URL = c.resolveURL(msg.Attachment.URL)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
