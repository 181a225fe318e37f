// Package api is the HTTP client for the research-assistant backend. It
// implements the engine's Backend capability (the streaming generation POST
// and the durable partial-message persist) plus the plain conversation CRUD
// the store's refresh path needs.
package api

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

	"go.uber.org/zap"

	"scribe/agent"
	"scribe/model"
)

const defaultBaseURL = "http://localhost:8000"

// Client talks to one backend instance. The zero request timeout applies to
// the non-streaming calls only; the streaming POST is bounded by the
// caller's context, never by a client-side deadline (a generation may
// legitimately run for minutes).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	log     *zap.Logger
}

// New creates a client. token may be empty for unauthenticated backends; a
// nil logger is replaced with a nop one.
func New(baseURL, token string, log *zap.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{}, // no timeout: the body streams until the generation ends
		log:     log,
	}, nil
}

// OpenStream implements agent.Backend: one POST whose response body streams
// line-delimited events until the generation finalizes. Cancelling ctx
// aborts the request and stops the body promptly — that client-side abort is
// the protocol's only cancellation mechanism for the streaming path.
func (c *Client) OpenStream(ctx context.Context, genReq agent.GenerationRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	c.log.Debug("stream opened",
		zap.Int64("conversation", genReq.ConversationID),
		zap.Int("message_len", len(genReq.Message)))
	return resp.Body, nil
}

// PersistPartial implements agent.Backend: the ordinary non-streaming POST
// the stop path uses to reconcile an interrupted generation with the
// server's own record.
func (c *Client) PersistPartial(ctx context.Context, msg agent.PartialMessage) (model.Message, error) {
	var persisted model.Message
	err := c.doJSON(ctx, http.MethodPost, "/api/agent/messages", msg, &persisted)
	if err != nil {
		return model.Message{}, err
	}
	return persisted, nil
}

// ListConversations implements store.Lister.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var conversations []model.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// Conversation fetches one conversation with its full message history.
func (c *Client) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d", id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ArchiveConversation flips a conversation's archived flag server-side.
func (c *Client) ArchiveConversation(ctx context.Context, id int64, archived bool) error {
	body := map[string]bool{"archived": archived}
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", id), body, nil)
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

// doJSON runs one non-streaming request, encoding in and decoding the
// response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
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
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError extracts the backend's error description from a non-2xx
// response, falling back to the HTTP status.
func (c *Client) statusError(resp *http.Response) error {
	var apiErr struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("backend: %s", apiErr.Detail)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("backend: %s", apiErr.Error)
		}
	}
	return fmt.Errorf("backend: %s", resp.Status)
}
