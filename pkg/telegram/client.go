// Package telegram sends messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.telegram.org"

// ErrRecipientUnreachable is returned when the chat blocked the bot, was
// deleted, or never existed. Retrying cannot succeed.
var ErrRecipientUnreachable = eris.New("telegram: recipient unreachable")

// Client sends a text message to a chat.
type Client interface {
	SendMessage(ctx context.Context, chatID, text string) (*Message, error)
}

// Message is the subset of a sent message the caller needs.
type Message struct {
	MessageID int64 `json:"message_id"`
}

// APIError is a non-OK Bot API reply.
type APIError struct {
	StatusCode  int
	Description string
	// RetryAfter is set on 429 replies.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: status %d: %s", e.StatusCode, e.Description)
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Bot API client for token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SendMessage(ctx context.Context, chatID, text string) (*Message, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return nil, eris.Wrap(err, "telegram: marshal request")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "telegram: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "telegram: send request")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "telegram: read response")
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
		}
		return nil, eris.Wrap(err, "telegram: unmarshal response")
	}

	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := &APIError{
			StatusCode:  code,
			Description: ar.Description,
			RetryAfter:  time.Duration(ar.Parameters.RetryAfter) * time.Second,
		}
		if unreachable(apiErr) {
			return nil, eris.Wrapf(ErrRecipientUnreachable, "chat %s: %s", chatID, apiErr.Description)
		}
		return nil, apiErr
	}

	var msg Message
	if err := json.Unmarshal(ar.Result, &msg); err != nil {
		return nil, eris.Wrap(err, "telegram: unmarshal message")
	}
	return &msg, nil
}

// unreachable reports whether the reply means the chat cannot receive
// messages from this bot.
func unreachable(e *APIError) bool {
	if e.StatusCode == http.StatusForbidden {
		return true
	}
	d := strings.ToLower(e.Description)
	return e.StatusCode == http.StatusBadRequest &&
		(strings.Contains(d, "chat not found") || strings.Contains(d, "user is deactivated"))
}
