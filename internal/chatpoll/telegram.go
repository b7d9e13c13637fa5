// Package chatpoll bridges a Telegram bot to the pulse queue: messages from
// the authorized peer become immediate critical pulses via the HTTP API.
package chatpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// longPollSeconds is the getUpdates timeout. The server holds the request
// open until a message arrives or the window closes.
const longPollSeconds = 100

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// DisplayName returns the best human-readable name for a user.
func (u *User) DisplayName() string {
	if u == nil {
		return "unknown"
	}
	if u.Username != "" {
		return u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return strconv.FormatInt(u.ID, 10)
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// TelegramClient is a minimal Bot API client covering getMe and getUpdates.
type TelegramClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewTelegramClient creates a client against the production Bot API.
func NewTelegramClient(token string) *TelegramClient {
	return NewTelegramClientWithBaseURL(token, "https://api.telegram.org")
}

// NewTelegramClientWithBaseURL allows tests to point at a local server.
func NewTelegramClientWithBaseURL(token, baseURL string) *TelegramClient {
	return &TelegramClient{
		baseURL: baseURL,
		token:   token,
		// Client timeout sits above the long-poll window so the server, not
		// the client, closes idle polls.
		http: &http.Client{Timeout: (longPollSeconds + 30) * time.Second},
	}
}

func (c *TelegramClient) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("invalid %s response: %w", method, err)
	}
	if !envelope.OK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
			return &FatalError{Message: fmt.Sprintf("%s rejected: %s", method, envelope.Description)}
		}
		return fmt.Errorf("%s failed: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("invalid %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe verifies the bot token and returns the bot identity.
func (c *TelegramClient) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates with id greater than offset.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(longPollSeconds))
	params.Set("allowed_updates", `["message"]`)
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// FatalError marks failures that polling must not retry, such as a rejected
// bot token. The process exits non-zero so the operator notices.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return e.Message
}
