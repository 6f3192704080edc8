package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Client is a minimal Bot API client bound to a single bot token.
// One client lives per running tenant.
type Client struct {
	httpClient *http.Client
	apiBase    string
	token      string
}

// APIError представляет ошибку Telegram API
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// Blocked reports whether the recipient can never be reached again:
// the user blocked the bot, deleted the account, or the chat is gone.
func (e *APIError) Blocked() bool {
	if e.Code == 403 {
		return true
	}
	desc := strings.ToLower(e.Description)
	return strings.Contains(desc, "blocked") ||
		strings.Contains(desc, "deactivated") ||
		strings.Contains(desc, "chat not found")
}

// User представляет пользователя или бота Telegram
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Response представляет ответ от Telegram API
type Response struct {
	Ok          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		token:      token,
	}
}

// NewClientWithBase is used by tests to point the client at a stub server.
func NewClientWithBase(token, apiBase string) *Client {
	c := NewClient(token)
	c.apiBase = apiBase
	return c
}

// GetMe validates the token against the Bot API and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", url.Values{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SendMessage sends a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	params := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendPhoto sends a photo by Telegram file_id or a public URL, with an
// optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo, caption string) error {
	params := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"photo":   {photo},
	}
	if caption != "" {
		params.Set("caption", caption)
	}
	return c.call(ctx, "sendPhoto", params, nil)
}

func (c *Client) call(ctx context.Context, method string, params url.Values, result interface{}) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !apiResp.Ok {
		apiErr := &APIError{Code: apiResp.ErrorCode, Description: apiResp.Description}
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// IsBlocked reports whether err is a permanent recipient-unreachable error.
func IsBlocked(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Blocked()
}

// RetryAfter returns the server-requested wait time for rate-limit errors,
// zero otherwise.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
