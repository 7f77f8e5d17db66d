// Package sendapi posts proactive text messages to the messaging
// platform's push endpoint, outside the callback request/response cycle.
// The gateway uses it for welcome messages on subscribe events.
package sendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/section9-dev/aramaki/common/retry"
	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
)

const defaultTimeout = 10 * time.Second

// ErrNoPushURL is returned when the account has no push endpoint
// configured; such accounts can only answer inbound callbacks.
var ErrNoPushURL = errors.New("sendapi: account has no push_url")

// errServer marks a 5xx response so the retry policy can tell transient
// server trouble apart from permanent rejections.
var errServer = errors.New("sendapi: server error")

// Config configures the push client.
type Config struct {
	// Timeout is the per-attempt HTTP timeout. Defaults to 10 s.
	Timeout time.Duration

	// Retry controls how transport failures and 5xx responses are
	// retried. Zero value falls back to retry.DefaultConfig.
	Retry retry.Config
}

// Client posts text messages to account push endpoints. Safe for
// concurrent use.
type Client struct {
	http  *http.Client
	retry retry.Config
}

// New returns a push client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	cfg.Retry.Retryable = func(err error) bool {
		// Transport errors and 5xx are worth another attempt; anything
		// the platform explicitly rejected is not.
		var apiErr *APIError
		return !errors.As(err, &apiErr)
	}
	return &Client{
		http:  &http.Client{Timeout: cfg.Timeout},
		retry: cfg.Retry,
	}
}

// APIError is a platform-level rejection (non-zero errcode).
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sendapi: platform error %d: %s", e.Code, e.Message)
}

// --- minimal push wire types ---

type pushRequest struct {
	ChatID  string   `json:"chatid,omitempty"`
	MsgType string   `json:"msgtype"`
	Text    pushText `json:"text"`
}

type pushText struct {
	Content string `json:"content"`
}

type pushResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   string `json:"msgid"`
}

// Send posts a text message to the account's push endpoint, addressed to
// recipient (a chat ID; may be empty when the endpoint implies the
// destination). It returns the platform-assigned message ID.
func (c *Client) Send(ctx context.Context, acc accounts.Account, recipient, text string) (string, error) {
	if acc.PushURL == "" {
		return "", ErrNoPushURL
	}

	data, err := json.Marshal(pushRequest{
		ChatID:  recipient,
		MsgType: "text",
		Text:    pushText{Content: text},
	})
	if err != nil {
		return "", fmt.Errorf("sendapi: marshal request: %w", err)
	}

	var msgID string
	err = retry.Do(ctx, c.retry, func() error {
		id, err := c.post(ctx, acc.PushURL, data)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sendapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendapi: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("sendapi: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: HTTP %d", errServer, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var pr pushResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", fmt.Errorf("sendapi: decode response: %w", err)
	}
	if pr.ErrCode != 0 {
		return "", &APIError{Code: pr.ErrCode, Message: pr.ErrMsg}
	}
	return pr.MsgID, nil
}
