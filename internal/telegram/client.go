// Package telegram is the delivery adapter for the Telegram Bot API.
// It reduces every send to one of three verdicts: success (nil),
// temporary failure (retry), permanent failure (record and move on).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable is returned without calling the API while the breaker
// holds it open. It is a temporary condition.
var ErrUnavailable = errors.New("telegram api unavailable")

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration // from parameters.retry_after on 429
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// Temporary reports whether the failure is worth retrying: throttling
// and server-side errors are, bad requests and blocked chats are not.
func (e *APIError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Temporary classifies an error from SendMessage for the retry loop.
// Anything that is not a definitive API verdict (transport failures,
// timeouts, open breaker) counts as temporary.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Temporary()
	}
	return true
}

// RetryAfterOf extracts the server-requested pause, if any.
func RetryAfterOf(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// IsBlocked reports whether the chat has blocked the bot (403). Such a
// recipient should be deactivated, not retried.
func IsBlocked(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code == http.StatusForbidden
	}
	return false
}

// Client talks to the Bot API for one bot token. A MicroBreaker guards
// the upstream so a dead API fails fast instead of burning the worker
// pool on timeouts.
type Client struct {
	apiURL string
	token  string
	client *http.Client
	br     *MicroBreaker
}

func NewClient(apiURL, token string, timeoutMs, failThreshold, openForMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if openForMs <= 0 {
		openForMs = 30000
	}

	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

type sendMessageReq struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage posts one text message to a chat. nil means delivered;
// classify errors with Temporary / IsBlocked / RetryAfterOf.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if !c.br.TryAcquire() {
		return ErrUnavailable
	}

	err := c.post(ctx, chatID, text)
	if err == nil {
		c.br.OnSuccess()
		return nil
	}

	// A 4xx verdict (including 429) means the API is alive; only
	// transport failures and 5xx trip the breaker.
	var ae *APIError
	if errors.As(err, &ae) && ae.Code < 500 {
		c.br.OnSuccess()
	} else {
		c.br.OnFailure()
	}

	return err
}

func (c *Client) post(ctx context.Context, chatID int64, text string) error {
	b, _ := json.Marshal(sendMessageReq{ChatID: chatID, Text: text})
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiURL, c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		if res.StatusCode/100 == 2 {
			return fmt.Errorf("decode response: %w", err)
		}
		return &APIError{Code: res.StatusCode, Description: res.Status}
	}
	if body.OK {
		return nil
	}

	code := body.ErrorCode
	if code == 0 {
		code = res.StatusCode
	}
	return &APIError{
		Code:        code,
		Description: body.Description,
		RetryAfter:  time.Duration(body.Parameters.RetryAfter) * time.Second,
	}
}
