// Package line talks to the LINE Messaging API: broadcasts, replies, profile
// lookups and quota, plus webhook parsing and signature checks.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lox/dustwatch/internal/httputil"
	"github.com/lox/dustwatch/internal/metrics"
)

const DefaultBaseURL = "https://api.line.me"

// MaxAttempts bounds delivery retries on 429 and 5xx responses.
const MaxAttempts = 5

// ErrRateLimited is returned when LINE still answers 429 after all retries.
var ErrRateLimited = errors.New("line: rate limited")

// APIError is a non-retryable or exhausted LINE API failure.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("line %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

type Client struct {
	token   string
	baseURL string
	client  *http.Client

	// newBackOff builds the retry schedule for one call.
	newBackOff func() backoff.BackOff
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		client:  httputil.NewClient(),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.Multiplier = 2
			bo.RandomizationFactor = 0.5
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// WithBaseURL points the client at another API host, for tests.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textMessages(texts []string) []TextMessage {
	msgs := make([]TextMessage, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, TextMessage{Type: "text", Text: t})
	}
	return msgs
}

// Broadcast sends texts (at most five) to every follower of the channel.
func (c *Client) Broadcast(ctx context.Context, texts ...string) error {
	body := struct {
		Messages []TextMessage `json:"messages"`
	}{textMessages(texts)}
	// The retry key makes LINE drop duplicates when a retried request had in
	// fact been accepted.
	retryKey := uuid.NewString()
	return c.call(ctx, "broadcast", http.MethodPost, "/v2/bot/message/broadcast", body, retryKey, nil)
}

// Reply answers a webhook event using its reply token.
func (c *Client) Reply(ctx context.Context, replyToken string, texts ...string) error {
	body := struct {
		ReplyToken string        `json:"replyToken"`
		Messages   []TextMessage `json:"messages"`
	}{replyToken, textMessages(texts)}
	return c.call(ctx, "reply", http.MethodPost, "/v2/bot/message/reply", body, "", nil)
}

type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
}

func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := c.call(ctx, "profile", http.MethodGet, "/v2/bot/profile/"+url.PathEscape(userID), nil, "", &p)
	return p, err
}

// Quota is the monthly message allowance. Type is "none" when unlimited.
type Quota struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
}

func (c *Client) Quota(ctx context.Context) (Quota, error) {
	var q Quota
	err := c.call(ctx, "quota", http.MethodGet, "/v2/bot/message/quota", nil, "", &q)
	return q, err
}

// QuotaConsumption returns the number of messages sent this month.
func (c *Client) QuotaConsumption(ctx context.Context) (int64, error) {
	var resp struct {
		TotalUsage int64 `json:"totalUsage"`
	}
	err := c.call(ctx, "quota_consumption", http.MethodGet, "/v2/bot/message/quota/consumption", nil, "", &resp)
	return resp.TotalUsage, err
}

func (c *Client) call(ctx context.Context, endpoint, method, path string, in any, retryKey string, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("line %s: marshal: %w", endpoint, err)
		}
	}

	attempt := 0
	var lastStatus int
	operation := func() error {
		attempt++
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if retryKey != "" {
			req.Header.Set("X-Line-Retry-Key", retryKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.LineAPICalls.WithLabelValues(endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("line %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode
		metrics.LineAPICalls.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		// A 409 on a retried broadcast means the first attempt went through.
		if resp.StatusCode == http.StatusConflict && retryKey != "" && attempt > 1 {
			return nil
		}
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(b)}
			if httputil.Retryable(resp.StatusCode) {
				log.Printf("line: %s attempt %d/%d: status %d", endpoint, attempt, MaxAttempts, resp.StatusCode)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("line %s: decode: %w", endpoint, err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), MaxAttempts-1), ctx)
	err := backoff.Retry(operation, bo)
	if err != nil && lastStatus == http.StatusTooManyRequests {
		return fmt.Errorf("%w after %d attempts: %v", ErrRateLimited, attempt, err)
	}
	return err
}

// QuotaSummary formats this month's usage against the allowance for chat.
func (c *Client) QuotaSummary(ctx context.Context) (string, error) {
	q, err := c.Quota(ctx)
	if err != nil {
		return "", err
	}
	used, err := c.QuotaConsumption(ctx)
	if err != nil {
		return "", err
	}
	if q.Type == "none" {
		return fmt.Sprintf("本月已發送 %d 則訊息（無額度上限）", used), nil
	}
	return fmt.Sprintf("本月訊息額度：已使用 %d / %d，剩餘 %d", used, q.Value, max(q.Value-used, 0)), nil
}
