package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydesk/internal/support"
)

// Client is the Conversation Store as the engines see it.
type Client interface {
	ListConversations(ctx context.Context) ([]support.Conversation, error)
	GetConversation(ctx context.Context, id string) (support.Conversation, error)
	CreateConversation(ctx context.Context, subject, content string, attachments []string) (support.Conversation, error)
	Reply(ctx context.Context, id, content string, attachments []string) (support.Conversation, error)
	SetStatus(ctx context.Context, id string, status support.Status) (support.Conversation, error)
	Accept(ctx context.Context, id string) (support.Conversation, error)
	// Edit changes the original message when replyID is empty.
	Edit(ctx context.Context, id, replyID, content string) (support.Conversation, error)
	DeleteReply(ctx context.Context, id, replyID string) (support.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id, messageID string) error
	MarkDelivered(ctx context.Context, id, messageID string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Token() string {
	return c.token
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]support.Conversation, error) {
	var out []support.Conversation
	err := c.doJSON(ctx, http.MethodGet, "/messages", nil, &out)
	return out, err
}

func (c *HTTPClient) GetConversation(ctx context.Context, id string) (support.Conversation, error) {
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodGet, conversationPath(id, ""), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateConversation(ctx context.Context, subject, content string, attachments []string) (support.Conversation, error) {
	body := map[string]any{
		"subject":     subject,
		"content":     content,
		"attachments": nonNilStrings(attachments),
	}
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/messages", body, &out)
	return out, err
}

func (c *HTTPClient) Reply(ctx context.Context, id, content string, attachments []string) (support.Conversation, error) {
	body := map[string]any{
		"content":     content,
		"attachments": nonNilStrings(attachments),
	}
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodPost, conversationPath(id, "reply"), body, &out)
	return out, err
}

func (c *HTTPClient) SetStatus(ctx context.Context, id string, status support.Status) (support.Conversation, error) {
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodPatch, conversationPath(id, "status"), map[string]any{"status": status}, &out)
	return out, err
}

func (c *HTTPClient) Accept(ctx context.Context, id string) (support.Conversation, error) {
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodPatch, conversationPath(id, "accept"), nil, &out)
	return out, err
}

func (c *HTTPClient) Edit(ctx context.Context, id, replyID, content string) (support.Conversation, error) {
	body := map[string]any{"content": content}
	if strings.TrimSpace(replyID) != "" {
		body["replyId"] = strings.TrimSpace(replyID)
	}
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodPatch, conversationPath(id, "edit"), body, &out)
	return out, err
}

func (c *HTTPClient) DeleteReply(ctx context.Context, id, replyID string) (support.Conversation, error) {
	replyID = strings.TrimSpace(replyID)
	if replyID == "" {
		return support.Conversation{}, &support.RuleError{Kind: support.ErrValidation, Rule: "reply id is required"}
	}
	q := url.Values{}
	q.Set("replyId", replyID)
	var out support.Conversation
	err := c.doJSON(ctx, http.MethodDelete, conversationPath(id, "delete")+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) DeleteConversation(ctx context.Context, id string) error {
	var ack struct {
		Deleted bool   `json:"deleted"`
		ID      string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, conversationPath(id, "delete"), nil, &ack); err != nil {
		return err
	}
	if !ack.Deleted {
		return fmt.Errorf("%w: delete of %s was not acknowledged", ErrNetworkFailure, id)
	}
	return nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, id, messageID string) error {
	return c.doJSON(ctx, http.MethodPatch, conversationPath(id, "read"), map[string]any{"messageId": messageID}, nil)
}

func (c *HTTPClient) MarkDelivered(ctx context.Context, id, messageID string) error {
	return c.doJSON(ctx, http.MethodPatch, conversationPath(id, "delivered"), map[string]any{"messageId": messageID}, nil)
}

func conversationPath(id, action string) string {
	path := "/messages/" + url.PathEscape(strings.TrimSpace(id))
	if action != "" {
		path += "/" + action
	}
	return path
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// doJSON issues one request. Only GETs are retried: a mutation that timed
// out may still have landed, and repeating it could double a reply.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if method == http.MethodGet {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &transportError{err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &transportError{err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "desk_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
