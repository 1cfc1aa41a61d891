package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
)

const (
	applyPath  = "/api/v1/sync/apply"
	healthPath = "/healthz"
)

// errorBody is the JSON error shape written by the server.
type errorBody struct {
	Error   string          `json:"error"`
	Current *domain.Product `json:"current,omitempty"`
}

// HTTPClient talks to the remote apply endpoint over HTTP.
type HTTPClient struct {
	client *resty.Client
	tokens TokenSource
}

func NewHTTPClient(baseURL string, timeout time.Duration, tokens TokenSource) *HTTPClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPClient{client: client, tokens: tokens}
}

func (c *HTTPClient) Close() error {
	return c.client.Close()
}

func (c *HTTPClient) Apply(ctx context.Context, userID string, env mutation.Envelope) (domain.ApplyResult, error) {
	token, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return domain.ApplyResult{}, &TransientError{Cause: err}
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(env).
		Post(applyPath)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.ApplyResult{}, ctx.Err()
		}
		return domain.ApplyResult{}, transient("apply %s: %v", env.ClientMutationID, err)
	}

	body := resp.String()
	switch status := resp.StatusCode(); {
	case status == http.StatusOK || status == http.StatusCreated:
		var result domain.ApplyResult
		if err := json.Unmarshal([]byte(body), &result); err != nil {
			return domain.ApplyResult{}, transient("decode apply response: %v", err)
		}
		return result, nil
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return domain.ApplyResult{}, &RejectedError{Reason: errorMessage(body, status)}
	case status == http.StatusConflict:
		var parsed errorBody
		if err := json.Unmarshal([]byte(body), &parsed); err != nil || parsed.Current == nil {
			return domain.ApplyResult{}, transient("conflict response without current state")
		}
		return domain.ApplyResult{}, &ConflictError{Current: *parsed.Current}
	default:
		// 401/403 usually mean an expired token that the host app will refresh.
		return domain.ApplyResult{}, transient("apply %s: status %d: %s", env.ClientMutationID, status, errorMessage(body, status))
	}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(healthPath)
	if err != nil {
		return transient("ping: %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return transient("ping: status %d", resp.StatusCode())
	}
	return nil
}

func errorMessage(body string, status int) string {
	var parsed errorBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("http %d", status)
}

var _ Store = (*HTTPClient)(nil)
