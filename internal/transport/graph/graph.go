// Package graph implements a Transport that sends batches through the
// Microsoft Graph sendMail endpoint in MIME format.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailfanout/internal/transport"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Transport posts base64-encoded MIME messages to Graph. Graph reads the
// recipients from the message headers, so the Bcc header is included.
type Transport struct {
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	baseDelay  time.Duration
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New creates a Transport that sends as cfg.Sender.
func New(cfg Config) *Transport {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Transport with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		baseDelay:  baseRetryDelay,
	}
}

// Name returns the transport name.
func (g *Transport) Name() string {
	return "msgraph"
}

// Send delivers env via the Graph API. It retries transient failures with
// exponential backoff, honors Retry-After on HTTP 429 and refreshes the
// token once on HTTP 401.
func (g *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	raw, err := env.Render(true)
	if err != nil {
		return fmt.Errorf("failed to build MIME message: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := g.doSendRequest(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return err
		}

		switch {
		case graphErr.permanent:
			return graphErr
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			continue
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay := g.retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API",
				"retry_after", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		case graphErr.transient:
			delay := backoffDelay(g.baseDelay, attempt)
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		default:
			return graphErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// doSendRequest performs one POST of the encoded MIME message.
func (g *Transport) doSendRequest(ctx context.Context, payload string) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is a classified Graph API failure.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay uses the Retry-After header when it holds a positive
// number of seconds, and exponential backoff otherwise.
func (g *Transport) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(g.baseDelay, attempt)
}

// backoffDelay doubles base once per attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
