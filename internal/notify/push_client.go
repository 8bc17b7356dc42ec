package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type PushClientOptions struct {
	Endpoint      string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPPushClient posts outbound items as JSON to a push gateway.
type HTTPPushClient struct {
	endpoint      string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	tracer        trace.Tracer
}

func NewHTTPPushClient(opts PushClientOptions) *HTTPPushClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "relayhub-push/1"
	}
	return &HTTPPushClient{
		endpoint:      strings.TrimSpace(opts.Endpoint),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		tracer:        otel.Tracer("relayhub/notify"),
	}
}

// NewPushSender returns an HTTP client for endpoint, or a no-op sender when
// endpoint is empty.
func NewPushSender(endpoint, token string) PushSender {
	if strings.TrimSpace(endpoint) == "" {
		return NoopPushSender{}
	}
	return NewHTTPPushClient(PushClientOptions{Endpoint: endpoint, TokenProvider: StaticToken(token)})
}

func (c *HTTPPushClient) Push(ctx context.Context, item OutboundItem) error {
	if c.endpoint == "" {
		return fmt.Errorf("push endpoint is not configured")
	}
	ctx, span := c.tracer.Start(ctx, "notify.push", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("notification.id", item.NotificationID),
		attribute.String("notification.priority", string(item.Priority)),
		attribute.Int("notification.attempt", item.Attempt),
	))
	defer span.End()

	err := c.push(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *HTTPPushClient) push(ctx context.Context, item OutboundItem) error {
	token := ""
	if c.tokenProvider != nil {
		var err error
		if token, err = c.tokenProvider(ctx); err != nil {
			return err
		}
		token = strings.TrimSpace(token)
	}
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Idempotency-Key", item.NotificationID)
		req.Header.Set("X-Correlation-Id", "push_"+item.NotificationID)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return pushError(resp.StatusCode, respBody)
	}
}

func pushError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		if parsed.Code != "" {
			return fmt.Errorf("push failed: status=%d code=%s message=%s", status, parsed.Code, message)
		}
	}
	return fmt.Errorf("push failed: status=%d message=%s", status, message)
}

func (c *HTTPPushClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if wait := parseRetryAfter(retryAfter); wait > 0 {
		return min(wait, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
