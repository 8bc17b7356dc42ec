package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Query identifies what a subscription fetches.
type Query struct {
	UserID  string         `json:"userId"`
	Type    string         `json:"type"`
	Target  *Target        `json:"target,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

// Source fetches current metrics from the analytics backend.
type Source interface {
	Fetch(ctx context.Context, q Query) (Snapshot, error)
}

type SourceFunc func(ctx context.Context, q Query) (Snapshot, error)

func (f SourceFunc) Fetch(ctx context.Context, q Query) (Snapshot, error) {
	return f(ctx, q)
}

// UnconfiguredSource fails every fetch. Subscriptions still run and retry
// on each tick.
type UnconfiguredSource struct{}

func (UnconfiguredSource) Fetch(context.Context, Query) (Snapshot, error) {
	return nil, fmt.Errorf("%w: no analytics source configured", ErrUpstream)
}

type HTTPSourceOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSource posts the query to {BaseURL}/v1/metrics/query and expects
// {"metrics": {"field": number}}.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	tracer     trace.Tracer
}

func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		tracer:     otel.Tracer("relayhub/analytics"),
	}
}

type metricsResponse struct {
	Metrics map[string]json.Number `json:"metrics"`
}

func (s *HTTPSource) Fetch(ctx context.Context, q Query) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "analytics.fetch", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("analytics.type", q.Type),
		attribute.String("user.id", q.UserID),
	))
	defer span.End()

	snapshot, err := s.fetch(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("analytics.fields", len(snapshot)))
	return snapshot, nil
}

func (s *HTTPSource) fetch(ctx context.Context, q Query) (Snapshot, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("%w: analytics source url is empty", ErrUpstream)
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/metrics/query", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", fmt.Sprintf("analytics_%d", time.Now().UnixNano()))
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return decodeMetrics(payload)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < s.maxRetries {
			if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return nil, &SourceError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func decodeMetrics(payload []byte) (Snapshot, error) {
	var decoded metricsResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode metrics: %v", ErrUpstream, err)
	}
	snapshot := make(Snapshot, len(decoded.Metrics))
	for field, raw := range decoded.Metrics {
		value, err := raw.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: metric %s is not numeric", ErrUpstream, field)
		}
		snapshot[field] = value
	}
	return snapshot, nil
}

// SourceError is a non-retryable HTTP failure from the analytics source.
type SourceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SourceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("analytics source http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("analytics source http %d: %s", e.StatusCode, e.Message)
}

func (e *SourceError) Is(target error) bool {
	return target == ErrUpstream
}

func (s *HTTPSource) retryDelay(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		return min(time.Duration(seconds)*time.Second, s.maxDelay)
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return min(delay, s.maxDelay)
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

var _ Source = (*HTTPSource)(nil)

func isUpstream(err error) bool {
	return errors.Is(err, ErrUpstream)
}
