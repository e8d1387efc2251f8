// Package integrations holds the HTTP plumbing shared by the external
// capability clients: spacing, retry with exponential backoff, status
// classification and trace propagation.
package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/telemetry"
)

// maxBodyBytes caps how much of a capability response is read.
const maxBodyBytes = 4 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryPolicy bounds the attempts made for a single logical call.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy waits 2s, then doubles up to 10s between attempts.
func DefaultRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, InitialInterval: 2 * time.Second, MaxInterval: 10 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx) //nolint:gosec
}

// Waiter blocks until the caller may issue its next request.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Fetcher issues GET requests and decodes JSON bodies.
type Fetcher struct {
	Client    *http.Client
	Spacer    Waiter
	Policy    RetryPolicy
	UserAgent string
	Scope     string // instrumentation scope and span name prefix

	// OnRetry, when set, is told about every failed attempt that will be retried.
	OnRetry func(err error, wait time.Duration)
}

// GetJSON fetches url and decodes the body into out. Transport errors, 429
// and 5xx are retried under Policy; other statuses and decode failures are
// returned at once.
func (f *Fetcher) GetJSON(ctx context.Context, url string, out any) error {
	ctx, span := telemetry.Tracer(f.Scope).Start(ctx, f.Scope+".get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	attempts := 0
	op := func() error {
		attempts++
		if f.Spacer != nil {
			if err := f.Spacer.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := f.do(ctx, url, out)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if f.OnRetry != nil {
			f.OnRetry(err, wait)
		}
	}
	err := backoff.RetryNotify(op, f.Policy.backOff(ctx), notify)
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (f *Fetcher) do(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
