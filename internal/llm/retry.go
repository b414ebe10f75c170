package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns the per-turn retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// RateLimitError carries a provider's explicit retry-after hint, when one
// was present on the HTTP response, distinct from the generic transient
// errors isRetryable has to pattern-match out of an error string.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// IsLongWait reports whether the server asked for a wait so long that
// retrying automatically isn't worthwhile.
func (e *RateLimitError) IsLongWait() bool {
	return e.RetryAfter > 2*time.Minute
}

// RetryProvider wraps a provider with automatic retry on transient errors
// and an optional client-side rate limiter that smooths bursts (several
// contributors starting a turn at once) before they ever reach the
// provider's own 429 handling.
type RetryProvider struct {
	inner   Provider
	config  RetryConfig
	limiter *rate.Limiter
}

// WrapWithRetry wraps a provider with retry logic.
func WrapWithRetry(p Provider, config RetryConfig) Provider {
	return &RetryProvider{inner: p, config: config}
}

// WrapWithRetryLimited additionally bounds outgoing Stream calls to at most
// ratePerSec per second, with a burst allowance of burst.
func WrapWithRetryLimited(p Provider, config RetryConfig, ratePerSec float64, burst int) Provider {
	return &RetryProvider{inner: p, config: config, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (r *RetryProvider) Name() string             { return r.inner.Name() }
func (r *RetryProvider) Credential() string       { return r.inner.Credential() }
func (r *RetryProvider) Capabilities() Capabilities { return r.inner.Capabilities() }

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, out chan<- Event) error {
		var lastErr error

		for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}

			stream, err := r.inner.Stream(ctx, req)
			if err == nil {
				err = r.forwardEvents(ctx, stream, out)
				if err == nil {
					return nil
				}
			}
			if !isRetryable(err) {
				return err
			}
			lastErr = err

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= r.config.MaxAttempts {
				break
			}

			wait := r.calculateBackoff(attempt, lastErr)

			select {
			case out <- Event{Type: EventRetry, RetryAttempt: attempt, RetryMaxAttempts: r.config.MaxAttempts, RetryWaitSecs: wait.Seconds()}:
			case <-ctx.Done():
				return ctx.Err()
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		return lastErr
	}), nil
}

// forwardEvents drains the inner stream into out, returning whatever
// (possibly retryable) error ended it.
func (r *RetryProvider) forwardEvents(ctx context.Context, stream Stream, out chan<- Event) error {
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if event.Type == EventError && event.Err != nil {
			return event.Err
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryable reports whether err is a transient condition worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return !rle.IsLongWait()
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "high concurrency") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}

// retryAfterRegex matches Retry-After values embedded in error text.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff computes the wait duration for a retry attempt: an
// explicit RateLimitError.RetryAfter wins, then a Retry-After parsed out of
// the error text, then exponential backoff with +/-25% jitter.
func (r *RetryProvider) calculateBackoff(attempt int, err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return capDuration(rle.RetryAfter, r.config.MaxBackoff)
	}

	if err != nil {
		if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
			if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
				return capDuration(time.Duration(secs)*time.Second, r.config.MaxBackoff)
			}
		}
	}

	backoff := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	jitter := (rand.Float64() - 0.5) * 0.5 * backoff
	backoff += jitter

	return capDuration(time.Duration(backoff), r.config.MaxBackoff)
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// newEventStream adapts a generator function that pushes Events onto a
// channel into a pull-driven Stream. The generator runs on its own
// goroutine; Recv blocks until an event, the generator's terminal error, or
// context cancellation.
func newEventStream(ctx context.Context, generate func(ctx context.Context, out chan<- Event) error) Stream {
	s := &eventStream{
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		s.genErr = generate(ctx, s.events)
		close(s.done)
	}()
	return s
}

type eventStream struct {
	events chan Event
	done   chan struct{}
	genErr error
}

func (s *eventStream) Recv() (Event, error) {
	event, ok := <-s.events
	if !ok {
		<-s.done
		if s.genErr != nil {
			return Event{}, s.genErr
		}
		return Event{}, io.EOF
	}
	return event, nil
}

func (s *eventStream) Close() error { return nil }
