// Package upstream executes calls against the provider messages endpoint
// with bounded retries, exponential backoff with jitter, and respect for
// the provider's retry hints.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// Usage is the token accounting block the provider reports.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the final upstream response after retries. Non-2xx statuses
// that are not retryable are returned here too, so the orchestrator can
// forward them verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      Usage
	// Attempts is how many upstream calls were made, including the first.
	Attempts int
}

// Error wraps a transport-level failure: the last one once retries are
// exhausted, or the one that stopped the loop early (request build failure,
// open circuit breaker, canceled context).
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream call failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Caller posts request bodies to the configured endpoint using the proxy's
// own credential.
type Caller struct {
	url        string
	credential string
	version    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	policy     RetryPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randF func() float64
}

func NewCaller(url, credential, version string, timeout time.Duration, policy RetryPolicy) *Caller {
	st := gobreaker.Settings{
		Name:        "anthropic-upstream",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	}

	return &Caller{
		url:        url,
		credential: credential,
		version:    version,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cb:     gobreaker.NewCircuitBreaker(st),
		policy: policy,
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		randF: rand.Float64,
	}
}

// retryable reports whether the status warrants another attempt: the
// provider's rate-limit and overload signals plus generic server errors.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == 529 || status >= 500
}

// Call posts body to the upstream endpoint. Headers from the inbound
// request are forwarded except Host, Content-Length, Accept-Encoding and
// the credential headers; credentials are replaced with the proxy's own.
func (c *Caller) Call(ctx context.Context, body []byte, inbound http.Header) (*Response, error) {
	logger := slog.Default()
	var lastResp *Response
	var lastErr error

	attempts := c.policy.MaxRetries + 1
	made := 0
	for attempt := 0; attempt < attempts; attempt++ {
		made = attempt + 1
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, &Error{Attempts: attempt + 1, Err: err}
		}
		c.setHeaders(req, inbound)

		respAny, cbErr := c.cb.Execute(func() (interface{}, error) {
			return c.httpClient.Do(req)
		})
		if cbErr != nil {
			lastErr = cbErr
			lastResp = nil
			if cbErr == gobreaker.ErrOpenState || ctx.Err() != nil {
				break
			}
		} else {
			httpResp := respAny.(*http.Response)
			respBody, readErr := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			if readErr != nil {
				lastErr = readErr
				lastResp = nil
			} else {
				lastErr = nil
				lastResp = &Response{
					StatusCode: httpResp.StatusCode,
					Header:     httpResp.Header,
					Body:       respBody,
					Attempts:   attempt + 1,
				}
				if !retryable(httpResp.StatusCode) {
					lastResp.Usage = parseUsage(respBody)
					return lastResp, nil
				}
			}
		}

		if attempt == attempts-1 {
			break
		}

		delay := c.retryDelay(attempt, lastResp)
		logger.Warn("upstream attempt failed, backing off",
			"attempt", attempt+1, "max_attempts", attempts,
			"status", statusOf(lastResp), "delay_ms", delay.Milliseconds())
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &Error{Attempts: attempt + 1, Err: err}
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, &Error{Attempts: made, Err: lastErr}
}

func statusOf(r *Response) int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

func (c *Caller) setHeaders(req *http.Request, inbound http.Header) {
	for k, vv := range inbound {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "host", "content-length", "accept-encoding":
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.credential)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", c.version)
	}
}

// retryDelay picks the wait before the next attempt. Provider hints win
// over the default exponential backoff: a Retry-After header (seconds or
// HTTP-date), or a rate-limit reset timestamp within the next two minutes.
func (c *Caller) retryDelay(attempt int, resp *Response) time.Duration {
	if resp != nil {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			return capDelay(d, c.policy.MaxDelay)
		}
		if d, ok := parseRateLimitReset(resp.Header, c.now()); ok {
			return capDelay(d, c.policy.MaxDelay)
		}
	}

	delay := float64(c.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.policy.MaxDelay) {
		delay = float64(c.policy.MaxDelay)
	}
	delay += c.randF() * c.policy.JitterFraction * delay
	return capDelay(time.Duration(delay), c.policy.MaxDelay)
}

func capDelay(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// parseRetryAfter accepts both integer seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(secs)*time.Second + 500*time.Millisecond, true
	}
	if t, err := http.ParseTime(value); err == nil {
		return t.Sub(now) + 500*time.Millisecond, true
	}
	return 0, false
}

// parseRateLimitReset honors the provider's token-bucket reset timestamp
// when it lands within the next two minutes.
func parseRateLimitReset(h http.Header, now time.Time) (time.Duration, bool) {
	for _, key := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		v := h.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			continue
		}
		until := t.Sub(now)
		if until > 0 && until <= 2*time.Minute {
			return until + time.Second, true
		}
	}
	return 0, false
}

func parseUsage(body []byte) Usage {
	var parsed struct {
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Usage{}
	}
	return parsed.Usage
}
