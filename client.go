// Package dracoon is a client library for the DRACOON cloud storage
// REST API. It covers the OAuth2 token lifecycle with a rotating token
// pool, chunked uploads and downloads against both storage backends,
// and client-side end-to-end encryption via the cryptox subpackage.
//
// A session is built in two steps: Builder.Build returns a disconnected
// *Client, and Client.Connect exchanges credentials for tokens and
// returns a *Connected. All authenticated operations are methods on
// *Connected, so an unauthenticated call is a compile error rather than
// a runtime one.
package dracoon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Service limits and defaults. Retry bounds configured on the Builder
// are clamped to these.
const (
	apiPrefix = "/api/v4"

	// DefaultChunkSize is the transfer chunk size used when the caller
	// does not override it.
	DefaultChunkSize = 32 << 20 // 32 MiB

	maxRetries    = 5
	minRetryDelay = 600 * time.Millisecond
	maxRetryDelay = 20 * time.Second

	backoffFactor  = 2.0
	jitterFraction = 0.25

	pollingStartDelay = 300 * time.Millisecond
	missingKeysBatch  = 50

	defaultUserAgent = "dracoon-go/0.1"
)

// authorizer supplies the Authorization header value for a request.
// Implemented by the connected client's token pool; nil means the
// request goes out unauthenticated (token endpoint, presigned URLs).
type authorizer interface {
	authHeader(ctx context.Context) (string, error)
}

// rest is the HTTP core shared by all client states. It owns request
// construction, retry with exponential backoff, Retry-After handling,
// and error body classification.
type rest struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	retries  int
	minDelay time.Duration
	maxDelay time.Duration

	// sleepFunc is called to wait between retries and poll attempts.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// request describes one API or storage call. url may be relative to the
// client's base URL or absolute (presigned storage URLs, upload
// channels). body is buffered so retries can replay it.
type request struct {
	method      string
	url         string
	body        []byte
	contentType string
	header      http.Header
	auth        authorizer

	// storage marks requests against the storage backend, whose error
	// bodies are XML rather than the API's JSON shape.
	storage bool

	// oauth marks token endpoint requests, whose error bodies are
	// {error, error_description} and must never be retried as a whole
	// flow; 4xx answers surface as *AuthError.
	oauth bool
}

// do executes the request with retries. On success the caller owns the
// response body. Non-2xx responses are drained, classified and returned
// as *APIError or *StorageError; transport failures surface as
// *ConnectionError after retry exhaustion.
func (r *rest) do(ctx context.Context, req request) (*http.Response, error) {
	url := req.url
	if len(url) > 0 && url[0] == '/' {
		url = r.baseURL + url
	}

	var attempt int
	for {
		resp, err := r.doOnce(ctx, req, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dracoon: request canceled: %w", ctx.Err())
			}

			if attempt < r.retries {
				backoff := r.calcBackoff(attempt)
				r.logger.Warn("retrying after network error",
					slog.String("method", req.method),
					slog.String("url", url),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := r.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("dracoon: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, newConnectionError(fmt.Errorf("%s %s failed after %d retries: %w", req.method, url, r.retries, err))
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			r.logger.Debug("request succeeded",
				slog.String("method", req.method),
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < r.retries {
			backoff := r.retryBackoff(resp, attempt)
			r.logger.Warn("retrying after HTTP error",
				slog.String("method", req.method),
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := r.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("dracoon: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			r.logger.Error("request failed after retries",
				slog.String("method", req.method),
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		if req.storage {
			return nil, parseStorageError(resp.StatusCode, errBody)
		}

		if req.oauth && resp.StatusCode < http.StatusInternalServerError {
			var authErr AuthError
			if err := json.Unmarshal(errBody, &authErr); err == nil && authErr.Code != "" {
				return nil, &authErr
			}
		}

		return nil, parseAPIError(resp.StatusCode, resp.Header.Get("X-Request-Id"), errBody)
	}
}

// doOnce executes a single HTTP request (no retry). Each attempt gets a
// fresh X-Request-Id for server-side correlation.
func (r *rest) doOnce(ctx context.Context, req request, url string) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("User-Agent", r.userAgent)

	requestID := uuid.NewString()
	httpReq.Header.Set("X-Request-Id", requestID)

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	for key, values := range req.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	if req.auth != nil {
		header, err := req.auth.authHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		httpReq.Header.Set("Authorization", header)
	}

	r.logger.Debug("sending request",
		slog.String("method", req.method),
		slog.String("url", url),
		slog.String("request_id", requestID),
	)

	return r.httpClient.Do(httpReq)
}

// doJSON executes the request and decodes a JSON response body into out.
// Pass nil to discard the body.
func (r *rest) doJSON(ctx context.Context, req request, out any) error {
	resp, err := r.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dracoon: decoding response: %w", err)
	}

	return nil
}

// jsonBody marshals a request payload; marshal failures on our own
// types are programming errors.
func jsonBody(v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("dracoon: marshaling request body: %v", err))
	}

	return body
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (r *rest) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return r.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter, bounded by
// the configured delay window.
func (r *rest) calcBackoff(attempt int) time.Duration {
	backoff := float64(r.minDelay) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(r.maxDelay) {
		backoff = float64(r.maxDelay)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
