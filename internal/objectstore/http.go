package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const uploadMaxElapsed = 30 * time.Second

// HTTPConfig configures an HTTP object store speaking the common
// "PUT /object/{bucket}/{path}" storage API.
type HTTPConfig struct {
	Endpoint          string // API base, e.g. https://project.example/storage/v1
	Bucket            string
	APIKey            string
	RequestsPerSecond float64
	Client            *http.Client
}

// HTTP uploads objects to a remote storage API with rate limiting and retry
// on transient failures.
type HTTP struct {
	endpoint   string
	bucket     string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

// NewHTTP validates cfg and returns an uploader.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("objectstore endpoint and bucket are required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTP{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		bucket:   cfg.Bucket,
		apiKey:   cfg.APIKey,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		newBackOff: func() backoff.BackOff {
			// BackOff implementations are stateful; always return a fresh instance.
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = uploadMaxElapsed
			return bo
		},
	}, nil
}

// Upload PUTs data and returns the object's public URL.
func (s *HTTP) Upload(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, p)
	}
	escaped := escapePath(cleaned)
	target := fmt.Sprintf("%s/object/%s/%s", s.endpoint, s.bucket, escaped)

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("upload %s: %w", cleaned, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("upload %s: status %d: %s", cleaned, resp.StatusCode, strings.TrimSpace(string(body)))
		default:
			return backoff.Permanent(fmt.Errorf("upload %s: status %d: %s", cleaned, resp.StatusCode, strings.TrimSpace(string(body))))
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/object/public/%s/%s", s.endpoint, s.bucket, escaped), nil
}
