package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTP serves releases from a static file host such as a public bucket
// behind HTTPS.
type HTTP struct {
	client   *http.Client
	baseURL  string
	token    string
	attempts int
	backoff  time.Duration
}

func NewHTTP(baseURL, token string, attempts int, backoff time.Duration) *HTTP {
	return &HTTP{
		client:   &http.Client{Timeout: 10 * time.Minute},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		attempts: attempts,
		backoff:  backoff,
	}
}

func (h *HTTP) url(p string) string {
	if strings.Contains(p, "://") {
		return p
	}
	return h.baseURL + "/" + strings.TrimLeft(p, "/")
}

// get fetches url. A 404 is reported as notFound and never retried.
func (h *HTTP) get(ctx context.Context, method, url string, notFound error) ([]byte, error) {
	var body []byte
	err := withRetry(ctx, h.attempts, h.backoff, url, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return permanent(err)
		}
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		req.Header.Set("User-Agent", "geist-supervisor")

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return permanent(notFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return permanent(fmt.Errorf("%w: %s: HTTP %d", ErrFetchFailed, url, resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Fetched from repository", "url", url, "bytes", len(body))
	return body, nil
}

func (h *HTTP) Latest(ctx context.Context) (string, error) {
	body, err := h.get(ctx, http.MethodGet, h.url(latestPath()), fmt.Errorf("%w: no latest pointer", ErrVersionNotFound))
	if err != nil {
		return "", wrapFetch(err, "latest version")
	}
	return strings.TrimSpace(string(body)), nil
}

func (h *HTTP) Manifest(ctx context.Context, version string) ([]byte, error) {
	body, err := h.get(ctx, http.MethodGet, h.url(manifestPath(version)), fmt.Errorf("%w: %s", ErrVersionNotFound, version))
	if err != nil {
		return nil, wrapFetch(err, "manifest "+version)
	}
	return body, nil
}

func (h *HTTP) Fetch(ctx context.Context, version, ref string) ([]byte, error) {
	body, err := h.get(ctx, http.MethodGet, h.url(artifactPath(version, ref)), fmt.Errorf("%w: %s: not found", ErrFetchFailed, ref))
	if err != nil {
		return nil, wrapFetch(err, ref)
	}
	return body, nil
}

func (h *HTTP) Ping(ctx context.Context) error {
	_, err := h.get(ctx, http.MethodHead, h.url(latestPath()), fmt.Errorf("%w: no latest pointer", ErrVersionNotFound))
	return err
}
