// Package download fetches plugin release archives over HTTP.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dmplugins/plugin-manager/internal/logutil"
	"github.com/dmplugins/plugin-manager/internal/metrics"
)

// ErrNetwork wraps transport failures (DNS, connect, TLS, truncated body).
var ErrNetwork = errors.New("network error")

// StatusError is a response with a non-2xx status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Fetcher downloads URLs to files.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher returns a Fetcher whose requests time out after timeout.
// Zero means no timeout beyond the caller's context.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch streams the body of GET url into dest, creating or truncating it,
// and returns the number of bytes written. On failure dest is removed.
// Redirects are followed (release "latest" links redirect to the asset).
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveDownload(n, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: GET %s: %v", ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	n, err = io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: read body of %s: %v", ErrNetwork, url, err)
	}

	log.Printf("[download] %s: %d bytes in %s", logutil.SanitizeForLog(url), n, time.Since(start).Round(time.Millisecond))
	return n, nil
}
