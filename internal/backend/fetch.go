package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"crowdbot/internal/delivery"
)

// MediaFetcher downloads post attachments. No credentials are sent; media is
// usually served from a public CDN.
type MediaFetcher struct {
	http *http.Client
}

var _ delivery.Fetcher = (*MediaFetcher)(nil)

// NewMediaFetcher builds a fetcher. Per-call deadlines come from ctx; timeout
// is an outer bound.
func NewMediaFetcher(timeout time.Duration) *MediaFetcher {
	if timeout <= 0 {
		timeout = delivery.DefaultFetchTimeout
	}
	return &MediaFetcher{http: &http.Client{Timeout: timeout}}
}

func (f *MediaFetcher) Fetch(ctx context.Context, url string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%w: GET %s: %d", ErrStatus, url, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get("Content-Type"), nil
}
