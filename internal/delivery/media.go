package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logx "crowdbot/pkg/logx"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultMediaMaxBytes = 50 << 20
)

var (
	ErrFetch         = errors.New("media fetch failed")
	ErrCacheReleased = errors.New("media cache released")
	ErrMediaTooLarge = errors.New("media exceeds size limit")
)

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Artifact is a downloaded media file. It lives until the owning cache is
// released.
type Artifact struct {
	URL         string
	Path        string
	ContentType string
	Size        int64

	mu     sync.Mutex
	remote map[MediaKind]string
}

// RemoteID returns the platform file id from an earlier upload, if any.
func (a *Artifact) RemoteID(kind MediaKind) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote[kind]
}

func (a *Artifact) SetRemoteID(kind MediaKind, id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote == nil {
		a.remote = make(map[MediaKind]string, 1)
	}
	a.remote[kind] = id
}

type MediaOptions struct {
	// Dir is the parent of the cycle directory. Empty means os.TempDir().
	Dir          string
	FetchTimeout time.Duration
	MaxBytes     int64
}

// MediaCache holds the media downloaded during one cycle. Concurrent
// requests for the same URL share one download. A failed download is not
// cached.
type MediaCache struct {
	opt     MediaOptions
	fetcher Fetcher
	log     logx.Logger
	metrics *Metrics

	group singleflight.Group

	mu       sync.Mutex
	dir      string
	entries  map[string]*Artifact
	released bool

	seq     atomic.Uint64
	fetches atomic.Uint64
}

func NewMediaCache(fetcher Fetcher, opt MediaOptions, log logx.Logger) *MediaCache {
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = DefaultFetchTimeout
	}
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMediaMaxBytes
	}
	return &MediaCache{
		opt:     opt,
		fetcher: fetcher,
		log:     log,
		entries: make(map[string]*Artifact),
	}
}

// WithMetrics counts each real download, not each Fetch call, in m.
func (c *MediaCache) WithMetrics(m *Metrics) *MediaCache {
	c.metrics = m
	return c
}

// Fetch returns the artifact for rawURL, downloading it on first use.
func (c *MediaCache) Fetch(ctx context.Context, rawURL string) (*Artifact, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrCacheReleased
	}
	if a, ok := c.entries[rawURL]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(rawURL, func() (any, error) {
		// The download outlives a single waiter; other waiters may still want it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opt.FetchTimeout)
		defer cancel()
		return c.download(fctx, rawURL)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	}
}

// Fetches reports how many downloads were started.
func (c *MediaCache) Fetches() uint64 { return c.fetches.Load() }

// Release removes every artifact. It is safe to call more than once; later
// Fetch calls fail with ErrCacheReleased.
func (c *MediaCache) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	dir, n := c.dir, len(c.entries)
	c.entries = nil
	c.mu.Unlock()

	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		c.log.Warn("media cache cleanup failed", logx.String("dir", dir), logx.Err(err))
		return err
	}
	c.log.Debug("media cache released", logx.String("dir", dir), logx.Int("artifacts", n))
	return nil
}

func (c *MediaCache) download(ctx context.Context, rawURL string) (*Artifact, error) {
	// A finished download may have landed while this call was queued.
	c.mu.Lock()
	if a, ok := c.entries[rawURL]; ok {
		c.mu.Unlock()
		return a, nil
	}
	dir, err := c.ensureDirLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}

	c.fetches.Add(1)
	a, err := c.fetchInto(ctx, dir, rawURL)
	c.metrics.incMediaFetch(err == nil)
	return a, err
}

func (c *MediaCache) fetchInto(ctx context.Context, dir, rawURL string) (*Artifact, error) {
	start := time.Now()
	name := filepath.Join(dir, strconv.FormatUint(c.seq.Add(1), 10)+extOf(rawURL))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}
	w := &cappedWriter{w: f, limit: c.opt.MaxBytes}
	ct, ferr := c.fetcher.Fetch(ctx, rawURL, w)
	cerr := f.Close()
	if err := errors.Join(ferr, cerr); err != nil {
		_ = os.Remove(name)
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}

	a := &Artifact{URL: rawURL, Path: name, ContentType: ct, Size: w.n}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		_ = os.Remove(name)
		return nil, ErrCacheReleased
	}
	c.entries[rawURL] = a
	c.mu.Unlock()

	c.log.Debug("media fetched",
		logx.String("url", rawURL),
		logx.Int64("bytes", a.Size),
		logx.Duration("dur", time.Since(start)),
	)
	return a, nil
}

func (c *MediaCache) ensureDirLocked() (string, error) {
	if c.released {
		return "", ErrCacheReleased
	}
	if c.dir != "" {
		return c.dir, nil
	}
	parent := c.opt.Dir
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(parent, "crowdbot-media-")
	if err != nil {
		return "", err
	}
	c.dir = dir
	return dir, nil
}

// extOf keeps the URL's file extension so uploads get a sensible name.
func extOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 8 {
		return ""
	}
	return ext
}

type cappedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.n+int64(len(p)) > c.limit {
		return 0, fmt.Errorf("%w: over %d bytes", ErrMediaTooLarge, c.limit)
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
