package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "crowdbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher serves fixed bodies. When gate is set every fetch waits on it.
type stubFetcher struct {
	calls   atomic.Int64
	started chan string
	gate    chan struct{}

	mu    sync.Mutex
	fails map[string]int // url -> failures left
	body  []byte
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{fails: map[string]int{}, body: []byte("payload")}
}

func (f *stubFetcher) failNext(url string, n int) {
	f.mu.Lock()
	f.fails[url] = n
	f.mu.Unlock()
}

func (f *stubFetcher) Fetch(ctx context.Context, url string, w io.Writer) (string, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- url
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	if f.fails[url] > 0 {
		f.fails[url]--
		f.mu.Unlock()
		return "", errors.New("status 502")
	}
	f.mu.Unlock()
	_, err := w.Write(f.body)
	return "image/jpeg", err
}

func TestMediaCacheCoalescesConcurrentFetches(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	f.started = make(chan string, 4)
	f.gate = make(chan struct{})
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir()}, logx.Nop())
	defer c.Release()

	const url = "https://cdn.example.com/a.jpg"
	results := make(chan *Artifact, 2)
	for range 2 {
		go func() {
			a, err := c.Fetch(context.Background(), url)
			assert.NoError(t, err)
			results <- a
		}()
	}
	<-f.started
	// Give the second caller a chance to join the in-flight download.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)

	a1, a2 := <-results, <-results
	require.NotNil(t, a1)
	assert.Same(t, a1, a2)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.EqualValues(t, 1, c.Fetches())
	assert.Equal(t, ".jpg", filepath.Ext(a1.Path))
	assert.EqualValues(t, len("payload"), a1.Size)
}

func TestMediaCacheReusesCompleted(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir()}, logx.Nop())
	defer c.Release()

	a1, err := c.Fetch(context.Background(), "https://x/1.png")
	require.NoError(t, err)
	a2, err := c.Fetch(context.Background(), "https://x/1.png")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestMediaCacheDoesNotCacheFailures(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	f.failNext("https://x/v.mp4", 1)
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir()}, logx.Nop())
	defer c.Release()

	_, err := c.Fetch(context.Background(), "https://x/v.mp4")
	require.ErrorIs(t, err, ErrFetch)

	a, err := c.Fetch(context.Background(), "https://x/v.mp4")
	require.NoError(t, err)
	assert.FileExists(t, a.Path)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestMediaCacheSizeLimit(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir(), MaxBytes: 3}, logx.Nop())
	defer c.Release()

	_, err := c.Fetch(context.Background(), "https://x/big.jpg")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestMediaCacheRelease(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir()}, logx.Nop())

	a, err := c.Fetch(context.Background(), "https://x/1.jpg")
	require.NoError(t, err)
	dir := filepath.Dir(a.Path)

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	_, err = c.Fetch(context.Background(), "https://x/1.jpg")
	assert.ErrorIs(t, err, ErrCacheReleased)
}

func TestMediaCacheWaiterCancel(t *testing.T) {
	t.Parallel()
	f := newStubFetcher()
	f.gate = make(chan struct{})
	c := NewMediaCache(f, MediaOptions{Dir: t.TempDir()}, logx.Nop())
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "https://x/slow.jpg")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(f.gate)
}

func TestArtifactRemoteID(t *testing.T) {
	t.Parallel()
	a := &Artifact{}
	assert.Empty(t, a.RemoteID(KindImage))
	a.SetRemoteID(KindImage, "AgAD")
	a.SetRemoteID(KindVideo, "")
	assert.Equal(t, "AgAD", a.RemoteID(KindImage))
	assert.Empty(t, a.RemoteID(KindVideo))
}
