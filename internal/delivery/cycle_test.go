package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"crowdbot/internal/eventbus"
	"crowdbot/internal/storage"
	logx "crowdbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContent struct {
	posts []Post
	err   error
}

func (f *fakeContent) ListPosts(context.Context) ([]Post, error) { return f.posts, f.err }

type fakeDirectory struct {
	recipients []Recipient
	err        error

	mu          sync.Mutex
	deactivated []int64
}

func (f *fakeDirectory) ListRecipients(context.Context) ([]Recipient, error) {
	return f.recipients, f.err
}

func (f *fakeDirectory) SetActive(_ context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !active {
		f.deactivated = append(f.deactivated, id)
	}
	return nil
}

// fakeTransport records every send as "text:<body>", "image:<url>" or
// "video:<url>" per recipient.
type fakeTransport struct {
	mu    sync.Mutex
	sent  map[int64][]string
	paths []string

	// failText returns an error for a text send to a recipient whose body
	// matches the key.
	failText  map[string]error
	failImage map[string]error
	panicFor  int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[int64][]string{}, failText: map[string]error{}, failImage: map[string]error{}}
}

func key(to int64, s string) string { return fmt.Sprintf("%d/%s", to, s) }

func (f *fakeTransport) SendText(_ context.Context, to int64, text string) error {
	if f.panicFor != 0 && to == f.panicFor {
		panic("transport exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failText[key(to, text)]; err != nil {
		return err
	}
	f.sent[to] = append(f.sent[to], "text:"+text)
	return nil
}

func (f *fakeTransport) SendImage(_ context.Context, to int64, a *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failImage[key(to, a.URL)]; err != nil {
		return err
	}
	f.sent[to] = append(f.sent[to], "image:"+a.URL)
	f.paths = append(f.paths, a.Path)
	return nil
}

func (f *fakeTransport) SendVideo(_ context.Context, to int64, a *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[to] = append(f.sent[to], "video:"+a.URL)
	f.paths = append(f.paths, a.Path)
	return nil
}

func (f *fakeTransport) sentTo(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

type memAudit struct {
	mu   sync.Mutex
	recs []storage.DeliveryRecord
}

func (m *memAudit) AppendDelivery(_ context.Context, r storage.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

type harness struct {
	content   *fakeContent
	directory *fakeDirectory
	transport *fakeTransport
	fetcher   *stubFetcher
	audit     *memAudit
	bus       eventbus.Bus
	metrics   *Metrics
	d         *Dispatcher
}

func newHarness(t *testing.T, now time.Time, posts []Post, recipients ...Recipient) *harness {
	t.Helper()
	h := &harness{
		content:   &fakeContent{posts: posts},
		directory: &fakeDirectory{recipients: recipients},
		transport: newFakeTransport(),
		fetcher:   newStubFetcher(),
		audit:     &memAudit{},
		bus:       eventbus.New(),
		metrics:   NewMetrics(nil),
	}
	h.d = NewDispatcher(Deps{
		Content:   h.content,
		Directory: h.directory,
		Transport: h.transport,
		Fetcher:   h.fetcher,
		Ledger:    NewLedger(10),
		Log:       logx.Nop(),
		Bus:       h.bus,
		Metrics:   h.metrics,
		Audit:     h.audit,
		Now:       func() time.Time { return now },
	}, Options{
		RecencyWindow: 24 * time.Hour,
		Concurrency:   4,
		SendTimeout:   time.Second,
		Media:         MediaOptions{Dir: t.TempDir()},
	})
	return h
}

func recipient(id int64, start, end, offset string) Recipient {
	return Recipient{ID: id, DisplayName: fmt.Sprintf("user%d", id), Active: true, WindowStart: start, WindowEnd: end, UTCOffset: offset}
}

var utc10 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestScenarioInWindowDeliversOnce(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "Hello", Body: "World", CreatedAt: utc10.Add(-5 * time.Minute)}
	h := newHarness(t, utc10, []Post{post}, recipient(100, "09:00", "18:00", "+03:00"))

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, []string{"text:Hello\n\nWorld"}, h.transport.sentTo(100))

	rep, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Delivered)
	assert.Len(t, h.transport.sentTo(100), 1, "second cycle must not re-send")
}

func TestScenarioWrappingWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 23, 15, 0, 0, time.UTC)
	post := Post{ID: 1, Title: "Late", Body: "news", CreatedAt: now.Add(-time.Minute)}
	h := newHarness(t, now, []Post{post}, recipient(5, "22:00", "06:00", "+00:00"))

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 0, rep.OutsideWindow)
	assert.Len(t, h.transport.sentTo(5), 1)
}

func TestScenarioUnreachableStopsRecipient(t *testing.T) {
	t.Parallel()
	p1 := Post{ID: 1, Title: "one", Body: "b", CreatedAt: utc10.Add(-2 * time.Minute)}
	p2 := Post{ID: 2, Title: "two", Body: "b", CreatedAt: utc10.Add(-time.Minute)}
	h := newHarness(t, utc10, []Post{p2, p1},
		recipient(1, "00:00", "23:59", "+00:00"),
		recipient(2, "00:00", "23:59", "+00:00"),
	)
	h.transport.failText[key(1, p1.Text())] = fmt.Errorf("send: %w", ErrRecipientUnreachable)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.transport.sentTo(1), "post #2 must not be attempted")
	assert.Equal(t, []string{"text:" + p1.Text(), "text:" + p2.Text()}, h.transport.sentTo(2))
	assert.Equal(t, []int64{1}, h.directory.deactivated)
	assert.Equal(t, 1, rep.Deactivated)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 0, rep.FailedSends)
	assert.True(t, h.d.Ledger().ShouldDeliver(1, 1))
}

func TestScenarioMalformedOffsetSkipped(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10.Add(-time.Minute)}
	h := newHarness(t, utc10, []Post{post},
		recipient(1, "00:00", "23:59", "03:00"),
		recipient(2, "00:00", "23:59", "+03:00"),
	)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, h.transport.sentTo(1))
	assert.Len(t, h.transport.sentTo(2), 1)
}

func TestRunOutsideWindow(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10.Add(-time.Minute)}
	// 10:00 UTC at -05:00 is 05:00 local.
	h := newHarness(t, utc10, []Post{post}, recipient(1, "09:00", "18:00", "-05:00"))

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OutsideWindow)
	assert.Empty(t, h.transport.sentTo(1))
	assert.True(t, h.d.Ledger().ShouldDeliver(1, 1))
}

func TestRunRecencyFilter(t *testing.T) {
	t.Parallel()
	old := Post{ID: 1, Title: "old", Body: "b", CreatedAt: utc10.Add(-25 * time.Hour)}
	fresh := Post{ID: 2, Title: "fresh", Body: "b", CreatedAt: utc10.Add(-23 * time.Hour)}
	h := newHarness(t, utc10, []Post{old, fresh}, recipient(1, "00:00", "23:59", "+00:00"))

	_, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"text:" + fresh.Text()}, h.transport.sentTo(1))
}

func TestRunSkipsInactiveAndEmpty(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10}
	r := recipient(1, "00:00", "23:59", "+00:00")
	r.Active = false
	h := newHarness(t, utc10, []Post{post}, r)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recipients)
	assert.Equal(t, 0, rep.Active)
	assert.Empty(t, h.transport.sentTo(1))
}

func TestRunPassesThroughEveryState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, utc10, nil)
	h.directory.err = errors.New("registry down")
	h.content.err = errors.New("feed down")
	events, unsubscribe := h.bus.Subscribe(16, "dispatch.state")
	defer unsubscribe()

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Posts)
	assert.Equal(t, 0, rep.Recipients)

	var states []string
	for len(events) > 0 {
		ev := <-events
		states = append(states, ev.Data.(StateEvent).State)
	}
	assert.Equal(t, []string{
		"fetching_content", "fetching_recipients", "dispatching", "draining", "done",
	}, states)
	assert.Equal(t, StateIdle, h.d.State())
}

func TestRunMediaOrderAndCoalescing(t *testing.T) {
	t.Parallel()
	shared := "https://cdn.example.com/shared.jpg"
	p1 := Post{ID: 1, Title: "a", Body: "b", CreatedAt: utc10.Add(-2 * time.Minute),
		Images: []string{shared, "https://cdn.example.com/a2.jpg"},
		Videos: []string{"https://cdn.example.com/a.mp4"},
	}
	p2 := Post{ID: 2, Title: "c", Body: "d", CreatedAt: utc10.Add(-time.Minute), Images: []string{shared}}
	var rs []Recipient
	for id := int64(1); id <= 5; id++ {
		rs = append(rs, recipient(id, "00:00", "23:59", "+00:00"))
	}
	h := newHarness(t, utc10, []Post{p1, p2}, rs...)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Delivered)
	assert.EqualValues(t, 3, h.fetcher.calls.Load(), "each distinct url downloads once per cycle")
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.mediaFetches.WithLabelValues("ok")), "cache hits are not downloads")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.mediaFetches.WithLabelValues("error")))

	want := []string{
		"text:" + p1.Text(),
		"image:" + shared,
		"image:https://cdn.example.com/a2.jpg",
		"video:https://cdn.example.com/a.mp4",
		"text:" + p2.Text(),
		"image:" + shared,
	}
	for id := int64(1); id <= 5; id++ {
		assert.Equal(t, want, h.transport.sentTo(id))
	}

	h.transport.mu.Lock()
	paths := append([]string(nil), h.transport.paths...)
	h.transport.mu.Unlock()
	require.NotEmpty(t, paths)
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "artifact %s must be removed after the cycle", p)
	}
}

func TestRunMediaFailureDoesNotBlockPost(t *testing.T) {
	t.Parallel()
	bad := "https://cdn.example.com/broken.jpg"
	good := "https://cdn.example.com/ok.jpg"
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10, Images: []string{bad, good}}
	h := newHarness(t, utc10, []Post{post}, recipient(1, "00:00", "23:59", "+00:00"))
	h.fetcher.failNext(bad, 1)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.MediaFailures)
	assert.Equal(t, []string{"text:" + post.Text(), "image:" + good}, h.transport.sentTo(1))
	assert.False(t, h.d.Ledger().ShouldDeliver(1, 1))
}

func TestRunTransientTextErrorContinues(t *testing.T) {
	t.Parallel()
	p1 := Post{ID: 1, Title: "one", Body: "b", CreatedAt: utc10.Add(-2 * time.Minute)}
	p2 := Post{ID: 2, Title: "two", Body: "b", CreatedAt: utc10.Add(-time.Minute)}
	h := newHarness(t, utc10, []Post{p1, p2}, recipient(1, "00:00", "23:59", "+00:00"))
	h.transport.failText[key(1, p1.Text())] = fmt.Errorf("%w: retry after 3", ErrTransientSend)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FailedSends)
	assert.Equal(t, 1, rep.Delivered)
	assert.Empty(t, h.directory.deactivated)
	assert.True(t, h.d.Ledger().ShouldDeliver(1, 1), "failed post is retried next cycle")
	assert.False(t, h.d.Ledger().ShouldDeliver(1, 2))

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Len(t, h.audit.recs, 2)
	assert.Equal(t, storage.StatusFailed, h.audit.recs[0].Status)
	assert.Equal(t, storage.StatusDelivered, h.audit.recs[1].Status)
}

func TestRunRecoversRecipientPanic(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10}
	h := newHarness(t, utc10, []Post{post},
		recipient(1, "00:00", "23:59", "+00:00"),
		recipient(2, "00:00", "23:59", "+00:00"),
	)
	h.transport.panicFor = 1

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Panics)
	assert.Len(t, h.transport.sentTo(2), 1)
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "t", Body: "b", CreatedAt: utc10, Images: []string{"https://x/slow.jpg"}}
	h := newHarness(t, utc10, []Post{post}, recipient(1, "00:00", "23:59", "+00:00"))
	h.fetcher.started = make(chan string, 1)
	h.fetcher.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.d.Run(context.Background())
		assert.NoError(t, err)
	}()
	<-h.fetcher.started

	_, err := h.d.Run(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, StateDispatching, h.d.State())

	close(h.fetcher.gate)
	<-done
	last, ok := h.d.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Delivered)
}

func TestRunOrdersPostsOldestFirst(t *testing.T) {
	t.Parallel()
	posts := []Post{
		{ID: 3, Title: "c", Body: "", CreatedAt: utc10.Add(-1 * time.Minute)},
		{ID: 1, Title: "a", Body: "", CreatedAt: utc10.Add(-3 * time.Minute)},
		{ID: 2, Title: "b", Body: "", CreatedAt: utc10.Add(-3 * time.Minute)},
		{ID: 4, Title: "undated", Body: ""},
	}
	h := newHarness(t, utc10, posts, recipient(1, "00:00", "23:59", "+00:00"))

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Posts)
	assert.Equal(t, []string{"text:a\n\n", "text:b\n\n", "text:c\n\n"}, h.transport.sentTo(1))
}

func TestRecencyWindowZeroUsesDefault(t *testing.T) {
	t.Parallel()
	fresh := Post{ID: 1, Title: "fresh", CreatedAt: utc10.Add(-time.Hour)}
	stale := Post{ID: 2, Title: "stale", CreatedAt: utc10.Add(-25 * time.Hour)}
	h := newHarness(t, utc10, []Post{fresh, stale}, recipient(1, "00:00", "23:59", "+00:00"))
	h.d.Apply(Options{Media: MediaOptions{Dir: t.TempDir()}})

	_, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"text:" + fresh.Text()}, h.transport.sentTo(1))

	h.d.Apply(Options{RecencyWindow: -1, Media: MediaOptions{Dir: t.TempDir()}})
	_, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"text:" + fresh.Text(), "text:" + stale.Text()}, h.transport.sentTo(1),
		"a negative window turns the filter off")
}

// barrierTransport holds every text send until n recipients are sending at
// once.
type barrierTransport struct {
	*fakeTransport
	n int

	mu      sync.Mutex
	arrived int
	all     chan struct{}
}

func (b *barrierTransport) SendText(ctx context.Context, to int64, text string) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.all)
	}
	b.mu.Unlock()
	select {
	case <-b.all:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.fakeTransport.SendText(ctx, to, text)
}

func TestZeroConcurrencyIsUnbounded(t *testing.T) {
	t.Parallel()
	const n = 12
	post := Post{ID: 1, Title: "all", CreatedAt: utc10.Add(-time.Minute)}
	var rs []Recipient
	for id := int64(1); id <= n; id++ {
		rs = append(rs, recipient(id, "00:00", "23:59", "+00:00"))
	}
	tr := &barrierTransport{fakeTransport: newFakeTransport(), n: n, all: make(chan struct{})}
	d := NewDispatcher(Deps{
		Content:   &fakeContent{posts: []Post{post}},
		Directory: &fakeDirectory{recipients: rs},
		Transport: tr,
		Fetcher:   newStubFetcher(),
		Log:       logx.Nop(),
		Now:       func() time.Time { return utc10 },
	}, Options{SendTimeout: 2 * time.Second, Media: MediaOptions{Dir: t.TempDir()}})

	rep, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, rep.Delivered)
	assert.Zero(t, rep.FailedSends)
}

func TestPartialTextCountsAsDelivered(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "long", Body: "split in two", CreatedAt: utc10.Add(-time.Minute),
		Images: []string{"https://cdn.example.com/p.jpg"}}
	h := newHarness(t, utc10, []Post{post}, recipient(1, "00:00", "23:59", "+00:00"))
	h.transport.failText[key(1, post.Text())] = fmt.Errorf("%w: chunk 2 of 2: %w", ErrPartialSend, ErrTransientSend)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Zero(t, rep.FailedSends)
	assert.Equal(t, []string{"image:https://cdn.example.com/p.jpg"}, h.transport.sentTo(1))
	require.Len(t, h.audit.recs, 1)
	assert.Equal(t, storage.StatusDelivered, h.audit.recs[0].Status)
	assert.Contains(t, h.audit.recs[0].Error, "chunk 2 of 2")

	rep, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Delivered, "the first chunk must not be sent again")
	assert.Len(t, h.transport.sentTo(1), 1)
}

func TestPartialTextToUnreachableDeactivates(t *testing.T) {
	t.Parallel()
	post := Post{ID: 1, Title: "long", CreatedAt: utc10.Add(-time.Minute)}
	h := newHarness(t, utc10, []Post{post}, recipient(1, "00:00", "23:59", "+00:00"))
	h.transport.failText[key(1, post.Text())] = fmt.Errorf("%w: chunk 2 of 2: %w", ErrPartialSend, ErrRecipientUnreachable)

	rep, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Delivered)
	assert.Equal(t, 1, rep.Deactivated)
}
