package delivery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"crowdbot/internal/eventbus"
	"crowdbot/internal/storage"
	logx "crowdbot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrCycleInProgress = errors.New("dispatch cycle already running")

const (
	DefaultRecencyWindow = 24 * time.Hour
	DefaultSendTimeout   = 30 * time.Second

	auditTimeout = 2 * time.Second
)

type State int32

const (
	StateIdle State = iota
	StateFetchingContent
	StateFetchingRecipients
	StateDispatching
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingContent:
		return "fetching_content"
	case StateFetchingRecipients:
		return "fetching_recipients"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options are the tunables of a cycle. They can be swapped between cycles.
type Options struct {
	// RecencyWindow drops posts older than now-RecencyWindow. 0 selects
	// DefaultRecencyWindow; a negative value disables the filter.
	RecencyWindow time.Duration
	// Concurrency bounds parallel recipients. 0 means unbounded.
	Concurrency int
	// SendTimeout bounds each send and registry call.
	SendTimeout time.Duration
	Media       MediaOptions
}

func (o Options) withDefaults() Options {
	if o.RecencyWindow == 0 {
		o.RecencyWindow = DefaultRecencyWindow
	}
	if o.Concurrency < 0 {
		o.Concurrency = 0
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// Auditor receives one record per post outcome. Failures are logged only.
type Auditor interface {
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

type Deps struct {
	Content   ContentSource
	Directory RecipientDirectory
	Transport MessageTransport
	Fetcher   Fetcher
	Ledger    *Ledger

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *Metrics
	Audit   Auditor
	// Now defaults to time.Now.
	Now func() time.Time
}

// Dispatcher runs dispatch cycles. At most one cycle runs at a time.
type Dispatcher struct {
	content   ContentSource
	directory RecipientDirectory
	transport MessageTransport
	fetcher   Fetcher
	ledger    *Ledger

	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	audit   Auditor
	now     func() time.Time

	optMu sync.RWMutex
	opt   Options

	running sync.Mutex
	state   atomic.Int32

	lastMu sync.Mutex
	last   *Report
}

func NewDispatcher(d Deps, opt Options) *Dispatcher {
	if d.Ledger == nil {
		d.Ledger = NewLedger(DefaultLedgerCapacity)
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{
		content:   d.Content,
		directory: d.Directory,
		transport: d.Transport,
		fetcher:   d.Fetcher,
		ledger:    d.Ledger,
		log:       d.Log,
		bus:       d.Bus,
		metrics:   d.Metrics,
		audit:     d.Audit,
		now:       d.Now,
		opt:       opt.withDefaults(),
	}
}

// Apply replaces the options used by subsequent cycles.
func (d *Dispatcher) Apply(opt Options) {
	d.optMu.Lock()
	d.opt = opt.withDefaults()
	d.optMu.Unlock()
}

func (d *Dispatcher) options() Options {
	d.optMu.RLock()
	defer d.optMu.RUnlock()
	return d.opt
}

func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// LastReport returns the report of the last finished cycle.
func (d *Dispatcher) LastReport() (Report, bool) {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	if d.last == nil {
		return Report{}, false
	}
	return *d.last, true
}

// Report summarizes one cycle.
type Report struct {
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	Posts         int `json:"posts"`
	Recipients    int `json:"recipients"`
	Active        int `json:"active"`
	Skipped       int `json:"skipped"`
	OutsideWindow int `json:"outside_window"`
	Delivered     int `json:"delivered"`
	FailedSends   int `json:"failed_sends"`
	Deactivated   int `json:"deactivated"`
	MediaFailures int `json:"media_failures"`
	MediaFetches  int `json:"media_fetches"`
	Panics        int `json:"panics"`
}

type tally struct {
	skipped       atomic.Int64
	outside       atomic.Int64
	delivered     atomic.Int64
	failed        atomic.Int64
	deactivated   atomic.Int64
	mediaFailures atomic.Int64
	panics        atomic.Int64
}

// Run executes one cycle. Per-recipient failures are reported, never
// returned; the only error is ErrCycleInProgress.
func (d *Dispatcher) Run(ctx context.Context) (Report, error) {
	if !d.running.TryLock() {
		return Report{}, ErrCycleInProgress
	}
	defer d.running.Unlock()

	opt := d.options()
	now := d.now().UTC()
	rep := Report{CycleID: uuid.NewString(), StartedAt: now}
	log := d.log.With(logx.String("cycle", rep.CycleID))

	cache := NewMediaCache(d.fetcher, opt.Media, log).WithMetrics(d.metrics)
	release := sync.OnceFunc(func() { _ = cache.Release() })
	defer release()
	defer d.enter(StateIdle, rep.CycleID, log)

	d.enter(StateFetchingContent, rep.CycleID, log)
	posts := d.fetchPosts(ctx, log)
	rep.Posts = len(posts)

	d.enter(StateFetchingRecipients, rep.CycleID, log)
	recipients := d.fetchRecipients(ctx, log)
	rep.Recipients = len(recipients)

	d.enter(StateDispatching, rep.CycleID, log)
	var t tally
	cycleID := rep.CycleID
	g := new(errgroup.Group)
	if opt.Concurrency > 0 {
		g.SetLimit(opt.Concurrency)
	}
	for _, r := range recipients {
		if !r.Active {
			continue
		}
		rep.Active++
		g.Go(func() error {
			d.serveRecipient(ctx, r, posts, cache, now, opt, cycleID, &t, log)
			return nil
		})
	}
	_ = g.Wait()

	d.enter(StateDraining, rep.CycleID, log)
	release()

	d.enter(StateDone, rep.CycleID, log)
	rep.Skipped = int(t.skipped.Load())
	rep.OutsideWindow = int(t.outside.Load())
	rep.Delivered = int(t.delivered.Load())
	rep.FailedSends = int(t.failed.Load())
	rep.Deactivated = int(t.deactivated.Load())
	rep.MediaFailures = int(t.mediaFailures.Load())
	rep.MediaFetches = int(cache.Fetches())
	rep.Panics = int(t.panics.Load())
	rep.FinishedAt = d.now().UTC()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)

	d.finish(rep, log)
	return rep, nil
}

func (d *Dispatcher) finish(rep Report, log logx.Logger) {
	d.lastMu.Lock()
	d.last = &rep
	d.lastMu.Unlock()

	d.metrics.observeCycle(rep)
	d.metrics.setLedgerSize(d.ledger.Len())
	d.publish("dispatch.cycle", rep)

	fields := []logx.Field{
		logx.Int("posts", rep.Posts),
		logx.Int("recipients", rep.Recipients),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.FailedSends),
		logx.Int("deactivated", rep.Deactivated),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.Duration),
	}
	if rep.Delivered > 0 || rep.FailedSends > 0 || rep.Deactivated > 0 {
		log.Info("dispatch cycle finished", fields...)
		return
	}
	log.Debug("dispatch cycle finished", fields...)
}

func (d *Dispatcher) enter(s State, cycleID string, log logx.Logger) {
	d.state.Store(int32(s))
	if s == StateIdle {
		return
	}
	log.Debug("dispatch state", logx.String("state", s.String()))
	d.publish("dispatch.state", StateEvent{CycleID: cycleID, State: s.String()})
}

type StateEvent struct {
	CycleID string `json:"cycle_id"`
	State   string `json:"state"`
}

type DeliveryEvent struct {
	CycleID     string `json:"cycle_id"`
	RecipientID int64  `json:"recipient_id"`
	PostID      int64  `json:"post_id,omitempty"`
}

func (d *Dispatcher) publish(typ string, data any) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// fetchPosts returns posts oldest first. Any failure yields zero posts.
func (d *Dispatcher) fetchPosts(ctx context.Context, log logx.Logger) []Post {
	if d.content == nil {
		return nil
	}
	posts, err := d.content.ListPosts(ctx)
	if err != nil {
		log.Warn("post fetch failed; continuing with no posts", logx.Err(err))
		return nil
	}
	out := make([]Post, 0, len(posts))
	for _, p := range posts {
		if p.CreatedAt.IsZero() {
			log.Debug("post without creation time dropped", logx.Int64("post", int64(p.ID)))
			continue
		}
		out = append(out, p)
	}
	slices.SortStableFunc(out, func(a, b Post) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (d *Dispatcher) fetchRecipients(ctx context.Context, log logx.Logger) []Recipient {
	if d.directory == nil {
		return nil
	}
	rs, err := d.directory.ListRecipients(ctx)
	if err != nil {
		log.Warn("recipient fetch failed; nothing to dispatch", logx.Err(err))
		return nil
	}
	return rs
}

func (d *Dispatcher) serveRecipient(ctx context.Context, r Recipient, posts []Post, cache *MediaCache, now time.Time, opt Options, cycleID string, t *tally, log logx.Logger) {
	log = log.With(logx.Int64("recipient", r.ID))
	defer func() {
		if p := recover(); p != nil {
			t.panics.Add(1)
			log.Error("recipient workflow panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()

	off, err := ParseOffset(r.UTCOffset)
	if err != nil {
		t.skipped.Add(1)
		log.Warn("recipient skipped: bad utc offset", logx.Err(err))
		return
	}
	win, err := NewWindow(r.WindowStart, r.WindowEnd)
	if err != nil {
		t.skipped.Add(1)
		log.Warn("recipient skipped: bad delivery window", logx.Err(err))
		return
	}
	local := ClockOf(off.Apply(now))
	if !win.Contains(local) {
		t.outside.Add(1)
		log.Trace("outside delivery window", logx.String("local", local.String()), logx.String("window", win.String()))
		return
	}

	var cutoff time.Time
	if opt.RecencyWindow > 0 {
		cutoff = now.Add(-opt.RecencyWindow)
	}
	for _, p := range posts {
		if ctx.Err() != nil {
			return
		}
		if !d.ledger.ShouldDeliver(r.ID, p.ID) {
			continue
		}
		if !cutoff.IsZero() && p.CreatedAt.Before(cutoff) {
			continue
		}

		start := time.Now()
		res := d.deliverPost(ctx, r.ID, p, cache, opt, log)
		t.mediaFailures.Add(int64(res.mediaFailed))
		rec := storage.DeliveryRecord{
			At:          start,
			CycleID:     cycleID,
			RecipientID: r.ID,
			PostID:      int64(p.ID),
			Media:       len(p.Images) + len(p.Videos),
			MediaFailed: res.mediaFailed,
			TookMS:      time.Since(start).Milliseconds(),
		}

		switch {
		case res.err == nil:
			d.ledger.RecordDelivered(r.ID, p.ID)
			t.delivered.Add(1)
			d.metrics.incDelivery(string(storage.StatusDelivered))
			d.publish("dispatch.delivered", DeliveryEvent{CycleID: cycleID, RecipientID: r.ID, PostID: int64(p.ID)})
			rec.Status = storage.StatusDelivered
			if res.partial != nil {
				rec.Error = res.partial.Error()
			}
			d.record(ctx, rec, log)
			log.Debug("post delivered", logx.Int64("post", int64(p.ID)), logx.Int("media_failed", res.mediaFailed))

		case errors.Is(res.err, ErrRecipientUnreachable):
			rec.Status, rec.Error = storage.StatusUnreachable, res.err.Error()
			d.metrics.incDelivery(string(storage.StatusUnreachable))
			d.record(ctx, rec, log)
			d.deactivate(ctx, r, opt, cycleID, t, log, res.err)
			return

		default:
			t.failed.Add(1)
			rec.Status, rec.Error = storage.StatusFailed, res.err.Error()
			d.metrics.incDelivery(string(storage.StatusFailed))
			d.record(ctx, rec, log)
			log.Warn("post delivery failed", logx.Int64("post", int64(p.ID)), logx.Err(res.err))
		}
	}
}

type postResult struct {
	err error
	// partial is set when the text went out only in part. The post still
	// counts as delivered so the sent chunks are not repeated next cycle.
	partial     error
	mediaFailed int
}

// deliverPost sends the text, then images and videos in order. A media
// failure is logged and skipped; only the text or an unreachable recipient
// decides the result.
func (d *Dispatcher) deliverPost(ctx context.Context, to int64, p Post, cache *MediaCache, opt Options, log logx.Logger) postResult {
	var res postResult
	if err := d.send(ctx, opt, func(c context.Context) error { return d.transport.SendText(c, to, p.Text()) }); err != nil {
		if !errors.Is(err, ErrPartialSend) || errors.Is(err, ErrRecipientUnreachable) {
			return postResult{err: err}
		}
		log.Warn("post text partially sent", logx.Int64("post", int64(p.ID)), logx.Err(err))
		res.partial = err
	}

	media := []struct {
		kind MediaKind
		urls []string
		send func(context.Context, int64, *Artifact) error
	}{
		{KindImage, p.Images, d.transport.SendImage},
		{KindVideo, p.Videos, d.transport.SendVideo},
	}
	for _, m := range media {
		for _, u := range m.urls {
			if ctx.Err() != nil {
				return res
			}
			a, err := cache.Fetch(ctx, u)
			if err != nil {
				res.mediaFailed++
				log.Warn("media fetch failed", logx.String("kind", string(m.kind)), logx.String("url", u), logx.Err(err))
				continue
			}
			err = d.send(ctx, opt, func(c context.Context) error { return m.send(c, to, a) })
			if errors.Is(err, ErrRecipientUnreachable) {
				res.err = err
				return res
			}
			if err != nil {
				res.mediaFailed++
				log.Warn("media send failed", logx.String("kind", string(m.kind)), logx.String("url", u), logx.Err(err))
			}
		}
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, opt Options, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, opt.SendTimeout)
	defer cancel()
	return fn(sctx)
}

func (d *Dispatcher) deactivate(ctx context.Context, r Recipient, opt Options, cycleID string, t *tally, log logx.Logger, cause error) {
	t.deactivated.Add(1)
	d.metrics.incDeactivation()
	d.publish("dispatch.deactivated", DeliveryEvent{CycleID: cycleID, RecipientID: r.ID})

	if d.directory == nil {
		return
	}
	err := d.send(ctx, opt, func(c context.Context) error { return d.directory.SetActive(c, r.ID, false) })
	if err != nil {
		log.Warn("recipient unreachable; deactivation failed", logx.String("cause", cause.Error()), logx.Err(err))
		return
	}
	log.Info("recipient unreachable; deactivated", logx.Err(cause))
}

func (d *Dispatcher) record(ctx context.Context, rec storage.DeliveryRecord, log logx.Logger) {
	if d.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := d.audit.AppendDelivery(actx, rec); err != nil {
		log.Debug("delivery audit append failed", logx.Err(err))
	}
}
