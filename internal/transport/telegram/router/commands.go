package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "crowdbot/internal/runtime/supervisor"
	kit "crowdbot/internal/transport"
	logx "crowdbot/pkg/logx"
	"crowdbot/pkg/tgui"
)

const defaultJobQueue = 256

// Registry is the full handler set installed by SetRegistry.
type Registry struct {
	Commands  []Command
	Callbacks []CallbackRoute
	// Text receives every message that is not a command.
	Text HandlerFunc
}

type Options struct {
	Owners []int64
	// Workers is the handler pool size. 0 means NumCPU (at least 2).
	Workers   int
	QueueSize int
}

// CommandManager routes updates to handlers on a bounded worker pool.
type CommandManager struct {
	mu        sync.RWMutex
	cmds      map[string]Command // name and aliases
	menu      []kit.BotCommand
	callbacks map[string]map[string]CallbackRoute // ns -> action -> route
	text      HandlerFunc
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services
	opt     Options

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, serv *Services, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	if opt.Workers <= 0 {
		opt.Workers = max(runtime.NumCPU(), 2)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultJobQueue
	}
	return &CommandManager{
		cmds:      map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), opt.Owners...),
		log:       log,
		adapter:   adapter,
		serv:      serv,
		opt:       opt,
	}
}

// Supervisor returns the worker supervisor, or nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

func (m *CommandManager) SetRegistry(reg Registry) {
	cmds := map[string]Command{}
	for _, c := range reg.Commands {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cmds[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, taken := cmds[a]; !taken {
					cmds[a] = c
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range reg.Callbacks {
		ns, action := strings.TrimSpace(r.Namespace), strings.TrimSpace(r.Action)
		if ns == "" || action == "" || r.Handle == nil {
			continue
		}
		if _, err := tgui.Data(ns, action, ""); err != nil {
			m.log.Warn("callback route skipped", logx.String("ns", ns), logx.String("action", action), logx.Err(err))
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][action] = r
	}

	menu := buildTelegramMenuCommands(reg.Commands)

	m.mu.Lock()
	m.cmds, m.callbacks, m.text, m.menu = cmds, cb, reg.Text, menu
	m.mu.Unlock()

	if sup := m.Supervisor(); sup != nil {
		m.publishMenu(sup)
	}
}

// publishMenu pushes the command menu when the adapter supports it.
func (m *CommandManager) publishMenu(sup *rtsup.Supervisor) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	m.mu.RLock()
	menu := m.menu
	m.mu.RUnlock()
	sup.Go0("telegram.menu.update", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	})
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))))
	jobs := make(chan func(), m.opt.QueueSize)

	m.runMu.Lock()
	m.sup, m.jobs = sup, jobs
	m.runMu.Unlock()
	m.serv.RuntimeSupervisors.Set("telegram.router", sup)

	m.log.Info("command dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.publishMenu(sup)

	defer func() {
		m.runMu.Lock()
		m.sup, m.jobs = nil, nil
		m.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.serv.RuntimeSupervisors.Delete("telegram.router")
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	// Middleware already recovers; this keeps the worker alive regardless.
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	m.runMu.Lock()
	jobs := m.jobs
	m.runMu.Unlock()
	if jobs == nil {
		return false
	}
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}
	owners := m.ownersSnapshot()
	req := m.newRequest(up, chat, msg.FromID, senderName(msg.FromUsername, msg.FromName), owners)
	req.Text = msg.Text

	name, args, isCmd := parseCommand(msg.Text)
	if !isCmd {
		m.mu.RLock()
		h := m.text
		m.mu.RUnlock()
		if h == nil {
			return
		}
		req.Command = "text"
		req.Logger = req.Logger.With(logx.String("cmd", req.Command))
		m.enqueue(ctx, req, h, 0)
		return
	}

	m.mu.RLock()
	cmd, ok := m.cmds[name]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !req.IsOwner {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}
	req.Command = cmd.Name
	req.Args = args
	req.Logger = req.Logger.With(logx.String("cmd", cmd.Name))
	m.enqueue(ctx, req, cmd.Handle, cmd.Timeout)
}

func (m *CommandManager) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	ns, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	m.mu.RLock()
	route, ok := m.callbacks[ns][action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	owners := m.ownersSnapshot()
	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID}, cb.FromID, cb.FromName, owners)
	if route.Access == AccessOwnerOnly && !req.IsOwner {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req.Command = "cb:" + ns + ":" + action
	req.Payload = payload
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))

	final := Chain(
		func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) },
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		// Stops the client's loading spinner.
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, from string, owners []int64) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		From:    from,
		ReqID:   rid,
		Adapter: m.adapter,
		IsOwner: isOwner(fromID, owners),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
		),
	}
}

func senderName(username, display string) string {
	if username != "" {
		return username
	}
	return display
}
