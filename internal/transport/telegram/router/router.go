package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type Options struct {
	// Workers is the number of dispatch shards. Updates from one chat always
	// land on the same shard, so they are handled in arrival order.
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	// BusyText is replied when a shard queue is full.
	BusyText string
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	opts    Options

	mu        sync.RWMutex
	cmds      map[string]Command
	menu      []kit.BotCommand
	prefixes  []PrefixRoute
	callbacks map[string]CallbackRoute
	fallback  HandlerFunc
	use       []Middleware

	runMu  sync.Mutex
	sup    *rtsup.Supervisor
	shards []chan func()
}

func New(log logx.Logger, adapter kit.Adapter, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Router{
		log:       log.With(logx.Component("telegram.router")),
		adapter:   adapter,
		opts:      opts,
		cmds:      map[string]Command{},
		callbacks: map[string]CallbackRoute{},
	}
}

// Use appends middlewares that run inside panic recovery and request
// logging, before every handler.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.use = append(r.use, mw...)
	r.mu.Unlock()
}

// SetRoutes replaces the routing table and refreshes the platform menu.
func (r *Router) SetRoutes(rt Routes) {
	cmds := map[string]Command{}
	for _, c := range rt.Commands {
		if c.Handle == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		cmds[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				cmds[a] = c
			}
		}
	}
	cbs := map[string]CallbackRoute{}
	for _, cb := range rt.Callbacks {
		if cb.Handle == nil {
			continue
		}
		cbs[cb.Scope+":"+cb.Action] = cb
	}
	prefixes := make([]PrefixRoute, 0, len(rt.Prefixes))
	for _, p := range rt.Prefixes {
		if p.Handle != nil && p.Prefix != "" {
			prefixes = append(prefixes, p)
		}
	}

	r.mu.Lock()
	r.cmds = cmds
	r.menu = buildMenu(rt.Commands)
	r.prefixes = prefixes
	r.callbacks = cbs
	r.fallback = rt.Fallback
	r.mu.Unlock()

	if sup := r.Supervisor(); sup != nil {
		sup.Go0("menu.update", r.pushMenu)
	}
}

func (r *Router) pushMenu(ctx context.Context) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	r.mu.RLock()
	menu := r.menu
	r.mu.RUnlock()
	if len(menu) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// DispatchLoop routes updates until ctx is done or updates is closed, then
// drains the shards for up to three seconds.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	shards := make([]chan func(), r.opts.Workers)
	for i := range shards {
		shards[i] = make(chan func(), r.opts.QueueSize)
	}
	r.runMu.Lock()
	r.sup = sup
	r.shards = shards
	r.runMu.Unlock()

	for i, q := range shards {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	sup.Go0("menu.update", r.pushMenu)
	r.log.Info("dispatcher started", logx.Int("workers", len(shards)), logx.Int("queue", r.opts.QueueSize))

	defer func() {
		r.runMu.Lock()
		r.sup = nil
		r.shards = nil
		r.runMu.Unlock()
		for _, q := range shards {
			close(q)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route resolves the handler for up and queues it on the chat's shard.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	req := r.newRequest(up, msg.ChatID, msg.FromID, msg.FromUsername)
	req.Text = text

	r.mu.RLock()
	handler, timeout := r.fallback, time.Duration(0)
	if strings.HasPrefix(text, "/") {
		parts := strings.Fields(text)
		word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		req.Args = parts[1:]
		if c, ok := r.cmds[word]; ok {
			handler, timeout = c.Handle, c.Timeout
			req.Command = c.Name
		} else {
			for _, p := range r.prefixes {
				if len(word) > len(p.Prefix) && strings.HasPrefix(word, p.Prefix) {
					handler, timeout = p.Handle, p.Timeout
					req.Command = p.Prefix
					req.Payload = word[len(p.Prefix):]
					break
				}
			}
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	r.enqueue(ctx, req, handler, timeout, nil)
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[parts[0]+":"+parts[1]]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := r.newRequest(up, cb.ChatID, cb.FromID, cb.FromUsername)
	req.Command = "cb:" + parts[0] + ":" + parts[1]
	if len(parts) == 3 {
		req.Payload = parts[2]
	}
	// Stops the client's loading spinner.
	after := func(c context.Context) { _ = r.adapter.AnswerCallback(c, cb.ID, "") }
	r.enqueue(ctx, req, route.Handle, route.Timeout, after)
}

func (r *Router) newRequest(up kit.Update, chatID, fromID int64, username string) *Request {
	rid := uuid.NewString()
	user := storage.NormalizeUser(username)
	return &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: chatID},
		FromID:  fromID,
		User:    user,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chatID),
			logx.Int64("from_id", fromID),
			logx.User(user),
		),
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, after func(context.Context)) {
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	r.mu.RLock()
	mws := append([]Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}, r.use...)
	r.mu.RUnlock()
	final := Chain(h, append(mws, MWTimeout(timeout))...)

	job := func() {
		_ = final(ctx, req)
		if after != nil {
			after(ctx)
		}
	}

	r.runMu.Lock()
	shards := r.shards
	var ok bool
	if len(shards) > 0 {
		q := shards[shardOf(req.Chat.ChatID, len(shards))]
		select {
		case q <- job:
			ok = true
		default:
		}
	}
	r.runMu.Unlock()
	if ok {
		return
	}

	req.Logger.Warn("dispatch queue full, update rejected")
	if id := req.CallbackID(); id != "" {
		_ = r.adapter.AnswerCallback(ctx, id, r.opts.BusyText)
		return
	}
	if r.opts.BusyText != "" {
		_ = req.Reply(ctx, r.opts.BusyText, nil)
	}
}

func shardOf(chatID int64, n int) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % int64(n))
}
