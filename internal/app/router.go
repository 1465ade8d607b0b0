package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Command is one slash command.
type Command struct {
	Name        string
	Usage       string
	Description string
	OwnerOnly   bool
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg    *kit.Message
	Chat   kit.ChatTarget
	FromID int64
	Name   string
	Args   []string
	// Rest is the text after the command word, untokenized.
	Rest  string
	ReqID string
	Log   logx.Logger
}

// Router parses command messages and runs their handlers on a small
// worker pool. Poll updates are handed to OnPoll.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	log    logx.Logger
	send   kit.Sender
	OnPoll func(ctx context.Context, up *kit.PollUpdate)

	jobs chan func()
}

func NewRouter(log logx.Logger, send kit.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:   map[string]Command{},
		owners: slices.Clone(owners),
		log:    log,
		send:   send,
		jobs:   make(chan func(), 128),
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.cmds[strings.ToLower(c.Name)] = c
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run consumes updates until ctx ends, using workers goroutines owned by sup.
func (r *Router) Run(ctx context.Context, sup *supervisor.Supervisor, updates <-chan kit.Update, workers int) error {
	workers = max(workers, 1)
	for i := range workers {
		sup.GoRestart(fmt.Sprintf("router.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("command router stopped")
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route handles one update. Handlers run on the worker pool; when it is
// saturated the sender is told to retry.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Poll != nil {
		if r.OnPoll != nil {
			r.enqueue(func() { r.OnPoll(ctx, up.Poll) })
		}
		return
	}
	if up.Message == nil {
		return
	}
	req, cmd, ok := r.parse(up.Message)
	if !ok {
		return
	}
	if cmd.OwnerOnly && !r.IsOwner(req.FromID) {
		r.reply(ctx, req, "This command is for bot owners only.")
		return
	}
	h := chain(cmd.Handle, mwRecover(), mwRequestLog(), mwTimeout(cmd.Timeout))
	if !r.enqueue(func() { _ = h(ctx, req) }) {
		r.reply(ctx, req, "Busy, try again in a moment.")
	}
}

func (r *Router) parse(m *kit.Message) (*Request, Command, bool) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, Command{}, false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	r.mu.RLock()
	cmd, ok := r.cmds[strings.ToLower(word)]
	r.mu.RUnlock()
	if !ok {
		return nil, Command{}, false
	}
	rest = strings.TrimSpace(rest)
	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:    m,
		Chat:   kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID: m.FromID,
		Name:   cmd.Name,
		Args:   strings.Fields(rest),
		Rest:   rest,
		ReqID:  rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", m.ChatID),
			logx.Int64("from_id", m.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	return req, cmd, true
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.send.SendText(ctx, req.Chat, text, nil); err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
}

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Log.Error("panic recovered", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			if err != nil {
				req.Log.Warn("request failed", logx.Duration("dur", took), logx.Err(err))
				return err
			}
			if took >= 750*time.Millisecond {
				req.Log.Info("request ok", logx.Duration("dur", took))
			} else {
				req.Log.Debug("request ok", logx.Duration("dur", took))
			}
			return nil
		}
	}
}
