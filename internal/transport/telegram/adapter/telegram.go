// Package adapter implements transport.Adapter over telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outbound API calls; <= 0 means 25/s.
	RatePerSec float64
	// Offline skips the getMe handshake (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	lim *rate.Limiter

	out     atomic.Value // chan<- kit.Update
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := max(1, int(cfg.RatePerSec))
	a := &Adapter{
		cfg: cfg,
		log: log.With(logx.String("comp", "telegram")),
		bot: b,
		lim: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	b.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.forward(kit.Update{Message: toMessage(m)})
		}
		return nil
	})
	b.Handle(tele.OnPoll, func(c tele.Context) error {
		if p := c.Poll(); p != nil {
			a.forward(kit.Update{Poll: &kit.PollUpdate{PollID: p.ID, Result: toPollResult(p)}})
		}
		return nil
	})
	return a, nil
}

func toMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsPrivate = m.Chat.Type == tele.ChatPrivate
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if r := m.ReplyTo; r != nil && r.Sender != nil {
		out.ReplyToFromID = r.Sender.ID
		out.ReplyToUsername = r.Sender.Username
	}
	return out
}

func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling; updates go to out and are dropped when out is
// full.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))

	a.sup.Go0("telegram.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	a.sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop. An early return while the context is
	// live is treated as a failure and restarted.
	a.sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling, waiting at most two seconds (or ctx) for the poll loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	was := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.lim.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendAlert satisfies logx.AlertSender.
func (a *Adapter) SendAlert(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func member(userID int64, until time.Time) *tele.ChatMember {
	m := &tele.ChatMember{User: &tele.User{ID: userID}}
	if !until.IsZero() {
		m.RestrictedUntil = until.Unix()
	}
	return m
}

func (a *Adapter) Ban(ctx context.Context, chatID, userID int64, until time.Time) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Ban(&tele.Chat{ID: chatID}, member(userID, until))
}

func (a *Adapter) Unban(ctx context.Context, chatID, userID int64) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	// forBanned: only lift an existing ban, never kick a present member.
	return a.bot.Unban(&tele.Chat{ID: chatID}, &tele.User{ID: userID}, true)
}

func (a *Adapter) Mute(ctx context.Context, chatID, userID int64, until time.Time) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	m := member(userID, until)
	m.Rights = tele.NoRights()
	return a.bot.Restrict(&tele.Chat{ID: chatID}, m)
}

func (a *Adapter) Unmute(ctx context.Context, chatID, userID int64) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	m := member(userID, time.Time{})
	m.Rights = tele.NoRestrictions()
	return a.bot.Restrict(&tele.Chat{ID: chatID}, m)
}

func (a *Adapter) SendPoll(ctx context.Context, to kit.ChatTarget, question string, options []string) (kit.MessageRef, string, error) {
	if len(options) < 2 {
		return kit.MessageRef{}, "", errors.New("poll needs at least two options")
	}
	if err := a.wait(ctx); err != nil {
		return kit.MessageRef{}, "", err
	}
	p := &tele.Poll{Type: tele.PollRegular, Question: question}
	for _, o := range options {
		p.Options = append(p.Options, tele.PollOption{Text: o})
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, "", err
	}
	var pollID string
	if msg.Poll != nil {
		pollID = msg.Poll.ID
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, pollID, nil
}

func (a *Adapter) StopPoll(ctx context.Context, ref kit.MessageRef) (kit.PollResult, error) {
	if err := a.wait(ctx); err != nil {
		return kit.PollResult{}, err
	}
	p, err := a.bot.StopPoll(storedMessage(ref))
	if err != nil {
		return kit.PollResult{}, err
	}
	return toPollResult(p), nil
}

func storedMessage(ref kit.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func toPollResult(p *tele.Poll) kit.PollResult {
	if p == nil {
		return kit.PollResult{}
	}
	r := kit.PollResult{Question: p.Question, Total: p.VoterCount, Closed: p.Closed}
	for _, o := range p.Options {
		r.Options = append(r.Options, kit.PollOption{Text: o.Text, Votes: o.VoterCount})
	}
	return r
}
