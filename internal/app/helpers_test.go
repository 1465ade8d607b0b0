package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/internal/actions"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	"modbot/internal/task/deferred"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

const (
	ownerID    = int64(1)
	groupID    = int64(-100)
	ladderChat = int64(-200)
)

type chatMsg struct {
	chatID int64
	text   string
}

type punishCall struct {
	op             string
	chatID, userID int64
}

type fakeChat struct {
	mu      sync.Mutex
	msgs    []chatMsg
	calls   []punishCall
	polls   []string
	stopped []kit.MessageRef
	result  kit.PollResult
}

func (f *fakeChat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, chatMsg{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeChat) record(op string, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, punishCall{op: op, chatID: chatID, userID: userID})
	return nil
}

func (f *fakeChat) Ban(_ context.Context, chatID, userID int64, _ time.Time) error {
	return f.record("ban", chatID, userID)
}

func (f *fakeChat) Unban(_ context.Context, chatID, userID int64) error {
	return f.record("unban", chatID, userID)
}

func (f *fakeChat) Mute(_ context.Context, chatID, userID int64, _ time.Time) error {
	return f.record("mute", chatID, userID)
}

func (f *fakeChat) Unmute(_ context.Context, chatID, userID int64) error {
	return f.record("unmute", chatID, userID)
}

func (f *fakeChat) SendPoll(_ context.Context, to kit.ChatTarget, question string, _ []string) (kit.MessageRef, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, question)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 900 + len(f.polls)}, "poll-" + question, nil
}

func (f *fakeChat) StopPoll(_ context.Context, ref kit.MessageRef) (kit.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref)
	return f.result, nil
}

// last returns the newest message sent to chatID.
func (f *fakeChat) last(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].chatID == chatID {
			return f.msgs[i].text
		}
	}
	return ""
}

func (f *fakeChat) waitFor(t *testing.T, chatID int64, substr string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := f.last(chatID); strings.Contains(s, substr) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message containing %q in chat %d; last=%q", substr, chatID, f.last(chatID))
	return ""
}

type harness struct {
	store  *storage.Memory
	sched  *deferred.Scheduler
	chat   *fakeChat
	router *Router
	h      *handlers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemory()
	sup := supervisor.New(ctx)
	sched := deferred.New(deferred.Config{DegeneracyDelay: 10 * time.Millisecond}, store, sup, logx.Nop(), nil)
	chat := &fakeChat{}
	ladders := ladderSet{"mods": {Name: "mods", ChatID: ladderChat, Timeout: time.Hour, Threshold: 3, Minimum: 2}}

	sched.RegisterExecutor(actions.KindReminder, actions.NewReminder(chat))
	sched.RegisterExecutor(actions.KindVote, actions.NewVote(chat, chat, ladders.lookup), deferred.RetireFirst())
	sched.RegisterExecutor(actions.KindPunishment, actions.NewPunishment(chat, chat))

	router := NewRouter(logx.Nop(), chat, []int64{ownerID})
	h := &handlers{
		sched:   sched,
		store:   store,
		chat:    chat,
		ladders: ladders.lookup,
		router:  router,
		status:  func() string { return "all good" },
		log:     logx.Nop(),
	}
	router.Register(h.commands()...)
	router.OnPoll = h.onPoll
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	return &harness{store: store, sched: sched, chat: chat, router: router, h: h}
}

// send routes a message and runs the queued handler inline.
func (hs *harness) send(t *testing.T, m *kit.Message) {
	t.Helper()
	if m.ChatID == 0 {
		m.ChatID = groupID
	}
	hs.router.Route(context.Background(), kit.Update{Message: m})
	select {
	case job := <-hs.router.jobs:
		job()
	default:
	}
}

func (hs *harness) say(t *testing.T, from int64, text string) string {
	t.Helper()
	hs.send(t, &kit.Message{FromID: from, Text: text})
	return hs.chat.last(groupID)
}

func (hs *harness) stored(t *testing.T) []storage.ScheduledAction {
	t.Helper()
	list, err := hs.store.LoadActions(context.Background())
	if err != nil {
		t.Fatalf("LoadActions: %v", err)
	}
	return list
}
