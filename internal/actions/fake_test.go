package actions

import (
	"context"
	"sync"
	"time"

	"modbot/internal/transport"
)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	lifted  []string
	poll    transport.PollResult
	stopped []transport.MessageRef
	err     error
}

func (f *fakeTransport) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, sent{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeTransport) Ban(context.Context, int64, int64, time.Time) error  { return nil }
func (f *fakeTransport) Mute(context.Context, int64, int64, time.Time) error { return nil }

func (f *fakeTransport) Unban(_ context.Context, _, userID int64) error {
	return f.lift("unban", userID)
}

func (f *fakeTransport) Unmute(_ context.Context, _, userID int64) error {
	return f.lift("unmute", userID)
}

func (f *fakeTransport) lift(op string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lifted = append(f.lifted, op)
	return nil
}

func (f *fakeTransport) SendPoll(_ context.Context, to transport.ChatTarget, _ string, _ []string) (transport.MessageRef, string, error) {
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 500}, "poll-1", nil
}

func (f *fakeTransport) StopPoll(_ context.Context, ref transport.MessageRef) (transport.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref)
	return f.poll, nil
}
