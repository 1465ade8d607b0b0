// Package transport defines the chat-platform surface the bot depends on.
// The Telegram implementation lives in telegram/adapter.
package transport

import (
	"context"
	"time"
)

// Update carries exactly one of Message or Poll.
type Update struct {
	Message *Message
	Poll    *PollUpdate
}

// PollUpdate is a new vote count for a poll the bot sent.
type PollUpdate struct {
	PollID string
	Result PollResult
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool

	// Set when the message replies to another user's message.
	ReplyToFromID   int64
	ReplyToUsername string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type PollOption struct {
	Text  string
	Votes int
}

type PollResult struct {
	Question string
	Options  []PollOption
	Total    int
	Closed   bool
}

// Votes returns the count for the option whose text equals label, or 0.
func (r PollResult) Votes(label string) int {
	for _, o := range r.Options {
		if o.Text == label {
			return o.Votes
		}
	}
	return 0
}

// Sender delivers text to a chat or a user's private chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Moderator applies and lifts member restrictions. A zero until means
// forever.
type Moderator interface {
	Ban(ctx context.Context, chatID, userID int64, until time.Time) error
	Unban(ctx context.Context, chatID, userID int64) error
	Mute(ctx context.Context, chatID, userID int64, until time.Time) error
	Unmute(ctx context.Context, chatID, userID int64) error
}

// Poller posts native polls and closes them. SendPoll also returns the
// platform poll id that later PollUpdates refer to.
type Poller interface {
	SendPoll(ctx context.Context, to ChatTarget, question string, options []string) (MessageRef, string, error)
	StopPoll(ctx context.Context, ref MessageRef) (PollResult, error)
}

type Adapter interface {
	Sender
	Moderator
	Poller

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
