package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbot/internal/storage"
	"modbot/internal/transport"
)

const (
	VoteYes = "Yes"
	VoteNo  = "No"
)

// Ladder is a configured voting channel.
type Ladder struct {
	Name      string
	ChatID    int64
	Timeout   time.Duration
	Threshold int // votes on either side that close the poll early; 0 disables
	Minimum   int // yes votes a passing vote needs
}

// LadderFunc resolves a ladder by name against the live config.
type LadderFunc func(name string) (Ladder, bool)

type Outcome struct {
	Result string // passed, failed or drew
	Reason string
}

// Tally decides a closed vote.
func Tally(yes, no, minimum int) Outcome {
	switch {
	case yes > no && yes < minimum:
		return Outcome{Result: "failed", Reason: "Did not meet upvote threshold."}
	case yes > no:
		return Outcome{Result: "passed"}
	case no > yes:
		return Outcome{Result: "failed", Reason: "More downvotes than upvotes."}
	default:
		return Outcome{Result: "drew"}
	}
}

// ThresholdReached reports whether either side has enough votes to close
// the poll before its timeout.
func (l Ladder) ThresholdReached(yes, no int) bool {
	return l.Threshold > 0 && (yes >= l.Threshold || no >= l.Threshold)
}

// FormatOutcome renders the announcement posted to the ladder chat.
func FormatOutcome(ladder string, id int64, o Outcome) string {
	s := fmt.Sprintf("Update on vote `%s/%d`: %s.", ladder, id, o.Result)
	if o.Reason != "" {
		s += " " + o.Reason
	}
	return s
}

// Vote closes the poll, tallies it and announces the outcome.
type Vote struct {
	polls   transport.Poller
	send    transport.Sender
	ladders LadderFunc
}

func NewVote(polls transport.Poller, send transport.Sender, ladders LadderFunc) *Vote {
	return &Vote{polls: polls, send: send, ladders: ladders}
}

func (v *Vote) Execute(ctx context.Context, a storage.ScheduledAction) error {
	p, err := Decode[VotePayload](a)
	if err != nil {
		return err
	}
	ref := transport.MessageRef{ChatID: p.ChatID, ThreadID: p.ThreadID, MessageID: p.MessageID}
	res, err := v.polls.StopPoll(ctx, ref)
	if err != nil {
		return fmt.Errorf("stop poll: %w", err)
	}
	minimum := p.Minimum
	if v.ladders != nil {
		if l, ok := v.ladders(p.Ladder); ok {
			minimum = l.Minimum
		}
	}
	o := Tally(res.Votes(VoteYes), res.Votes(VoteNo), minimum)
	text := FormatOutcome(strings.ToLower(p.Ladder), a.ID, o)
	_, err = v.send.SendText(ctx, transport.ChatTarget{ChatID: p.ChatID, ThreadID: p.ThreadID}, text, &transport.SendOptions{ParseMode: "Markdown"})
	return err
}
