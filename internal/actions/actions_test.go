package actions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"modbot/internal/storage"
	"modbot/internal/transport"
)

func action(t *testing.T, id int64, kind string, payload any) storage.ScheduledAction {
	t.Helper()
	raw, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return storage.ScheduledAction{ID: id, Kind: kind, Payload: raw, OwnerID: 99, ChatID: -100}
}

func TestReminderSendsToOwner(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	err := NewReminder(tr).Execute(context.Background(), action(t, 1, KindReminder, ReminderPayload{Text: "water the plants"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].to.ChatID != 99 {
		t.Fatalf("unexpected sends: %+v", tr.sent)
	}
	if tr.sent[0].text != "You asked me to remind you: water the plants" {
		t.Fatalf("text = %q", tr.sent[0].text)
	}
}

func TestReminderRejectsBadPayload(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	a := storage.ScheduledAction{ID: 2, Kind: KindReminder, Payload: []byte("{"), OwnerID: 1}
	if err := NewReminder(tr).Execute(context.Background(), a); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
	a = action(t, 3, KindReminder, ReminderPayload{Text: "x"})
	a.OwnerID = 0
	if err := NewReminder(tr).Execute(context.Background(), a); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

func TestTally(t *testing.T) {
	t.Parallel()
	tests := []struct {
		yes, no, minimum int
		want             Outcome
	}{
		{yes: 5, no: 1, minimum: 3, want: Outcome{Result: "passed"}},
		{yes: 2, no: 1, minimum: 3, want: Outcome{Result: "failed", Reason: "Did not meet upvote threshold."}},
		{yes: 1, no: 4, minimum: 0, want: Outcome{Result: "failed", Reason: "More downvotes than upvotes."}},
		{yes: 2, no: 2, minimum: 5, want: Outcome{Result: "drew"}},
		{yes: 0, no: 0, minimum: 0, want: Outcome{Result: "drew"}},
	}
	for _, tt := range tests {
		if got := Tally(tt.yes, tt.no, tt.minimum); got != tt.want {
			t.Fatalf("Tally(%d,%d,%d) = %+v, want %+v", tt.yes, tt.no, tt.minimum, got, tt.want)
		}
	}
}

func TestThresholdReached(t *testing.T) {
	t.Parallel()
	l := Ladder{Threshold: 3}
	if l.ThresholdReached(2, 2) || !l.ThresholdReached(3, 0) || !l.ThresholdReached(0, 3) {
		t.Fatal("threshold check wrong")
	}
	if (Ladder{}).ThresholdReached(100, 100) {
		t.Fatal("zero threshold must never close early")
	}
}

func TestVoteAnnouncesOutcome(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{poll: transport.PollResult{
		Options: []transport.PollOption{{Text: VoteYes, Votes: 2}, {Text: VoteNo, Votes: 1}},
	}}
	ladders := func(name string) (Ladder, bool) {
		if name == "Mods" {
			return Ladder{Name: "Mods", Minimum: 3}, true
		}
		return Ladder{}, false
	}
	p := VotePayload{Ladder: "Mods", ChatID: -5, MessageID: 77, Minimum: 1}
	if err := NewVote(tr, tr, ladders).Execute(context.Background(), action(t, 12, KindVote, p)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tr.stopped) != 1 || tr.stopped[0].MessageID != 77 {
		t.Fatalf("poll not stopped: %+v", tr.stopped)
	}
	want := "Update on vote `mods/12`: failed. Did not meet upvote threshold."
	if len(tr.sent) != 1 || tr.sent[0].text != want || tr.sent[0].to.ChatID != -5 {
		t.Fatalf("sent = %+v, want %q", tr.sent, want)
	}

	// Ladder removed from config: payload minimum applies.
	tr.sent = nil
	p.Ladder = "gone"
	if err := NewVote(tr, tr, ladders).Execute(context.Background(), action(t, 13, KindVote, p)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := tr.sent[0].text; got != "Update on vote `gone/13`: passed." {
		t.Fatalf("text = %q", got)
	}
}

func TestPunishmentLifts(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	ex := NewPunishment(tr, tr)
	ctx := context.Background()

	if err := ex.Execute(ctx, action(t, 1, KindPunishment, PunishmentPayload{Type: PunishBan, ChatID: -1, UserID: 7, Username: "troll"})); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := ex.Execute(ctx, action(t, 2, KindPunishment, PunishmentPayload{Type: PunishMute, ChatID: -1, UserID: 8, Reason: "spam"})); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if strings.Join(tr.lifted, ",") != "unban,unmute" {
		t.Fatalf("lifted = %v", tr.lifted)
	}
	if !strings.Contains(tr.sent[0].text, "@troll") || !strings.Contains(tr.sent[1].text, "user 8") || !strings.HasSuffix(tr.sent[1].text, "Reason was: spam") {
		t.Fatalf("unexpected lines: %+v", tr.sent)
	}

	err := ex.Execute(ctx, action(t, 3, KindPunishment, PunishmentPayload{Type: "kick"}))
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

func TestPunishmentPropagatesTransportError(t *testing.T) {
	t.Parallel()
	boom := errors.New("forbidden")
	tr := &fakeTransport{err: boom}
	err := NewPunishment(tr, tr).Execute(context.Background(), action(t, 1, KindPunishment, PunishmentPayload{Type: PunishBan, UserID: 1}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
