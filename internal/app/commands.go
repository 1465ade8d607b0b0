package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modbot/internal/actions"
	"modbot/internal/storage"
	"modbot/internal/task/deferred"
	kit "modbot/internal/transport"
	"modbot/pkg/durparse"
	logx "modbot/pkg/logx"
)

// chatOps is the transport surface the command handlers use.
type chatOps interface {
	kit.Sender
	kit.Moderator
	kit.Poller
}

const dueLayout = "2006-01-02 15:04 MST"

// handlers implements the user-facing commands on top of the deferred
// scheduler.
type handlers struct {
	sched   *deferred.Scheduler
	store   storage.Store
	chat    chatOps
	ladders actions.LadderFunc
	router  *Router
	status  func() string
	log     logx.Logger
}

func (h *handlers) now() time.Time { return h.sched.Clock().Now() }

func (h *handlers) commands() []Command {
	return []Command{
		{Name: "help", Usage: "/help", Description: "list commands", Handle: h.help},
		{Name: "remind", Usage: "/remind <duration> <text>", Description: "DM you a reminder later, e.g. /remind 1d2h stretch", Handle: h.remind},
		{Name: "reminders", Usage: "/reminders", Description: "list your pending reminders", Handle: h.reminders},
		{Name: "unremind", Usage: "/unremind <id>", Description: "cancel one of your reminders", Handle: h.unremind},
		{Name: "vote", Usage: "/vote <ladder> <question>", Description: "open a vote on a ladder", Timeout: 15 * time.Second, Handle: h.vote},
		{Name: "tempban", Usage: "/tempban <duration> [user_id] [reason] (or reply)", Description: "ban a member until the duration passes", OwnerOnly: true, Timeout: 15 * time.Second, Handle: h.punish(actions.PunishBan)},
		{Name: "tempmute", Usage: "/tempmute <duration> [user_id] [reason] (or reply)", Description: "mute a member until the duration passes", OwnerOnly: true, Timeout: 15 * time.Second, Handle: h.punish(actions.PunishMute)},
		{Name: "reschedule", Usage: "/reschedule <id> <duration>", Description: "move any pending action", OwnerOnly: true, Handle: h.reschedule},
		{Name: "cancel", Usage: "/cancel <id>", Description: "cancel any pending action", OwnerOnly: true, Handle: h.cancel},
		{Name: "status", Usage: "/status", Description: "scheduler and maintenance state", OwnerOnly: true, Handle: h.statusCmd},
	}
}

func (h *handlers) reply(ctx context.Context, req *Request, format string, args ...any) error {
	_, err := h.chat.SendText(ctx, req.Chat, fmt.Sprintf(format, args...), &kit.SendOptions{DisablePreview: true})
	return err
}

func (h *handlers) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range h.router.Commands() {
		if c.OwnerOnly && !h.router.IsOwner(req.FromID) {
			continue
		}
		fmt.Fprintf(&b, "%s  %s\n", c.Usage, c.Description)
	}
	return h.reply(ctx, req, "%s", strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) remind(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return h.reply(ctx, req, "Usage: /remind <duration> <text>")
	}
	now := h.now()
	due, err := durparse.Parse(req.Args[0], now)
	if err != nil {
		return h.reply(ctx, req, "I couldn't read %q as a duration. Try something like 1d2h or 3w.", req.Args[0])
	}
	payload, err := actions.Encode(actions.ReminderPayload{Text: restAfter(req.Rest, 1)})
	if err != nil {
		return err
	}
	id, err := h.sched.ScheduleNow(ctx, storage.NewAction{
		Kind:    actions.KindReminder,
		DueAt:   due,
		Payload: payload,
		OwnerID: req.FromID,
		ChatID:  req.Chat.ChatID,
	})
	if err != nil {
		_ = h.reply(ctx, req, "Couldn't save that reminder, please try again.")
		return err
	}
	return h.reply(ctx, req, "Okay, reminder #%d set for %s (in %s).", id, due.Format(dueLayout), humanDuration(due.Sub(now)))
}

func (h *handlers) reminders(ctx context.Context, req *Request) error {
	list, err := h.store.ActionsByOwner(ctx, req.FromID, actions.KindReminder)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return h.reply(ctx, req, "You have no pending reminders.")
	}
	var b strings.Builder
	now := h.now()
	for _, a := range list {
		text := "?"
		if p, err := actions.Decode[actions.ReminderPayload](a); err == nil {
			text = p.Text
		}
		fmt.Fprintf(&b, "#%d  %s (in %s): %s\n", a.ID, a.DueAt.Format(dueLayout), humanDuration(a.DueAt.Sub(now)), text)
	}
	return h.reply(ctx, req, "%s", strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) unremind(ctx context.Context, req *Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return h.reply(ctx, req, "Usage: /unremind <id>")
	}
	a, found, err := h.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if !found || a.Kind != actions.KindReminder || a.OwnerID != req.FromID {
		return h.reply(ctx, req, "You have no reminder #%d.", id)
	}
	return h.cancelAndReply(ctx, req, id)
}

func (h *handlers) cancel(ctx context.Context, req *Request) error {
	id, ok := parseID(req.Args)
	if !ok {
		return h.reply(ctx, req, "Usage: /cancel <id>")
	}
	return h.cancelAndReply(ctx, req, id)
}

func (h *handlers) cancelAndReply(ctx context.Context, req *Request, id int64) error {
	cancelled, err := h.sched.Cancel(ctx, id)
	switch {
	case errors.Is(err, deferred.ErrUnknownAction):
		return h.reply(ctx, req, "Nothing pending with id #%d.", id)
	case err != nil:
		_ = h.reply(ctx, req, "Couldn't cancel #%d, please try again.", id)
		return err
	case !cancelled:
		return h.reply(ctx, req, "#%d is running right now and can't be cancelled.", id)
	}
	return h.reply(ctx, req, "Cancelled #%d.", id)
}

func (h *handlers) reschedule(ctx context.Context, req *Request) error {
	id, ok := parseID(req.Args)
	if !ok || len(req.Args) < 2 {
		return h.reply(ctx, req, "Usage: /reschedule <id> <duration>")
	}
	now := h.now()
	due, err := durparse.Parse(req.Args[1], now)
	if err != nil {
		return h.reply(ctx, req, "I couldn't read %q as a duration.", req.Args[1])
	}
	err = h.sched.Reschedule(ctx, id, due)
	switch {
	case errors.Is(err, deferred.ErrUnknownAction):
		return h.reply(ctx, req, "Nothing pending with id #%d.", id)
	case errors.Is(err, deferred.ErrFiring):
		return h.reply(ctx, req, "#%d is running right now.", id)
	case err != nil:
		_ = h.reply(ctx, req, "Couldn't reschedule #%d.", id)
		return err
	}
	return h.reply(ctx, req, "#%d now runs at %s.", id, due.Format(dueLayout))
}

func (h *handlers) vote(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return h.reply(ctx, req, "Usage: /vote <ladder> <question>")
	}
	ladder, ok := h.ladders(req.Args[0])
	if !ok {
		return h.reply(ctx, req, "That ladder does not exist.")
	}
	question := restAfter(req.Rest, 1)
	to := kit.ChatTarget{ChatID: ladder.ChatID}
	ref, pollID, err := h.chat.SendPoll(ctx, to, question, []string{actions.VoteYes, actions.VoteNo})
	if err != nil {
		_ = h.reply(ctx, req, "Couldn't post the poll.")
		return err
	}
	payload, err := actions.Encode(actions.VotePayload{
		Ladder:    ladder.Name,
		Question:  question,
		ChatID:    ref.ChatID,
		ThreadID:  ref.ThreadID,
		MessageID: ref.MessageID,
		PollID:    pollID,
		Minimum:   ladder.Minimum,
	})
	if err != nil {
		return err
	}
	due := h.now().Add(ladder.Timeout)
	id, err := h.sched.ScheduleNow(ctx, storage.NewAction{
		Kind:    actions.KindVote,
		DueAt:   due,
		Payload: payload,
		OwnerID: req.FromID,
		ChatID:  ladder.ChatID,
	})
	if err != nil {
		// No timer will ever close it; close it now so it doesn't linger.
		if _, serr := h.chat.StopPoll(ctx, ref); serr != nil {
			req.Log.Warn("closing orphaned poll failed", logx.Err(serr))
		}
		_ = h.reply(ctx, req, "Couldn't schedule the vote.")
		return err
	}
	return h.reply(ctx, req, "Vote %s/%d is open until %s.", strings.ToLower(ladder.Name), id, due.Format(dueLayout))
}

func (h *handlers) punish(kind string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if req.Msg.IsPrivate {
			return h.reply(ctx, req, "Use this in the group.")
		}
		if len(req.Args) < 1 {
			return h.reply(ctx, req, "Usage: /temp%s <duration> [user_id] [reason], or reply to the member.", kind)
		}
		now := h.now()
		due, err := durparse.Parse(req.Args[0], now)
		if err != nil {
			return h.reply(ctx, req, "I couldn't read %q as a duration.", req.Args[0])
		}
		target, username, reason := req.Msg.ReplyToFromID, req.Msg.ReplyToUsername, restAfter(req.Rest, 1)
		if target == 0 {
			if len(req.Args) < 2 {
				return h.reply(ctx, req, "Reply to the member or pass their user id.")
			}
			if target, err = strconv.ParseInt(req.Args[1], 10, 64); err != nil {
				return h.reply(ctx, req, "%q is not a user id.", req.Args[1])
			}
			reason = restAfter(req.Rest, 2)
		}

		chatID := req.Chat.ChatID
		if kind == actions.PunishBan {
			err = h.chat.Ban(ctx, chatID, target, time.Time{})
		} else {
			err = h.chat.Mute(ctx, chatID, target, time.Time{})
		}
		if err != nil {
			_ = h.reply(ctx, req, "Telegram refused the %s: %v", kind, err)
			return err
		}

		payload, err := actions.Encode(actions.PunishmentPayload{
			Type: kind, ChatID: chatID, UserID: target, Username: username, Reason: reason,
		})
		if err != nil {
			return err
		}
		id, err := h.sched.ScheduleNow(ctx, storage.NewAction{
			Kind:    actions.KindPunishment,
			DueAt:   due,
			Payload: payload,
			OwnerID: req.FromID,
			ChatID:  chatID,
		})
		if err != nil {
			_ = h.reply(ctx, req, "The %s is in place but I couldn't schedule its expiry. Lift it by hand.", kind)
			return err
		}
		return h.reply(ctx, req, "Done. The %s expires %s (#%d).", kind, due.Format(dueLayout), id)
	}
}

func (h *handlers) statusCmd(ctx context.Context, req *Request) error {
	if h.status == nil {
		return h.reply(ctx, req, "No status available.")
	}
	return h.reply(ctx, req, "%s", h.status())
}

// onPoll closes a vote early once its ladder threshold is reached, by
// pulling the action's due time forward.
func (h *handlers) onPoll(ctx context.Context, up *kit.PollUpdate) {
	log := h.log.With(logx.String("poll_id", up.PollID))
	list, err := h.store.LoadActions(ctx)
	if err != nil {
		log.Warn("poll update: loading actions failed", logx.Err(err))
		return
	}
	for _, a := range list {
		if a.Kind != actions.KindVote {
			continue
		}
		p, err := actions.Decode[actions.VotePayload](a)
		if err != nil || p.PollID != up.PollID {
			continue
		}
		ladder, ok := h.ladders(p.Ladder)
		if !ok || !ladder.ThresholdReached(up.Result.Votes(actions.VoteYes), up.Result.Votes(actions.VoteNo)) {
			return
		}
		soon := h.now().Add(time.Second)
		if a.DueAt.Before(soon) {
			return
		}
		if err := h.sched.Reschedule(ctx, a.ID, soon); err != nil {
			log.Warn("closing vote early failed", logx.Int64("id", a.ID), logx.Err(err))
			return
		}
		log.Info("vote threshold reached, closing early", logx.Int64("id", a.ID), logx.String("ladder", p.Ladder))
		return
	}
}

func parseID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	return id, err == nil && id > 0
}

// restAfter drops the first n whitespace-separated words of s.
func restAfter(s string, n int) string {
	s = strings.TrimSpace(s)
	for range n {
		i := strings.IndexAny(s, " \t\n")
		if i < 0 {
			return ""
		}
		s = strings.TrimSpace(s[i:])
	}
	return s
}

// humanDuration renders d as "3d 4h 5m", or seconds when under a minute.
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", max(int(d.Seconds()), 0))
	}
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	mins := (d - hours*time.Hour) / time.Minute
	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	return strings.Join(parts, " ")
}
