package actions

import (
	"context"
	"fmt"

	"modbot/internal/storage"
	"modbot/internal/transport"
)

// Reminder DMs the owner the text they asked to be reminded of.
type Reminder struct {
	send transport.Sender
}

func NewReminder(send transport.Sender) *Reminder { return &Reminder{send: send} }

func (r *Reminder) Execute(ctx context.Context, a storage.ScheduledAction) error {
	p, err := Decode[ReminderPayload](a)
	if err != nil {
		return err
	}
	if a.OwnerID == 0 {
		return fmt.Errorf("%w: reminder #%d has no owner", ErrBadPayload, a.ID)
	}
	_, err = r.send.SendText(ctx, transport.ChatTarget{ChatID: a.OwnerID}, "You asked me to remind you: "+p.Text, nil)
	return err
}
