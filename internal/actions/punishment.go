package actions

import (
	"context"
	"fmt"
	"strconv"

	"modbot/internal/storage"
	"modbot/internal/transport"
)

// Punishment lifts a temporary ban or mute.
type Punishment struct {
	mod  transport.Moderator
	send transport.Sender
}

func NewPunishment(mod transport.Moderator, send transport.Sender) *Punishment {
	return &Punishment{mod: mod, send: send}
}

func (p *Punishment) Execute(ctx context.Context, a storage.ScheduledAction) error {
	pl, err := Decode[PunishmentPayload](a)
	if err != nil {
		return err
	}
	switch pl.Type {
	case PunishBan:
		err = p.mod.Unban(ctx, pl.ChatID, pl.UserID)
	case PunishMute:
		err = p.mod.Unmute(ctx, pl.ChatID, pl.UserID)
	default:
		return fmt.Errorf("%w: unknown punishment type %q", ErrBadPayload, pl.Type)
	}
	if err != nil {
		return fmt.Errorf("lift %s: %w", pl.Type, err)
	}
	_, err = p.send.SendText(ctx, transport.ChatTarget{ChatID: pl.ChatID}, RevocationLine(pl), nil)
	return err
}

// RevocationLine is posted to the chat when a punishment expires.
func RevocationLine(pl PunishmentPayload) string {
	who := "user " + strconv.FormatInt(pl.UserID, 10)
	if pl.Username != "" {
		who = "@" + pl.Username
	}
	s := fmt.Sprintf("Temporary %s for %s has expired and was lifted.", pl.Type, who)
	if pl.Reason != "" {
		s += " Reason was: " + pl.Reason
	}
	return s
}
