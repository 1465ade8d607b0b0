package actions

import (
	"encoding/json"
	"errors"
	"fmt"

	"modbot/internal/storage"
)

const (
	KindReminder   = "reminder"
	KindVote       = "vote"
	KindPunishment = "punishment"
)

var ErrBadPayload = errors.New("actions: bad payload")

type ReminderPayload struct {
	Text string `json:"text"`
}

type VotePayload struct {
	Ladder    string `json:"ladder"`
	Question  string `json:"question"`
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id"`
	PollID    string `json:"poll_id,omitempty"`
	// Minimum as configured when the vote opened; used if the ladder has
	// since been removed.
	Minimum int `json:"minimum,omitempty"`
}

const (
	PunishBan  = "ban"
	PunishMute = "mute"
)

type PunishmentPayload struct {
	Type     string `json:"type"`
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return b, nil
}

// Decode unmarshals a.Payload into T.
func Decode[T any](a storage.ScheduledAction) (T, error) {
	var v T
	if len(a.Payload) == 0 {
		return v, fmt.Errorf("%w: empty payload for %s #%d", ErrBadPayload, a.Kind, a.ID)
	}
	if err := json.Unmarshal(a.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s #%d: %v", ErrBadPayload, a.Kind, a.ID, err)
	}
	return v, nil
}
