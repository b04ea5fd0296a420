package chat

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/samber/lo"
)

// persistIfDirty writes the model to the mirror if it changed since the
// last write. Called on heartbeat ticks and on termination. The mirror
// is never read back into a live session.
func (e *Engine) persistIfDirty() {
	if !e.dirty || !e.loaded || e.store == nil || e.session == nil {
		return
	}

	e.dirty = false

	if err := e.store.SetMirror(e.session.Username, toMirror(e.model.view(), e.now())); err != nil {
		e.logger.Warn("failed to persist mirror", slog.String("error", err.Error()))
		return
	}

	e.logger.Debug("mirror persisted", slog.String("username", e.session.Username))
}

func toMirror(v View, at time.Time) state.Mirror {
	msgs := make(map[string][]state.MirrorMessage, len(v.Messages))
	for contact, log := range v.Messages {
		msgs[contact] = lo.Map(log, func(m Message, _ int) state.MirrorMessage {
			return state.MirrorMessage{
				Sender:    m.Sender,
				Content:   m.Content,
				Direction: string(m.Direction),
				Timestamp: m.Timestamp,
			}
		})
	}

	return state.Mirror{
		Contacts: v.Contacts,
		Blocked:  v.Blocked,
		Pending: lo.Map(v.Pending, func(p PendingRequest, _ int) state.MirrorRequest {
			return state.MirrorRequest{From: p.From, ReceivedAt: p.ReceivedAt}
		}),
		Messages: msgs,
		SavedAt:  at.UTC(),
	}
}
