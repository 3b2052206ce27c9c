package chatsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Reaction synchronizer
// ============================================================================

// React applies this participant's reaction to a message optimistically and
// reconciles with the server's acknowledgment. reactionType "" removes the
// current reaction; requesting the same type twice toggles it off. On
// rejection the pre-mutation snapshot is restored exactly; on ack or
// broadcast the authoritative payload overwrites local state.
func (e *Engine) React(ctx context.Context, messageID, reactionType string) error {
	msg, ok := e.store.Get(messageID)
	if !ok {
		return ErrUnknownMessage
	}

	prior := ""
	for _, r := range msg.Reactions {
		if r.UserID == e.self.ID {
			prior = r.Type
			break
		}
	}
	removing := reactionType == "" || reactionType == prior
	if removing && prior == "" {
		// Nothing to remove.
		return nil
	}

	opID := uuid.NewString()
	e.rollback.Capture(opID, msg)

	e.store.Update(messageID, func(m *Message) {
		if prior != "" {
			kept := m.Reactions[:0]
			for _, r := range m.Reactions {
				if r.UserID != e.self.ID {
					kept = append(kept, r)
				}
			}
			m.Reactions = kept
			if m.ReactionCounts != nil {
				if m.ReactionCounts[prior] <= 1 {
					delete(m.ReactionCounts, prior)
				} else {
					m.ReactionCounts[prior]--
				}
			}
		}
		if !removing {
			m.Reactions = append(m.Reactions, Reaction{
				UserID:    e.self.ID,
				Type:      reactionType,
				CreatedAt: time.Now().UTC(),
			})
			if m.ReactionCounts == nil {
				m.ReactionCounts = make(map[string]int)
			}
			m.ReactionCounts[reactionType]++
		}
	})
	e.notify(ChangeMessages)
	e.metrics.reactions.Inc()

	event := EventReactToMessage
	payload := map[string]string{"messageId": messageID, "type": reactionType}
	if removing {
		event = EventRemoveReaction
		payload = map[string]string{"messageId": messageID}
	}

	ctx, cancel := e.withAckTimeout(ctx)
	defer cancel()
	ack, err := e.tr.EmitWithAck(ctx, event, payload)
	if err != nil || !ack.OK {
		// Rejection and timeout both discard the optimistic mutation.
		if snap, had := e.rollback.Restore(opID); had {
			e.store.Update(messageID, func(m *Message) { *m = snap })
			e.notify(ChangeMessages)
		}
		e.metrics.reactionFailures.Inc()
		if err != nil {
			e.log.Warn("reaction failed", zap.String("messageId", messageID), zap.Error(err))
			if ctx.Err() != nil {
				return ErrAckTimeout
			}
			return err
		}
		e.log.Warn("reaction rejected", zap.String("messageId", messageID), zap.String("reason", ack.Error))
		return &AckError{Event: event, Message: ack.Error}
	}

	e.rollback.Discard(opID)
	if upd, derr := decodeJSON[ReactionUpdatePayload](ack.Data); derr == nil && upd.MessageID != "" {
		e.applyReactionUpdate(upd)
	}
	return nil
}

// applyReactionUpdate overwrites a message's reaction state with the
// authoritative server payload. Last authoritative payload wins; there is no
// merging with in-flight local snapshots (those settle independently).
func (e *Engine) applyReactionUpdate(p *ReactionUpdatePayload) {
	changed := e.store.Update(p.MessageID, func(m *Message) {
		m.Reactions = append([]Reaction(nil), p.Reactions...)
		if p.ReactionCounts == nil {
			m.ReactionCounts = nil
		} else {
			m.ReactionCounts = make(map[string]int, len(p.ReactionCounts))
			for k, v := range p.ReactionCounts {
				m.ReactionCounts[k] = v
			}
		}
	})
	if changed {
		e.notify(ChangeMessages)
	}
}

func (e *Engine) handleReactionUpdated(payload json.RawMessage) {
	var p ReactionUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.log.Warn("decode reaction update", zap.Error(err))
		return
	}
	e.applyReactionUpdate(&p)
}
