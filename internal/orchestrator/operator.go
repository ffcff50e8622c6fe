package orchestrator

import (
	"context"
	"fmt"

	"convpipe/internal/bus"
	"convpipe/internal/domain"
	"convpipe/internal/lock"
)

// ObserveOutbound records an outbound message seen outside the responder
// path. An operator-authored message disables the responder; the flag stays
// off until explicitly re-enabled.
func (o *Orchestrator) ObserveOutbound(ctx context.Context, convID string, msg domain.Message) (domain.Message, error) {
	msg.Direction = domain.Outbound
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = o.now()
	}
	recorded, err := o.store.AppendMessage(ctx, convID, msg)
	if err != nil {
		return recorded, fmt.Errorf("record outbound message: %w", err)
	}
	if domain.IsOperator(msg.SentBy) {
		o.takeover(ctx, convID, msg.SentBy)
	}
	return recorded, nil
}

// OperatorSend delivers a message written by a human operator through the
// transport, under the counterpart's send lock, and disables the responder.
func (o *Orchestrator) OperatorSend(ctx context.Context, convID, operator, body string) (domain.Message, error) {
	conv, err := o.store.GetConversation(ctx, convID)
	if err != nil {
		return domain.Message{}, err
	}
	sentBy := domain.SentByOperator
	if operator != "" {
		sentBy += ":" + operator
	}

	release, err := o.locks.Acquire(ctx, lock.Key(conv.Tenant, conv.CounterpartAddress))
	if err != nil {
		return domain.Message{}, err
	}
	defer release()

	msg, err := o.deliver(ctx, conv, body, sentBy)
	if err != nil {
		return msg, err
	}
	o.takeover(ctx, convID, sentBy)
	return msg, nil
}

// SetResponderEnabled flips the automated responder for a conversation.
func (o *Orchestrator) SetResponderEnabled(ctx context.Context, convID string, enabled bool) error {
	if err := o.store.SetResponderEnabled(ctx, convID, enabled); err != nil {
		return err
	}
	o.logger.Info("responder flag changed", "conversation_id", convID, "enabled", enabled)
	return nil
}

func (o *Orchestrator) takeover(ctx context.Context, convID, sentBy string) {
	if err := o.store.SetResponderEnabled(ctx, convID, false); err != nil {
		o.logger.Error("disable responder on operator message failed", "conversation_id", convID, "err", err)
		return
	}
	if conv, err := o.store.GetConversation(ctx, convID); err == nil {
		o.cancelFollowUps(ctx, conv)
	} else {
		o.logger.Warn("load conversation on takeover failed", "conversation_id", convID, "err", err)
	}
	o.logger.Info("operator took over conversation", "conversation_id", convID, "operator", sentBy)
	o.events.Emit(bus.Event{
		Type:    bus.EventOperatorTakeover,
		Source:  "orchestrator",
		Payload: map[string]any{"conversation_id": convID, "operator": sentBy},
	})
}
