// Package pipeline is the inbound entry point: every message is stored first,
// then short-circuited or debounced and handed to the reply orchestrator.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"convpipe/internal/bus"
	"convpipe/internal/debounce"
	"convpipe/internal/domain"
	"convpipe/internal/lock"
	"convpipe/internal/metrics"
	"convpipe/internal/orchestrator"
)

// BurstHandler receives flushed bursts.
type BurstHandler interface {
	HandleBurst(ctx context.Context, b orchestrator.Burst) error
}

// Canceller cancels deferred messages.
type Canceller interface {
	Cancel(ctx context.Context, req domain.CancelRequest) (int, error)
}

// Observer records business-side messages and applies the operator takeover.
type Observer interface {
	ObserveOutbound(ctx context.Context, convID string, msg domain.Message) (domain.Message, error)
}

// Inbound records inbound messages and feeds the debouncer.
type Inbound struct {
	store         domain.ConversationStore
	handler       BurstHandler
	followUps     Canceller
	observer      Observer
	events        bus.Emitter
	defaultTenant string
	burstTimeout  time.Duration

	debouncer *debounce.Debouncer

	mu      sync.Mutex
	baseCtx context.Context

	logger *slog.Logger
}

// Config configures Inbound.
type Config struct {
	Store         domain.ConversationStore
	Handler       BurstHandler
	FollowUps     Canceller // nil: queued follow-ups are left alone
	Observer      Observer  // nil: operator messages are recorded and the responder disabled here
	Events        bus.Emitter
	DefaultTenant string
	QuietWindow   time.Duration
	// BurstTimeout bounds one orchestrator run, including retries.
	BurstTimeout time.Duration
	Logger       *slog.Logger
}

// New creates an Inbound pipeline with its own debouncer.
func New(cfg Config) *Inbound {
	in := &Inbound{
		store:         cfg.Store,
		handler:       cfg.Handler,
		followUps:     cfg.FollowUps,
		observer:      cfg.Observer,
		events:        cfg.Events,
		defaultTenant: cfg.DefaultTenant,
		burstTimeout:  cfg.BurstTimeout,
		baseCtx:       context.Background(),
		logger:        cfg.Logger,
	}
	if in.events == nil {
		in.events = bus.Nop{}
	}
	if in.defaultTenant == "" {
		in.defaultTenant = "default"
	}
	if in.burstTimeout <= 0 {
		in.burstTimeout = 5 * time.Minute
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	in.debouncer = debounce.New(debounce.Config{
		QuietWindow: cfg.QuietWindow,
		Flush:       in.flush,
		Logger:      in.logger,
	})
	return in
}

// Run consumes events from b in arrival order until the bus closes or ctx
// is done. Flushes started afterwards inherit ctx.
func (in *Inbound) Run(ctx context.Context, b domain.MessageBus) {
	in.mu.Lock()
	in.baseCtx = ctx
	in.mu.Unlock()

	ch := b.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := in.OnInboundMessage(ctx, evt); err != nil {
				in.logger.Error("inbound message not processed",
					"channel", evt.Channel,
					"counterpart", evt.Counterpart,
					"err", err,
				)
			}
		}
	}
}

// OnInboundMessage durably records evt, then either skips automation
// (operator-authored message, responder disabled) or adds it to the
// counterpart's pending burst. An operator-authored message is recorded as
// outbound and switches the responder off for good.
func (in *Inbound) OnInboundMessage(ctx context.Context, evt domain.InboundEvent) error {
	tenant := evt.Tenant
	if tenant == "" {
		tenant = in.defaultTenant
	}
	counterpart := strings.TrimSpace(evt.Counterpart)
	if counterpart == "" {
		return fmt.Errorf("inbound event from %s has no counterpart", evt.Channel)
	}
	sentBy := evt.SentBy
	if sentBy == "" {
		sentBy = domain.SentByCounterpart
	}

	conv, err := in.store.FindOrCreate(ctx, tenant, counterpart)
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}
	if domain.IsOperator(sentBy) {
		return in.operatorMessage(ctx, conv, evt, sentBy)
	}

	msg, err := in.store.AppendMessage(ctx, conv.ID, domain.Message{
		Direction: domain.Inbound,
		Body:      evt.Body,
		SentBy:    sentBy,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}
	metrics.InboundMessages.Inc()
	in.events.Emit(bus.Event{
		Type:   bus.EventMessageReceived,
		Source: evt.Channel,
		Payload: map[string]any{
			"conversation_id": conv.ID,
			"counterpart":     counterpart,
			"seq":             msg.Seq,
		},
	})

	if !conv.ResponderEnabled {
		in.logger.Debug("responder disabled, not debounced", "conversation_id", conv.ID)
		return nil
	}

	// The counterpart wrote back; a queued "no reply" nudge is obsolete.
	if in.followUps != nil {
		if _, err := in.followUps.Cancel(ctx, domain.CancelRequest{
			Tenant: tenant, Counterpart: counterpart, Kind: domain.KindFollowUp,
		}); err != nil {
			in.logger.Warn("cancel follow-ups failed", "conversation_id", conv.ID, "err", err)
		}
	}

	in.debouncer.Add(lock.Key(tenant, counterpart), msg)
	return nil
}

func (in *Inbound) operatorMessage(ctx context.Context, conv *domain.Conversation, evt domain.InboundEvent, sentBy string) error {
	msg := domain.Message{
		Direction: domain.Outbound,
		Body:      evt.Body,
		SentBy:    sentBy,
		CreatedAt: evt.Timestamp,
	}
	if in.observer != nil {
		if _, err := in.observer.ObserveOutbound(ctx, conv.ID, msg); err != nil {
			return fmt.Errorf("record operator message: %w", err)
		}
		return nil
	}

	if _, err := in.store.AppendMessage(ctx, conv.ID, msg); err != nil {
		return fmt.Errorf("record operator message: %w", err)
	}
	if err := in.store.SetResponderEnabled(ctx, conv.ID, false); err != nil {
		return fmt.Errorf("disable responder: %w", err)
	}
	in.logger.Info("operator took over conversation", "conversation_id", conv.ID, "operator", sentBy)
	in.events.Emit(bus.Event{
		Type:    bus.EventOperatorTakeover,
		Source:  evt.Channel,
		Payload: map[string]any{"conversation_id": conv.ID, "operator": sentBy},
	})
	return nil
}

// flush runs on the debounce timer goroutine. It hands the burst to the
// orchestrator with the last message as the prompt.
func (in *Inbound) flush(key string, msgs []domain.Message) {
	if len(msgs) == 0 {
		return
	}
	in.mu.Lock()
	base := in.baseCtx
	in.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, in.burstTimeout)
	defer cancel()

	last := msgs[len(msgs)-1]
	convID := last.ConversationID
	err := in.handler.HandleBurst(ctx, orchestrator.Burst{
		ConversationID: convID,
		Messages:       msgs,
		Prompt:         last.Body,
	})
	if err != nil {
		in.logger.Warn("burst not answered",
			"key", key,
			"conversation_id", convID,
			"messages", len(msgs),
			"err", err,
		)
	}
}

// PendingBursts returns how many counterparts are currently being debounced.
func (in *Inbound) PendingBursts() int {
	return in.debouncer.Len()
}

// Stop cancels pending debounce timers and waits for in-flight flushes.
func (in *Inbound) Stop() {
	in.debouncer.Stop()
}
