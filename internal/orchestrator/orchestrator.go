// Package orchestrator turns a flushed inbound burst into a sent reply, with
// bounded retries and a hand-off to a human when the responder keeps failing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"convpipe/internal/bus"
	"convpipe/internal/domain"
	"convpipe/internal/lock"
	"convpipe/internal/metrics"
	"convpipe/internal/retry"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 2 * time.Second
	defaultReplyTimeout   = 60 * time.Second
	defaultSendTimeout    = 30 * time.Second
	defaultHandoffMessage = "Thanks for your patience! A member of our team will pick this up and get back to you shortly."
)

var errEmptyReply = errors.New("responder returned an empty reply")

// Burst is a completed debounce unit: every message recorded during the quiet
// window, and the body of the last one as the prompt.
type Burst struct {
	ConversationID string
	Messages       []domain.Message
	Prompt         string
}

// ContextSummarizer is the part of the summarizer the orchestrator uses.
type ContextSummarizer interface {
	BuildContext(ctx context.Context, convID string) (string, error)
	MaybeUpdateSummary(ctx context.Context, convID string) (domain.Summary, bool)
}

// FollowUps schedules and cancels deferred nudges.
type FollowUps interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.ScheduledMessage, error)
	Cancel(ctx context.Context, req domain.CancelRequest) (int, error)
}

// Orchestrator drives bursts through the responder and the transport.
type Orchestrator struct {
	store      domain.ConversationStore
	summarizer ContextSummarizer
	responder  domain.Responder
	transport  domain.Transport
	locks      *lock.Registry
	followUps  FollowUps
	events     bus.Emitter

	policy         retry.Policy
	replyTimeout   time.Duration
	sendTimeout    time.Duration
	handoffMessage string
	followUpDelay  time.Duration
	followUpMax    int

	now    func() time.Time
	logger *slog.Logger
}

// Config configures an Orchestrator.
type Config struct {
	Store      domain.ConversationStore
	Summarizer ContextSummarizer
	Responder  domain.Responder
	Transport  domain.Transport
	Locks      *lock.Registry
	FollowUps  FollowUps // nil disables follow-ups
	Events     bus.Emitter

	MaxAttempts    int
	BackoffBase    time.Duration
	ReplyTimeout   time.Duration
	SendTimeout    time.Duration
	HandoffMessage string
	// FollowUpDelay schedules a follow_up after each reply when > 0.
	FollowUpDelay      time.Duration
	FollowUpMaxRetries int

	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:          cfg.Store,
		summarizer:     cfg.Summarizer,
		responder:      cfg.Responder,
		transport:      cfg.Transport,
		locks:          cfg.Locks,
		followUps:      cfg.FollowUps,
		events:         cfg.Events,
		replyTimeout:   cfg.ReplyTimeout,
		sendTimeout:    cfg.SendTimeout,
		handoffMessage: cfg.HandoffMessage,
		followUpDelay:  cfg.FollowUpDelay,
		followUpMax:    cfg.FollowUpMaxRetries,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if o.locks == nil {
		o.locks = lock.NewRegistry()
	}
	if o.events == nil {
		o.events = bus.Nop{}
	}
	if o.replyTimeout <= 0 {
		o.replyTimeout = defaultReplyTimeout
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = defaultSendTimeout
	}
	if o.handoffMessage == "" {
		o.handoffMessage = defaultHandoffMessage
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	o.policy = retry.Policy{
		MaxAttempts: attempts,
		Backoff:     retry.Exponential(base),
		Sleep:       cfg.Sleep,
	}
	return o
}

// HandleBurst generates and sends one reply for b. The counterpart's send
// lock is held from generation through recording.
func (o *Orchestrator) HandleBurst(ctx context.Context, b Burst) error {
	conv, err := o.store.GetConversation(ctx, b.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	key := lock.Key(conv.Tenant, conv.CounterpartAddress)
	release, err := o.locks.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire send lock %s: %w", key, err)
	}
	defer release()

	// A human may have taken over during the quiet window.
	conv, err = o.store.GetConversation(ctx, b.ConversationID)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}
	if !conv.ResponderEnabled {
		o.logger.Info("responder disabled, skipping burst",
			"conversation_id", conv.ID,
			"messages", len(b.Messages),
		)
		return nil
	}

	reply, err := o.generate(ctx, conv, b)
	if err != nil {
		// Shutdown or the burst deadline is not a responder failure.
		if retry.IsExhausted(err) {
			o.handoff(ctx, conv, err)
		}
		return fmt.Errorf("reply for %s: %w", conv.ID, err)
	}

	if _, err := o.deliver(ctx, conv, reply, domain.SentByResponder); err != nil {
		o.events.Emit(bus.Event{
			Type:   bus.EventReplyFailed,
			Source: "orchestrator",
			Payload: map[string]any{
				"conversation_id": conv.ID,
				"counterpart":     conv.CounterpartAddress,
				"error":           err.Error(),
			},
		})
		return err
	}
	metrics.RepliesSent.Inc()
	o.events.Emit(bus.Event{
		Type:   bus.EventReplySent,
		Source: "orchestrator",
		Payload: map[string]any{
			"conversation_id": conv.ID,
			"counterpart":     conv.CounterpartAddress,
			"burst_size":      len(b.Messages),
		},
	})
	release()

	if o.summarizer != nil {
		o.summarizer.MaybeUpdateSummary(ctx, conv.ID)
	}
	o.scheduleFollowUp(ctx, conv)
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, conv *domain.Conversation, b Burst) (string, error) {
	var history string
	if o.summarizer != nil {
		c, err := o.summarizer.BuildContext(ctx, conv.ID)
		if err != nil {
			o.logger.Warn("build context failed, replying without history", "conversation_id", conv.ID, "err", err)
		}
		history = c
	}
	prompt := history + "\n[Reply to]\n" + b.Prompt

	var reply string
	err := o.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		rctx, cancel := context.WithTimeout(ctx, o.replyTimeout)
		defer cancel()

		start := time.Now()
		out, err := o.responder.Reply(rctx, prompt)
		metrics.ResponderLatency.Observe(time.Since(start).Seconds())
		if err == nil && strings.TrimSpace(out) == "" {
			err = errEmptyReply
		}
		if err != nil {
			metrics.ReplyAttemptFailures.Inc()
			o.logger.Warn("responder attempt failed",
				"conversation_id", conv.ID,
				"attempt", attempt,
				"err", err,
			)
			return err
		}
		reply = strings.TrimSpace(out)
		return nil
	})
	return reply, err
}

// deliver sends content and records it only after the transport accepted it.
func (o *Orchestrator) deliver(ctx context.Context, conv *domain.Conversation, content, sentBy string) (domain.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := o.transport.Send(sctx, conv.CounterpartAddress, content)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		o.logger.Warn("transport send failed",
			"conversation_id", conv.ID,
			"counterpart", conv.CounterpartAddress,
			"err", err,
		)
		return domain.Message{}, fmt.Errorf("send to %s: %w", conv.CounterpartAddress, err)
	}

	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = o.now()
	}
	msg, err := o.store.AppendMessage(ctx, conv.ID, domain.Message{
		Direction: domain.Outbound,
		Body:      content,
		SentBy:    sentBy,
		CreatedAt: sentAt,
	})
	if err != nil {
		return msg, fmt.Errorf("record outbound message: %w", err)
	}
	return msg, nil
}

// handoff disables the responder and tells the counterpart a human will
// continue. Its own failures are only logged.
func (o *Orchestrator) handoff(ctx context.Context, conv *domain.Conversation, cause error) {
	o.logger.Warn("responder exhausted, handing off to a human",
		"conversation_id", conv.ID,
		"counterpart", conv.CounterpartAddress,
		"err", cause,
	)
	metrics.Handoffs.Inc()

	if err := o.store.SetResponderEnabled(ctx, conv.ID, false); err != nil {
		o.logger.Error("disable responder failed", "conversation_id", conv.ID, "err", err)
	}
	o.cancelFollowUps(ctx, conv)
	if _, err := o.deliver(ctx, conv, o.handoffMessage, domain.SentBySystem); err != nil {
		o.logger.Warn("handoff message not delivered", "conversation_id", conv.ID, "err", err)
	}

	o.events.Emit(bus.Event{
		Type:   bus.EventReplyHandoff,
		Source: "orchestrator",
		Payload: map[string]any{
			"conversation_id": conv.ID,
			"counterpart":     conv.CounterpartAddress,
			"error":           cause.Error(),
		},
	})
}

// cancelFollowUps drops queued automated nudges once a human owns conv.
func (o *Orchestrator) cancelFollowUps(ctx context.Context, conv *domain.Conversation) {
	if o.followUps == nil {
		return
	}
	if _, err := o.followUps.Cancel(ctx, domain.CancelRequest{
		Tenant: conv.Tenant, Counterpart: conv.CounterpartAddress, Kind: domain.KindFollowUp,
	}); err != nil {
		o.logger.Warn("cancel follow-ups failed", "conversation_id", conv.ID, "err", err)
	}
}

func (o *Orchestrator) scheduleFollowUp(ctx context.Context, conv *domain.Conversation) {
	if o.followUps == nil || o.followUpDelay <= 0 {
		return
	}
	// Only the latest reply gets a nudge.
	if _, err := o.followUps.Cancel(ctx, domain.CancelRequest{
		Tenant: conv.Tenant, Counterpart: conv.CounterpartAddress, Kind: domain.KindFollowUp,
	}); err != nil {
		o.logger.Warn("cancel previous follow-up failed", "conversation_id", conv.ID, "err", err)
	}

	genCtx := "The customer has not replied since our last message."
	if latest, err := o.store.GetConversation(ctx, conv.ID); err == nil && latest.Summary.Stage != "" {
		genCtx += " Conversation stage: " + latest.Summary.Stage + "."
	}
	_, err := o.followUps.Schedule(ctx, domain.ScheduleRequest{
		ConversationID:     conv.ID,
		Tenant:             conv.Tenant,
		CounterpartAddress: conv.CounterpartAddress,
		Kind:               domain.KindFollowUp,
		ScheduledFor:       o.now().Add(o.followUpDelay),
		GenerationContext:  genCtx,
		TriggerEvent:       "no_reply",
		MaxRetries:         o.followUpMax,
	})
	if err != nil {
		o.logger.Warn("schedule follow-up failed", "conversation_id", conv.ID, "err", err)
	}
}
