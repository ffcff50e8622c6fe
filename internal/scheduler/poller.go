package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"convpipe/internal/bus"
	"convpipe/internal/domain"
	"convpipe/internal/lock"
	"convpipe/internal/metrics"
)

var kindPrompts = map[string]string{
	domain.KindFollowUp: "Write a short, friendly follow-up to a customer who has not replied. Do not repeat earlier messages word for word.",
	domain.KindReminder: "Write a brief reminder about the commitment described below.",
	domain.KindNurture:  "Write a short, helpful message that keeps the relationship warm without being pushy.",
}

const defaultKindPrompt = "Write the outbound message described below."

// Run polls for due work every poll interval until ctx is done. The first
// poll happens immediately so a restart resumes without waiting.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.pollInterval, "batch_size", s.batchSize)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if n, err := s.Poll(ctx); err != nil {
			s.logger.Error("scheduler poll failed", "err", err)
		} else if n > 0 {
			s.logger.Debug("scheduler poll complete", "processed", n)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: up to batchSize due pending records, oldest first,
// then up to retryBatchSize failed records whose retry is due. It returns how
// many records were attempted.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.FindDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find due: %w", err)
	}
	retries, err := s.store.FindRetryDue(ctx, now, s.retryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find retry due: %w", err)
	}

	processed := 0
	for _, batch := range [][]domain.ScheduledMessage{due, retries} {
		for i := range batch {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			s.process(ctx, batch[i])
			processed++
		}
	}
	return processed, nil
}

// process isolates one delivery: a panic or error never stops the loop.
func (s *Scheduler) process(ctx context.Context, m domain.ScheduledMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled delivery panicked",
				"id", m.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := s.deliver(ctx, m); err != nil {
		s.logger.Warn("scheduled delivery failed",
			"id", m.ID,
			"counterpart", m.CounterpartAddress,
			"retry_count", m.RetryCount,
			"err", err,
		)
	}
}

func (s *Scheduler) deliver(ctx context.Context, m domain.ScheduledMessage) error {
	if !s.markInFlight(m.ID) {
		return nil
	}
	defer s.clearInFlight(m.ID)

	lctx, cancel := context.WithTimeout(ctx, s.lockWait)
	release, err := s.locks.Acquire(lctx, lock.Key(m.Tenant, m.CounterpartAddress))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire send lock: %w", ctx.Err())
		}
		s.logger.Debug("counterpart busy, deferring scheduled message to next poll",
			"id", m.ID,
			"counterpart", m.CounterpartAddress,
		)
		return nil
	}
	defer release()

	// Re-read under the lock: the record may have been cancelled meanwhile.
	cur, err := s.store.GetScheduled(ctx, m.ID)
	if err != nil {
		return err
	}
	if !attemptable(cur) {
		s.logger.Debug("scheduled message no longer due", "id", cur.ID, "status", cur.Status)
		return nil
	}

	if cur.Content == "" && s.humanOwned(ctx, cur) {
		return s.withdraw(ctx, cur)
	}

	content, err := s.resolveContent(ctx, cur)
	if err == nil {
		err = s.send(ctx, cur, content)
	}
	if err != nil {
		return s.fail(ctx, cur, err)
	}

	if cur.ConversationID != "" && s.convs != nil {
		if _, err := s.convs.AppendMessage(ctx, cur.ConversationID, domain.Message{
			Direction: domain.Outbound,
			Body:      content,
			SentBy:    domain.SentByScheduler,
			CreatedAt: s.now(),
		}); err != nil {
			// Already delivered: mark sent regardless so it is never sent twice.
			s.logger.Error("record scheduled message in conversation", "id", cur.ID, "err", err)
		}
	}

	sentAt := s.now()
	ok, err := s.store.UpdateStatus(ctx, cur.ID, domain.Transition{
		From:       []domain.ScheduleStatus{cur.Status},
		To:         domain.StatusSent,
		RetryCount: cur.RetryCount,
		SentAt:     &sentAt,
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !ok {
		s.logger.Warn("scheduled message changed state during send", "id", cur.ID)
		return nil
	}

	metrics.ScheduledSent.Inc()
	s.logger.Info("scheduled message sent", "id", cur.ID, "kind", cur.Kind, "retry_count", cur.RetryCount)
	s.events.Emit(bus.Event{
		Type:    bus.EventScheduledSent,
		Source:  "scheduler",
		Payload: map[string]any{"id": cur.ID, "kind": cur.Kind, "counterpart": cur.CounterpartAddress},
	})
	return nil
}

func attemptable(m *domain.ScheduledMessage) bool {
	switch m.Status {
	case domain.StatusPending:
		return true
	case domain.StatusFailed:
		return m.RetryCount < m.MaxRetries
	}
	return false
}

// humanOwned reports whether the record's conversation has its responder
// switched off, in which case nothing may be generated for it.
func (s *Scheduler) humanOwned(ctx context.Context, m *domain.ScheduledMessage) bool {
	if m.ConversationID == "" || s.convs == nil {
		return false
	}
	conv, err := s.convs.GetConversation(ctx, m.ConversationID)
	if err != nil {
		s.logger.Warn("load conversation for scheduled message", "id", m.ID, "err", err)
		return false
	}
	return !conv.ResponderEnabled
}

// withdraw cancels a generated message whose conversation a human now owns.
func (s *Scheduler) withdraw(ctx context.Context, m *domain.ScheduledMessage) error {
	ok, err := s.store.UpdateStatus(ctx, m.ID, domain.Transition{
		From:         []domain.ScheduleStatus{m.Status},
		To:           domain.StatusCancelled,
		RetryCount:   m.RetryCount,
		ErrorMessage: "responder disabled for conversation",
	})
	if err != nil {
		return fmt.Errorf("withdraw scheduled message: %w", err)
	}
	if ok {
		s.logger.Info("scheduled message withdrawn, conversation handled by a human",
			"id", m.ID,
			"kind", m.Kind,
			"conversation_id", m.ConversationID,
		)
	}
	return nil
}

func (s *Scheduler) resolveContent(ctx context.Context, m *domain.ScheduledMessage) (string, error) {
	if m.Content != "" {
		return m.Content, nil
	}
	if s.responder == nil {
		return "", errors.New("no responder configured to generate content")
	}

	var sb strings.Builder
	if s.context != nil && m.ConversationID != "" {
		history, err := s.context.BuildContext(ctx, m.ConversationID)
		if err != nil {
			s.logger.Warn("build context for scheduled message", "id", m.ID, "err", err)
		}
		sb.WriteString(history)
		sb.WriteString("\n")
	}
	prompt, ok := kindPrompts[m.Kind]
	if !ok {
		prompt = defaultKindPrompt
	}
	fmt.Fprintf(&sb, "[Task]\n%s\n%s\n", prompt, m.GenerationContext)

	gctx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()
	out, err := s.responder.Reply(gctx, sb.String())
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if out = strings.TrimSpace(out); out == "" {
		return "", errors.New("generate content: empty reply")
	}
	return out, nil
}

func (s *Scheduler) send(ctx context.Context, m *domain.ScheduledMessage, content string) error {
	sctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	start := time.Now()
	_, err := s.transport.Send(sctx, m.CounterpartAddress, content)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return err
}

// fail records a failed attempt against the record's own retry budget. The
// last allowed failure leaves the record failed with no next retry; nothing
// picks it up again.
func (s *Scheduler) fail(ctx context.Context, m *domain.ScheduledMessage, cause error) error {
	metrics.ScheduledFailed.Inc()
	policy := s.policy
	policy.MaxAttempts = m.MaxRetries

	retries := m.RetryCount + 1
	if retries > m.MaxRetries {
		retries = m.MaxRetries
	}
	t := domain.Transition{
		From:         []domain.ScheduleStatus{m.Status},
		To:           domain.StatusFailed,
		RetryCount:   retries,
		ErrorMessage: truncate(cause.Error(), 500),
	}
	exhausted := policy.Exhausted(retries)
	if !exhausted {
		next := s.now().Add(policy.Delay(retries))
		t.NextRetryAt = &next
	}

	ok, err := s.store.UpdateStatus(ctx, m.ID, t)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	if !ok {
		return cause
	}

	evt := bus.EventScheduledFailed
	if exhausted {
		evt = bus.EventScheduledExhausted
		s.logger.Warn("scheduled message exhausted its retries",
			"id", m.ID,
			"counterpart", m.CounterpartAddress,
			"retry_count", retries,
			"err", cause,
		)
	}
	s.events.Emit(bus.Event{
		Type:   evt,
		Source: "scheduler",
		Payload: map[string]any{
			"id":          m.ID,
			"kind":        m.Kind,
			"counterpart": m.CounterpartAddress,
			"retry_count": retries,
			"error":       t.ErrorMessage,
		},
	})
	return cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
