package summarizer

import (
	"context"
	"fmt"
	"strings"

	"convpipe/internal/domain"
)

// SummarizeTenant folds every conversation summary updated since the tenant
// cursor into the tenant aggregate, chunkSize conversations per responder
// call, and persists the result with optimistic concurrency.
func (s *Summarizer) SummarizeTenant(ctx context.Context, tenant string) (*domain.TenantSummary, error) {
	var result *domain.TenantSummary
	err := s.conflict.Do(ctx, func(ctx context.Context, attempt int) error {
		ts, err := s.store.GetTenantSummary(ctx, tenant)
		if err != nil {
			return err
		}
		convs, err := s.store.ListSummarizedSince(ctx, tenant, ts.CursorSeq, 0)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			result = ts
			return nil
		}

		next := *ts
		for start := 0; start < len(convs); start += s.chunkSize {
			end := start + s.chunkSize
			if end > len(convs) {
				end = len(convs)
			}
			next = s.combineTenant(ctx, next, convs[start:end])
		}
		next.LastUpdated = s.now()

		if err := s.store.UpdateTenantSummary(ctx, ts.Version, next); err != nil {
			return err
		}
		next.Version = ts.Version + 1
		result = &next

		s.logger.Info("tenant summary updated",
			"tenant", tenant,
			"conversations", len(convs),
			"version", next.Version,
		)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("summarize tenant %s: %w", tenant, err)
	}
	return result, nil
}

// SummarizeAllTenants runs SummarizeTenant for every known tenant. One
// tenant's failure does not stop the others.
func (s *Summarizer) SummarizeAllTenants(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.SummarizeTenant(ctx, t); err != nil {
			s.logger.Warn("tenant summary failed", "tenant", t, "err", err)
		}
	}
	return nil
}

func (s *Summarizer) combineTenant(ctx context.Context, prior domain.TenantSummary, convs []domain.Conversation) domain.TenantSummary {
	next := prior
	next.ConversationsCovered += len(convs)
	last := convs[len(convs)-1]
	next.Cursor = last.Summary.LastUpdated
	next.CursorSeq = last.SummarySeq

	items := make([]string, len(convs))
	for i, c := range convs {
		items[i] = renderConversationSummary(c)
	}
	out, err := s.responder.Summarize(ctx, domain.SummaryRequest{
		Scope:        "tenant",
		PriorSummary: prior.Text,
		PriorStage:   prior.Stage,
		Items:        items,
	})
	if err != nil || out == nil || strings.TrimSpace(out.Summary) == "" {
		s.logger.Warn("tenant summary unavailable, using fallback", "tenant", prior.Tenant, "err", err)
		marker := fmt.Sprintf("[%d conversation summaries not aggregated]", len(convs))
		next.Text = truncateWords(prior.Text, maxTextLen-len(marker)-1)
		if next.Text != "" {
			next.Text += "\n"
		}
		next.Text += marker
		return next
	}

	next.Text = truncateWords(out.Summary, maxTextLen)
	if out.Stage != "" {
		next.Stage = truncateWords(out.Stage, maxStageLen)
	}
	next.Insights = clampList(mergeList(prior.Insights, out.Insights))
	return next
}

func renderConversationSummary(c domain.Conversation) string {
	var sb strings.Builder
	sb.WriteString(c.CounterpartAddress)
	if c.Summary.Stage != "" {
		fmt.Fprintf(&sb, " (%s)", c.Summary.Stage)
	}
	sb.WriteString(": ")
	sb.WriteString(c.Summary.Text)
	if len(c.Summary.Facts.Decisions) > 0 {
		fmt.Fprintf(&sb, " Decisions: %s.", strings.Join(c.Summary.Facts.Decisions, "; "))
	}
	return sb.String()
}
