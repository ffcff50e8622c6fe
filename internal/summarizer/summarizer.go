// Package summarizer keeps the context fed to the responder bounded. It
// maintains a progressive per-conversation summary and a tenant-wide
// aggregate built from those summaries.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"convpipe/internal/domain"
	"convpipe/internal/metrics"
	"convpipe/internal/retry"
)

const (
	defaultThreshold       = 10
	defaultTailMessages    = 10
	defaultChunkTrigger    = 30
	defaultChunkSize       = 20
	defaultPersistEvery    = 2
	defaultConflictRetries = 3
	defaultConflictBackoff = 100 * time.Millisecond
)

// Summarizer builds responder context and compresses conversation logs.
type Summarizer struct {
	store     domain.ConversationStore
	responder domain.Responder

	threshold    int
	tail         int
	chunkTrigger int
	chunkSize    int
	persistEvery int
	conflict     retry.Policy

	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Summarizer. Zero values take the defaults.
type Config struct {
	Store     domain.ConversationStore
	Responder domain.Responder

	Threshold          int // unsummarized messages that trigger an update
	TailMessages       int // raw messages included in context
	ChunkTrigger       int // pending count above which work is chunked
	ChunkSize          int
	PersistEveryChunks int
	ConflictRetries    int
	ConflictBackoff    time.Duration

	// Sleep overrides the conflict backoff wait (tests).
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Summarizer.
func New(cfg Config) *Summarizer {
	s := &Summarizer{
		store:        cfg.Store,
		responder:    cfg.Responder,
		threshold:    orDefault(cfg.Threshold, defaultThreshold),
		tail:         orDefault(cfg.TailMessages, defaultTailMessages),
		chunkTrigger: orDefault(cfg.ChunkTrigger, defaultChunkTrigger),
		chunkSize:    orDefault(cfg.ChunkSize, defaultChunkSize),
		persistEvery: orDefault(cfg.PersistEveryChunks, defaultPersistEvery),
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	backoff := cfg.ConflictBackoff
	if backoff <= 0 {
		backoff = defaultConflictBackoff
	}
	s.conflict = retry.Policy{
		MaxAttempts: orDefault(cfg.ConflictRetries, defaultConflictRetries) + 1,
		Backoff:     retry.Exponential(backoff),
		Retryable:   domain.IsVersionConflict,
		Sleep:       cfg.Sleep,
	}
	return s
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// BuildContext renders the latest summary and facts, the raw unsummarized
// tail (at most TailMessages) and the current time. Summarized messages are
// never included verbatim.
func (s *Summarizer) BuildContext(ctx context.Context, convID string) (string, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return "", err
	}
	from := conv.Summary.LastSummarizedIndex
	if conv.MessageCount-from > s.tail {
		from = conv.MessageCount - s.tail
	}
	msgs, err := s.store.ListMessages(ctx, convID, from, 0)
	if err != nil {
		return "", fmt.Errorf("load context tail: %w", err)
	}

	var sb strings.Builder
	if conv.Summary.Text != "" {
		sb.WriteString("[Conversation summary]\n")
		sb.WriteString(conv.Summary.Text)
		sb.WriteString("\n")
		if conv.Summary.Stage != "" {
			fmt.Fprintf(&sb, "Stage: %s\n", conv.Summary.Stage)
		}
	}
	if facts := renderFacts(conv.Summary.Facts); facts != "" {
		sb.WriteString("\n[Known facts]\n")
		sb.WriteString(facts)
	}
	if len(msgs) > 0 {
		sb.WriteString("\n[Recent messages]\n")
		for _, m := range msgs {
			sb.WriteString(renderMessage(m))
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "\n[Current time]\n%s\n", s.now().UTC().Format(time.RFC3339))
	return sb.String(), nil
}

// MaybeUpdateSummary folds unsummarized messages into the summary once at
// least Threshold of them are pending. It never returns an error: failures
// are logged and the last persisted summary is returned with updated=false.
func (s *Summarizer) MaybeUpdateSummary(ctx context.Context, convID string) (domain.Summary, bool) {
	var (
		current domain.Summary
		updated bool
	)
	err := s.conflict.Do(ctx, func(ctx context.Context, attempt int) error {
		conv, err := s.store.GetConversation(ctx, convID)
		if err != nil {
			return err
		}
		current = conv.Summary
		pending := conv.Unsummarized()
		if pending < s.threshold {
			return nil
		}
		msgs, err := s.store.ListMessages(ctx, convID, conv.Summary.LastSummarizedIndex, pending)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		chunks := s.chunks(len(msgs))
		if len(chunks) > 1 {
			s.logger.Info("chunked summarization",
				"conversation_id", convID,
				"pending", len(msgs),
				"chunks", len(chunks),
				"attempt", attempt,
			)
		}

		version := conv.SummaryVersion
		next := conv.Summary
		for i, c := range chunks {
			next = s.combine(ctx, convID, next, msgs[c[0]:c[1]])
			if (i+1)%s.persistEvery != 0 && i != len(chunks)-1 {
				continue
			}
			if err := s.store.UpdateSummary(ctx, convID, version, next); err != nil {
				return err
			}
			version++
			current = next
			updated = true
			metrics.SummariesUpdated.Inc()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("summary update failed, keeping previous summary",
			"conversation_id", convID,
			"err", err,
		)
	}
	return current, updated
}

// chunks splits n pending messages into [start, end) ranges.
func (s *Summarizer) chunks(n int) [][2]int {
	if n <= s.chunkTrigger {
		return [][2]int{{0, n}}
	}
	var out [][2]int
	for start := 0; start < n; start += s.chunkSize {
		end := start + s.chunkSize
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// combine asks the responder to fold msgs into prior. Any failure or empty
// result yields the deterministic fallback; the cursor advances either way.
func (s *Summarizer) combine(ctx context.Context, convID string, prior domain.Summary, msgs []domain.Message) domain.Summary {
	next := prior
	next.LastSummarizedIndex = msgs[len(msgs)-1].Seq + 1
	next.LastUpdated = s.now()
	raw := EstimateTokens(msgs)

	items := make([]string, len(msgs))
	for i, m := range msgs {
		items[i] = renderMessage(m)
	}
	out, err := s.responder.Summarize(ctx, domain.SummaryRequest{
		Scope:        "conversation",
		PriorSummary: prior.Text,
		PriorStage:   prior.Stage,
		Items:        items,
	})
	if err != nil || out == nil || strings.TrimSpace(out.Summary) == "" {
		s.logger.Warn("structured summary unavailable, using fallback",
			"conversation_id", convID,
			"messages", len(msgs),
			"err", err,
		)
		metrics.SummaryFallbacks.Inc()
		next.Text = fallbackText(prior.Text, msgs)
		next.TokensSaved = prior.TokensSaved + raw
		return clampSummary(next)
	}

	next.Text = out.Summary
	if out.Stage != "" {
		next.Stage = out.Stage
	}
	next.Facts = mergeFacts(prior.Facts, out.ExtractedFacts)
	saved := out.TokensSaved
	if saved <= 0 {
		saved = raw - estimateStringTokens(out.Summary) + estimateStringTokens(prior.Text)
	}
	if saved < 0 {
		saved = 0
	}
	next.TokensSaved = prior.TokensSaved + saved
	return clampSummary(next)
}

func renderMessage(m domain.Message) string {
	who := m.SentBy
	if who == "" {
		if m.Direction == domain.Inbound {
			who = domain.SentByCounterpart
		} else {
			who = domain.SentByResponder
		}
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format("2006-01-02 15:04"), who, m.Body)
}

func renderFacts(f domain.ExtractedFacts) string {
	var sb strings.Builder
	if f.Name != "" {
		fmt.Fprintf(&sb, "Name: %s\n", f.Name)
	}
	if f.Email != "" {
		fmt.Fprintf(&sb, "Email: %s\n", f.Email)
	}
	if f.Phone != "" {
		fmt.Fprintf(&sb, "Phone: %s\n", f.Phone)
	}
	if len(f.Decisions) > 0 {
		fmt.Fprintf(&sb, "Decisions: %s\n", strings.Join(f.Decisions, "; "))
	}
	if len(f.Preferences) > 0 {
		fmt.Fprintf(&sb, "Preferences: %s\n", strings.Join(f.Preferences, "; "))
	}
	return sb.String()
}
