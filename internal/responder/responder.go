// Package responder adapts an LLM provider to the reply and structured
// summarize capabilities the pipeline depends on.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"convpipe/internal/domain"
	"convpipe/internal/metrics"
)

const defaultPersona = `You are the messaging assistant of a small business. You answer customers
on chat channels such as WhatsApp and Telegram. Be brief, warm and concrete.
Never invent prices, opening hours or commitments that are not in the context.
If you cannot answer, say a colleague will follow up.`

const replyRules = `Write only the next message to send to the customer. No preamble,
no quotes, no signature.`

// LLM implements domain.Responder on top of a domain.Provider.
type LLM struct {
	provider    domain.Provider
	persona     string
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// Config configures the LLM responder.
type Config struct {
	Provider    domain.Provider
	Persona     string // system prompt; empty uses a generic business assistant
	Model       string // empty uses the provider default
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

func New(cfg Config) *LLM {
	r := &LLM{
		provider:    cfg.Provider,
		persona:     strings.TrimSpace(cfg.Persona),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      cfg.Logger,
	}
	if r.persona == "" {
		r.persona = defaultPersona
	}
	if r.maxTokens <= 0 {
		r.maxTokens = 512
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Healthy checks the underlying provider.
func (r *LLM) Healthy(ctx context.Context) error {
	return r.provider.Healthy(ctx)
}

// Reply generates the next outbound message from a rendered conversation
// context. An empty answer is an error so the caller can retry it.
func (r *LLM) Reply(ctx context.Context, contextText string) (string, error) {
	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: r.persona + "\n\n" + replyRules},
			{Role: "user", Content: contextText},
		},
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("reply via %s: %w", r.provider.Name(), err)
	}
	metrics.ProviderTokens.Add(int64(resp.Usage.TotalTokens))

	text := cleanReply(resp.Content)
	if text == "" {
		return "", fmt.Errorf("reply via %s: empty answer (finish reason %q)", r.provider.Name(), resp.FinishReason)
	}
	return text, nil
}

// Summarize folds req.Items into the prior summary and returns the
// structured result. Answers that are not parseable JSON are errors; the
// summarizer owns the fallback.
func (r *LLM) Summarize(ctx context.Context, req domain.SummaryRequest) (*domain.StructuredSummary, error) {
	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: summarySystemPrompt(req.Scope)},
			{Role: "user", Content: summaryUserPrompt(req)},
		},
		Model:       r.model,
		MaxTokens:   1024,
		Temperature: 0.2,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize via %s: %w", r.provider.Name(), err)
	}
	metrics.ProviderTokens.Add(int64(resp.Usage.TotalTokens))

	out, err := ParseSummary(resp.Content)
	if err != nil {
		metrics.SummaryParseFailures.Inc()
		r.logger.Warn("summary answer not usable",
			"provider", r.provider.Name(),
			"scope", req.Scope,
			"err", err,
		)
		return nil, err
	}
	return out, nil
}

// cleanReply strips wrapping quotes and speaker labels that some models add.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	for _, label := range []string{"assistant:", "Assistant:", "reply:", "Reply:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, label))
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
