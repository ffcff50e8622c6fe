package responder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"convpipe/internal/domain"
)

type scriptedProvider struct {
	content string
	err     error
	last    domain.ChatRequest
}

func (p *scriptedProvider) Name() string                      { return "scripted" }
func (p *scriptedProvider) Models() []string                  { return nil }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Content: p.content, Usage: domain.Usage{TotalTokens: 10}}, nil
}

func TestReply(t *testing.T) {
	p := &scriptedProvider{content: "  \"Yes, we are open at 3pm.\" "}
	r := New(Config{Provider: p, Persona: "You answer for Bella's Salon."})

	got, err := r.Reply(context.Background(), "[Recent messages]\ncustomer: at 3pm?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Yes, we are open at 3pm." {
		t.Fatalf("reply = %q", got)
	}
	if !strings.HasPrefix(p.last.Messages[0].Content, "You answer for Bella's Salon.") {
		t.Error("persona should lead the system prompt")
	}
	if p.last.JSON {
		t.Error("replies are free text")
	}
}

func TestReply_EmptyAnswerIsError(t *testing.T) {
	r := New(Config{Provider: &scriptedProvider{content: "   "}})
	if _, err := r.Reply(context.Background(), "ctx"); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestReply_ProviderError(t *testing.T) {
	boom := errors.New("boom")
	r := New(Config{Provider: &scriptedProvider{err: boom}})
	if _, err := r.Reply(context.Background(), "ctx"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	p := &scriptedProvider{content: "Here you go:\n```json\n" +
		`{"summary":"Ana wants a cut on Friday.","extractedFacts":{"name":"Ana","decisions":["Friday 3pm"],"preferences":[]},"stage":"booking","tokensSaved":120}` +
		"\n```"}
	r := New(Config{Provider: p})

	out, err := r.Summarize(context.Background(), domain.SummaryRequest{
		Scope:        "conversation",
		PriorSummary: "Ana asked about prices.",
		Items:        []string{"[2026-05-01 10:00] counterpart: can I come friday 3pm?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Stage != "booking" || out.ExtractedFacts.Name != "Ana" || out.TokensSaved != 120 {
		t.Fatalf("unexpected summary %+v", out)
	}
	if !p.last.JSON {
		t.Error("summaries should request JSON output")
	}
	if !strings.Contains(p.last.Messages[1].Content, "Ana asked about prices.") {
		t.Error("prior summary missing from prompt")
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"bare", `{"summary":"s","stage":"new"}`, false},
		{"fenced", "```json\n{\"summary\":\"s\"}\n```", false},
		{"prose around", `Sure! {"summary":"a {brace} inside","stage":"x"} Hope this helps.`, false},
		{"no json", "I could not summarize that.", true},
		{"empty summary", `{"summary":"  "}`, true},
		{"broken", `{"summary": "s"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSummary(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSummary(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}
