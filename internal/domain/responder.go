package domain

import "context"

// SummaryRequest asks the Responder to fold new items into a prior summary.
// Items are rendered messages for a conversation, or rendered conversation
// summaries for a tenant aggregation.
type SummaryRequest struct {
	Scope        string // "conversation" | "tenant"
	PriorSummary string
	PriorStage   string
	Items        []string
}

// StructuredSummary is the structured result of a summarize call.
type StructuredSummary struct {
	Summary        string         `json:"summary"`
	ExtractedFacts ExtractedFacts `json:"extractedFacts"`
	Stage          string         `json:"stage"`
	TokensSaved    int            `json:"tokensSaved"`
	Insights       []string       `json:"insights,omitempty"`
}

// Responder is the opaque "generate a reply given context" capability.
type Responder interface {
	Reply(ctx context.Context, context string) (string, error)
	Summarize(ctx context.Context, req SummaryRequest) (*StructuredSummary, error)
}
