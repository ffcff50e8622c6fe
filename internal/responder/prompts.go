package responder

import (
	"strings"

	"convpipe/internal/domain"
)

const conversationSummaryPrompt = `You maintain a running summary of one customer conversation.
Merge the new messages into the prior summary. Keep facts that are still true,
drop small talk, and record decisions and preferences as short items.
Answer with a single JSON object and nothing else:
{"summary": string, "extractedFacts": {"name": string, "email": string, "phone": string,
 "decisions": [string], "preferences": [string]}, "stage": string, "tokensSaved": number}
"stage" is one short label for where the conversation stands (for example
"new", "qualifying", "booking", "booked", "support", "closed").`

const tenantSummaryPrompt = `You maintain a running overview of all customer conversations of one business.
Merge the new conversation summaries into the prior overview. Highlight recurring
requests, open issues and notable customers.
Answer with a single JSON object and nothing else:
{"summary": string, "insights": [string], "stage": string, "tokensSaved": number}
"stage" is one short label for the overall state of the business inbox.`

func summarySystemPrompt(scope string) string {
	if scope == "tenant" {
		return tenantSummaryPrompt
	}
	return conversationSummaryPrompt
}

func summaryUserPrompt(req domain.SummaryRequest) string {
	var sb strings.Builder
	sb.WriteString("Prior summary:\n")
	if strings.TrimSpace(req.PriorSummary) == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(req.PriorSummary)
		sb.WriteString("\n")
	}
	if req.PriorStage != "" {
		sb.WriteString("Prior stage: ")
		sb.WriteString(req.PriorStage)
		sb.WriteString("\n")
	}
	if req.Scope == "tenant" {
		sb.WriteString("\nNew conversation summaries:\n")
	} else {
		sb.WriteString("\nNew messages:\n")
	}
	for _, item := range req.Items {
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return sb.String()
}
