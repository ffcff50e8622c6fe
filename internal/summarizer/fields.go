package summarizer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"convpipe/internal/domain"
)

// Hard limits for every field written back to the store.
const (
	maxTextLen     = 2000
	maxStageLen    = 64
	maxNameLen     = 100
	maxEmailLen    = 254
	maxPhoneLen    = 32
	maxItemLen     = 200
	maxItemsInList = 20
)

// Words-to-tokens ratio approximation (1 token ~ 0.75 words for English).
const wordsPerToken = 0.75

// truncateWords shortens s to at most max runes, cutting at the last word
// boundary before the limit. A single word longer than max is cut hard.
func truncateWords(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	cut := r[:max]
	if !isSpace(r[max]) {
		for i := len(cut) - 1; i > 0; i-- {
			if isSpace(cut[i]) {
				cut = cut[:i]
				break
			}
		}
	}
	return strings.TrimRight(string(cut), " \t\n\r")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// clampFacts applies field limits and caps each list to its most recent entries.
func clampFacts(f domain.ExtractedFacts) domain.ExtractedFacts {
	return domain.ExtractedFacts{
		Name:        truncateWords(f.Name, maxNameLen),
		Email:       truncateWords(f.Email, maxEmailLen),
		Phone:       truncateWords(f.Phone, maxPhoneLen),
		Decisions:   clampList(f.Decisions),
		Preferences: clampList(f.Preferences),
	}
}

func clampList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = truncateWords(it, maxItemLen); it != "" {
			out = append(out, it)
		}
	}
	if len(out) > maxItemsInList {
		out = out[len(out)-maxItemsInList:]
	}
	return out
}

func clampSummary(s domain.Summary) domain.Summary {
	s.Text = truncateWords(s.Text, maxTextLen)
	s.Stage = truncateWords(s.Stage, maxStageLen)
	s.Facts = clampFacts(s.Facts)
	if s.TokensSaved < 0 {
		s.TokensSaved = 0
	}
	return s
}

// mergeFacts overlays newly extracted facts on the prior ones. Identity fields
// are replaced only when the new value is non-empty; lists are unioned in order.
func mergeFacts(prior, next domain.ExtractedFacts) domain.ExtractedFacts {
	out := prior
	if next.Name != "" {
		out.Name = next.Name
	}
	if next.Email != "" {
		out.Email = next.Email
	}
	if next.Phone != "" {
		out.Phone = next.Phone
	}
	out.Decisions = mergeList(prior.Decisions, next.Decisions)
	out.Preferences = mergeList(prior.Preferences, next.Preferences)
	return out
}

func mergeList(prior, next []string) []string {
	seen := make(map[string]bool, len(prior)+len(next))
	out := make([]string, 0, len(prior)+len(next))
	for _, list := range [][]string{prior, next} {
		for _, it := range list {
			key := strings.ToLower(strings.TrimSpace(it))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(it))
		}
	}
	return out
}

// fallbackText appends a marker for messages that could not be summarized.
// The prior text is shortened first so the marker always survives truncation.
func fallbackText(prior string, msgs []domain.Message) string {
	if len(msgs) == 0 {
		return prior
	}
	marker := fmt.Sprintf("[%d messages between %s and %s not summarized]",
		len(msgs),
		msgs[0].CreatedAt.UTC().Format(time.RFC3339),
		msgs[len(msgs)-1].CreatedAt.UTC().Format(time.RFC3339))
	prior = truncateWords(prior, maxTextLen-utf8.RuneCountInString(marker)-1)
	if prior == "" {
		return marker
	}
	return prior + "\n" + marker
}

// EstimateTokens returns a rough token count for a message slice.
func EstimateTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateStringTokens(m.Body)
	}
	return total
}

func estimateStringTokens(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	tokens := int(float64(words) / wordsPerToken)
	if tokens == 0 && words > 0 {
		tokens = 1
	}
	return tokens
}
