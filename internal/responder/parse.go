package responder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"convpipe/internal/domain"
)

var errNoJSON = errors.New("no JSON object in answer")

// ParseSummary extracts a StructuredSummary from model output. It accepts a
// bare object, a fenced ```json block, or an object surrounded by prose.
func ParseSummary(content string) (*domain.StructuredSummary, error) {
	content = stripFences(strings.TrimSpace(content))

	var out domain.StructuredSummary
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		start, end := findJSONBounds(content)
		if start < 0 {
			return nil, errNoJSON
		}
		if err := json.Unmarshal([]byte(content[start:end]), &out); err != nil {
			return nil, fmt.Errorf("decode summary JSON: %w", err)
		}
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, errors.New("summary JSON has an empty summary field")
	}
	return &out, nil
}

func stripFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return content
}

// findJSONBounds locates the first top-level JSON object in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
