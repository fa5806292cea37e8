package parse

import (
	"encoding/json"
	"strings"
)

// StripFences removes markdown code fence lines from a response.
func StripFences(response string) string {
	text := strings.TrimSpace(response)
	if !strings.Contains(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Strings parses a JSON array of strings. Code fences and text around the
// array are tolerated. When expected is positive the array must hold
// exactly that many non-empty entries.
func Strings(response string, expected int) Result[[]string] {
	text := StripFences(response)

	var out []string
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return Fail[[]string]("no JSON array in response")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
			return Fail[[]string]("decoding string array: %v", err)
		}
	}

	for i, s := range out {
		out[i] = strings.TrimSpace(s)
		if out[i] == "" {
			return Fail[[]string]("entry %d is empty", i)
		}
	}
	if expected > 0 && len(out) != expected {
		return Fail[[]string]("expected %d entries, got %d", expected, len(out))
	}
	return Ok(out)
}
