package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	codeArrayPattern = regexp.MustCompile(`\[(?:\s*"[A-Z]\d{2}(?:\.\d{1,3})?"(?:\s*,\s*"[A-Z]\d{2}(?:\.\d{1,3})?")*)?\s*\]`)
	codePattern      = regexp.MustCompile(`\b[A-Z]\d{2}(?:\.\d{1,3})?\b`)
)

// ExtractCodes returns the ICD-10 codes found in a response. A JSON array of
// codes is preferred; otherwise every code-shaped token is returned in order
// of appearance.
func ExtractCodes(response string) []string {
	if m := codeArrayPattern.FindString(response); m != "" {
		var codes []string
		if err := json.Unmarshal([]byte(m), &codes); err == nil {
			return codes
		}
	}
	return codePattern.FindAllString(response, -1)
}

// Codes parses a code prediction. It fails when the response holds no code.
func Codes(response string) Result[[]string] {
	codes := ExtractCodes(response)
	if len(codes) == 0 {
		return Fail[[]string]("no ICD-10 code in response")
	}
	return Ok(codes)
}

// NormalizeCode upper-cases a code and strips surrounding whitespace.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Rank returns the 1-based position of actual in predicted, or 0.
func Rank(predicted []string, actual string) int {
	want := NormalizeCode(actual)
	for i, c := range predicted {
		if NormalizeCode(c) == want {
			return i + 1
		}
	}
	return 0
}

// Contains reports whether actual is among the predicted codes.
func Contains(predicted []string, actual string) bool {
	return Rank(predicted, actual) > 0
}

// Confidence is 1.0 when actual is the first prediction, 1/rank when it
// appears later, and 0 when it is absent.
func Confidence(predicted []string, actual string) float64 {
	r := Rank(predicted, actual)
	if r == 0 {
		return 0
	}
	return 1 / float64(r)
}
