package parse

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// DetailLevels is the number of descriptions generated per code, levels 0
// through 10.
const DetailLevels = 11

var leveledArrayPattern = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*(?:,\s*\{.*?\}\s*)*\]`)

// Leveled is one generated description at a detail level.
type Leveled struct {
	Level       int    `json:"level"`
	Description string `json:"description"`
}

// Descriptions parses a JSON array of {level, description} objects embedded
// in a response. The result is sorted by level and must hold exactly
// expected distinct levels.
func Descriptions(response string, expected int) Result[[]Leveled] {
	m := leveledArrayPattern.FindString(StripFences(response))
	if m == "" {
		return Fail[[]Leveled]("no description array in response")
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(m), &raw); err != nil {
		return Fail[[]Leveled]("decoding descriptions: %v", err)
	}

	out := make([]Leveled, 0, len(raw))
	seen := make(map[int]bool, len(raw))
	for i, obj := range raw {
		lv, okL := obj["level"]
		desc, okD := obj["description"]
		if !okL || !okD {
			return Fail[[]Leveled]("entry %d lacks level or description", i)
		}
		var d Leveled
		if err := json.Unmarshal(lv, &d.Level); err != nil {
			return Fail[[]Leveled]("entry %d: level: %v", i, err)
		}
		if err := json.Unmarshal(desc, &d.Description); err != nil {
			return Fail[[]Leveled]("entry %d: description: %v", i, err)
		}
		d.Description = strings.TrimSpace(d.Description)
		if d.Description == "" {
			return Fail[[]Leveled]("entry %d has an empty description", i)
		}
		if seen[d.Level] {
			return Fail[[]Leveled]("level %d appears twice", d.Level)
		}
		seen[d.Level] = true
		out = append(out, d)
	}

	if len(out) != expected {
		return Fail[[]Leveled]("expected %d descriptions, got %d", expected, len(out))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return Ok(out)
}
