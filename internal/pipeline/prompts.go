package pipeline

import (
	"fmt"
	"strings"

	"github.com/kalambet/icdbench/internal/retrieval"
	"github.com/kalambet/icdbench/internal/storage"
)

// Prompt styles for direct prediction.
const (
	PromptBaseline    = "baseline"
	PromptConstrained = "constrained"
)

// PromptFunc builds a code prediction prompt from a clinical description.
type PromptFunc func(description string) string

// PredictionPrompt returns the prompt builder for a style.
func PredictionPrompt(style string) (PromptFunc, error) {
	switch style {
	case PromptBaseline, "":
		return baselinePrompt, nil
	case PromptConstrained:
		return constrainedPrompt, nil
	}
	return nil, fmt.Errorf("unknown prompt style %q", style)
}

func baselinePrompt(description string) string {
	return fmt.Sprintf("Given this medical description: '%s', provide only the relevant ICD-10 codes as a JSON array. No explanation, just the array.", description)
}

func constrainedPrompt(description string) string {
	return fmt.Sprintf(`Given this medical description: '%s', provide only the relevant ICD-10 codes as a JSON array.

IMPORTANT: Only return codes that are directly supported by the description. Do not add codes for:
- Assumed complications
- Inferred conditions
- Standard procedures
- Common comorbidities

Return only codes explicitly indicated in the text. No explanation, just the array.`, description)
}

func describePrompt(code, text string, levels int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a medical documentation expert. Generate %d clinical descriptions for this ICD-10 code, ranging from Level 0 (most concise, conversational) to Level %d (most detailed, clinical).\n\n", levels, levels-1)
	fmt.Fprintf(&b, "ICD-10 Code: %s\nOfficial Description: %s\n\n", code, text)
	b.WriteString(`Guidelines:
- Level 0: 3-5 conversational words, never the official description verbatim.
- Levels 1-3: one or two short clinical sentences.
- Levels 4-6: two to four sentences with the key symptoms.
- Levels 7-9: a full paragraph with clinical context.
- The last level: a complete presentation with labs, vital signs and diagnostic criteria.

Return ONLY a JSON array of objects in this format, one per level:
[{"level": 0, "description": "..."}, {"level": 1, "description": "..."}]
`)
	return b.String()
}

// denseVariants is the number of variants per length class.
const denseVariants = 10

func densePrompt(code, text string) string {
	return fmt.Sprintf(`You are a medical documentation expert. Generate %d different clinical descriptions for this ICD-10 code:

Code: %s
Official Description: %s

Generate exactly:
- %d SHORT variants (5-15 words each, concise clinical notes)
- %d LONG variants (20-40 words each, detailed clinical documentation)

Each variant should describe the same condition in different words, use varied terminology, read like a real clinical note, and never mention the code itself.

Output ONLY a JSON array of %d strings, short variants first, then long variants.`,
		2*denseVariants, code, text, denseVariants, denseVariants, 2*denseVariants)
}

func sourceLabel(s retrieval.Source) string {
	if s == retrieval.Authoritative {
		return "CATALOG"
	}
	return "GENERATED"
}

func ragPrompt(description string, hits []retrieval.Hit) string {
	var b strings.Builder
	b.WriteString("You are a medical coding expert. Below are relevant ICD-10 code examples from our database:\n\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s -> \"%s\"\n", i+1, sourceLabel(h.Source), h.Key, clip(h.Text, 100))
	}
	fmt.Fprintf(&b, `
Based on these examples and your medical coding knowledge, predict the SINGLE most appropriate ICD-10 code for this clinical description:
"%s"

Choose the code for the specific condition described. Prefer disease codes over symptom codes when a diagnosis is described.

Output ONLY a JSON array with your top prediction first: ["CODE"]
No explanation, just the JSON array.`, description)
	return b.String()
}

func denseRAGPrompt(description string, positives, negatives []storage.Example) string {
	var b strings.Builder
	b.WriteString("You are a medical coding expert. Given a clinical description, predict the ICD-10 code.\n\n")
	if len(negatives) == 0 {
		b.WriteString("SIMILAR EXAMPLES (correct mappings):\n")
	} else {
		b.WriteString("POSITIVE EXAMPLES (correct mappings for similar descriptions):\n")
	}
	for _, e := range positives {
		fmt.Fprintf(&b, "  + \"%s\" → %s\n", clip(e.Text, 80), e.Code)
	}
	if len(negatives) > 0 {
		b.WriteString("\nNEGATIVE EXAMPLES (common confusions to AVOID):\n")
		for _, e := range negatives {
			fmt.Fprintf(&b, "  - \"%s\" → %s (a different condition)\n", clip(e.Text, 80), e.Code)
		}
	}
	fmt.Fprintf(&b, `
Now predict the code for this description:
"%s"

Output ONLY a JSON array with the single most likely ICD-10 code.
Example: ["A00.0"]`, description)
	return b.String()
}

// clip shortens s to n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
