package fallback

import (
	"fmt"
	"strings"

	"github.com/whatworked/distengine/internal/types"
)

// buildPrompt asks the provider for a category-wide split of respondents
// across the candidate values, matching the scope of the response cache. rejected carries the reasons the previous answer was
// refused, if any.
func buildPrompt(req Request, rejected []string) string {
	var b strings.Builder

	category := strings.ReplaceAll(req.Category, "_", " ")
	fmt.Fprintf(&b, "You are estimating how people who tried solutions in the %q category would answer the question %q.\n",
		category, strings.ReplaceAll(req.Field, "_", " "))
	if req.SolutionTitle != "" {
		fmt.Fprintf(&b, "One such solution is %q; answer for the category as a whole, not for it alone.\n", req.SolutionTitle)
	}
	b.WriteString("\n")

	b.WriteString("Use only these answer options, spelled exactly as shown:\n")
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	if req.Shape == types.ShapeArray {
		b.WriteString("\nPeople could pick several options. Give each option's share of all mentions.\n")
	} else {
		b.WriteString("\nEach person picked exactly one option. Give each option's share of respondents.\n")
	}

	b.WriteString(`
Respond with JSON only, in this exact shape:
{"values": [{"value": "<option>", "percentage": <whole number>}]}

Rules:
- Percentages are whole numbers that sum to exactly 100.
- Omit options nobody would choose.
- Do not invent options that are not in the list.
`)

	if len(rejected) > 0 {
		b.WriteString("\nYour previous answer was rejected because:\n")
		for _, r := range rejected {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}
