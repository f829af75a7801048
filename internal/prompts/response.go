package prompts

import (
	"fmt"
	"strings"
)

// recalledSection introduces recalled memories to the response model.
const recalledSection = `Relevant facts from long-term memory:
%s
Use them only where they help answer the user.`

// RecalledMemories formats recalled facts as a system message body.
// It returns the empty string when there is nothing to add.
func RecalledMemories(facts []string) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(recalledSection, sb.String())
}

// SynthesisInstruction closes the context for the final reply call.
func SynthesisInstruction() string {
	return "Write your reply to the user now. Do not call tools."
}
