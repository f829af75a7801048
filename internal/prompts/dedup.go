package prompts

import "fmt"

// dedupTemplate compares a candidate memory against the closest stored
// one. Format verbs: (1) stored label, (2) stored content, (3) candidate
// label, (4) candidate content.
const dedupTemplate = `You maintain a store of facts about a user. A new fact is very similar to
one already stored. Decide what to do with it.

Stored fact [%s]: %s
New fact [%s]: %s

Answer with one of:
- "duplicate": the new fact says nothing the stored fact does not.
- "update": the new fact changes or refines the stored fact. Provide
  "merged_content", a single sentence that replaces the stored fact.
- "new": the facts are about different things.

Respond with JSON only:
{"decision": "duplicate|update|new", "merged_content": "..."}
JSON:`

// DedupPrompt returns the prompt for classifying a candidate memory
// against its nearest stored neighbour.
func DedupPrompt(storedLabel, storedContent, candidateLabel, candidateContent string) string {
	return fmt.Sprintf(dedupTemplate, storedLabel, storedContent, candidateLabel, candidateContent)
}
