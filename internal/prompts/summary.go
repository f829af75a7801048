package prompts

import "fmt"

// summaryTemplate asks for the closing summary of a conversation. The
// single format verb is the transcript.
const summaryTemplate = `Summarize this conversation and classify it. Respond with JSON only,
with exactly these fields:

{
  "summary": "2-4 sentence summary of what was discussed and decided",
  "tags": ["lowercase", "topic", "tags"],
  "keywords": ["distinctive", "terms", "names"],
  "places": ["places mentioned, if any"],
  "flags": {"explicit": false, "forbidden": false}
}

Set "explicit" when the conversation contains sexual or graphic content.
Set "forbidden" when the user asked for clearly harmful or illegal help.
Base everything on what actually happened in the conversation.

Conversation:
%s

JSON:`

// SummaryPrompt returns the prompt for summarizing a conversation
// transcript when it closes.
func SummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryTemplate, transcript)
}
