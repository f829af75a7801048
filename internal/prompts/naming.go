package prompts

import "fmt"

// titleTemplate asks for a short conversation title. The single format
// verb is the opening exchange.
const titleTemplate = `Write a short title (at most 8 words) for a conversation that opens like
this. Reply with the title only, no quotes or punctuation at the end.

%s

Title:`

// TitlePrompt returns the prompt for naming a conversation from its
// opening messages.
func TitlePrompt(opening string) string {
	return fmt.Sprintf(titleTemplate, opening)
}
