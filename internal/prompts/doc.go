// Package prompts contains the LLM prompt templates Bernard uses
// internally.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The user-facing system prompt can be overridden in config.yaml;
// everything else here (summaries, dedup comparisons, conversation
// titles) is fixed.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
