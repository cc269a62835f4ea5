// Package chain renders prompt templates and runs them as an ordered chain of
// model calls, feeding each step's output into the next.
package chain

import "strings"

// Placeholder tokens recognized in user prompt templates.
const (
	InputToken          = "{input}"
	PreviousOutputToken = "{previous_output}"
)

// Render substitutes every {input} occurrence. {previous_output} is left
// verbatim, which is what a single-prompt job sends to the model.
func Render(tmpl, input string) string {
	return strings.NewReplacer(InputToken, input).Replace(tmpl)
}

// RenderChained substitutes every {input} and {previous_output} occurrence in
// one pass. Substituted values are never re-scanned for tokens.
func RenderChained(tmpl, input, previous string) string {
	return strings.NewReplacer(InputToken, input, PreviousOutputToken, previous).Replace(tmpl)
}
