package classifier

import "strings"

// PromptVersion changes whenever PromptTemplate does.
const PromptVersion = "1"

// PromptTemplate is rendered once per suspicious line. Its hash is recorded
// in the ledger, so edits must bump PromptVersion.
const PromptTemplate = `Log: "{log}"

KILL if: orders in 1ms, sequential #, huge exposure, timing anomaly
SUSTAIN if: normal

Respond ONLY: {"action":"KILL"} or {"action":"SUSTAIN"}`

// RenderPrompt substitutes line into the template.
func RenderPrompt(line string) string {
	return strings.Replace(PromptTemplate, "{log}", line, 1)
}
