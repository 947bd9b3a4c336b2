package classifier

import "strings"

const parsedConfidence = 90

// ParseDecision interprets a model reply. Code fences are stripped first.
// An answer counts only if it contains the "action" key; KILL is looked for
// before SUSTAIN so an ambiguous reply mentioning both never reads as safe.
// Everything else is FAIL with zero confidence.
func ParseDecision(content string) Decision {
	clean := strings.ReplaceAll(content, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	d := Decision{Action: ActionFail, RawResponse: content}
	if !strings.Contains(clean, `"action"`) {
		return d
	}

	upper := strings.ToUpper(clean)
	switch {
	case strings.Contains(upper, string(ActionKill)):
		d.Action = ActionKill
		d.Confidence = parsedConfidence
	case strings.Contains(upper, string(ActionSustain)):
		d.Action = ActionSustain
		d.Confidence = parsedConfidence
	}
	return d
}
