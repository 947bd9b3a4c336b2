// Package classifier asks a local chat-completions model whether a
// suspicious log line warrants killing the target process.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Action is the verdict for a single log line.
type Action string

const (
	ActionKill    Action = "KILL"
	ActionSustain Action = "SUSTAIN"
	// ActionFail means the model answered but the answer was unusable. It is
	// never treated as SUSTAIN.
	ActionFail Action = "FAIL"
)

// ParseAction resolves a configured action name. Only KILL and SUSTAIN are
// valid fallbacks.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionKill, ActionSustain:
		return a, nil
	default:
		return "", fmt.Errorf("invalid action %q: want KILL or SUSTAIN", s)
	}
}

// Decision is the parsed outcome of one classification.
type Decision struct {
	Action      Action
	Confidence  int
	RawResponse string
}

// Classifier decides on suspicious lines. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Classify(ctx context.Context, line string) (Decision, error)
}

// ErrEmptyChoices is returned when the backend replies without choices.
var ErrEmptyChoices = errors.New("classifier: response has no choices")

// StatusError is returned for non-2xx backend replies.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier: backend returned status %d: %s", e.StatusCode, e.Body)
}
