package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		wantAction     Action
		wantConfidence int
	}{
		{
			name:           "kill",
			content:        `{"action":"KILL"}`,
			wantAction:     ActionKill,
			wantConfidence: 90,
		},
		{
			name:           "sustain",
			content:        `{"action":"SUSTAIN"}`,
			wantAction:     ActionSustain,
			wantConfidence: 90,
		},
		{
			name:           "fenced kill",
			content:        "```json\n{\"action\": \"kill\"}\n```",
			wantAction:     ActionKill,
			wantConfidence: 90,
		},
		{
			name:           "lowercase sustain with prose",
			content:        `Sure. {"action":"sustain"} looks normal`,
			wantAction:     ActionSustain,
			wantConfidence: 90,
		},
		{
			name:           "both mentioned prefers kill",
			content:        `{"action":"SUSTAIN","note":"would KILL if repeated"}`,
			wantAction:     ActionKill,
			wantConfidence: 90,
		},
		{
			name:       "ambiguous reply",
			content:    "I think maybe",
			wantAction: ActionFail,
		},
		{
			name:       "kill without action key",
			content:    "KILL",
			wantAction: ActionFail,
		},
		{
			name:       "action key without verdict",
			content:    `{"action":"WAIT"}`,
			wantAction: ActionFail,
		},
		{
			name:       "empty",
			content:    "",
			wantAction: ActionFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseDecision(tt.content)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantConfidence, d.Confidence)
			assert.Equal(t, tt.content, d.RawResponse, "raw response must be verbatim")
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" kill ")
	require.NoError(t, err)
	assert.Equal(t, ActionKill, a)

	a, err = ParseAction("SUSTAIN")
	require.NoError(t, err)
	assert.Equal(t, ActionSustain, a)

	_, err = ParseAction("FAIL")
	assert.Error(t, err)
	_, err = ParseAction("")
	assert.Error(t, err)
}

func TestRenderPrompt(t *testing.T) {
	p := RenderPrompt("Order #991 placed")
	assert.Contains(t, p, `Log: "Order #991 placed"`)
	assert.NotContains(t, p, "{log}")
	assert.Contains(t, p, `{"action":"KILL"}`)
}
