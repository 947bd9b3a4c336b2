package alert

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnnouncer_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf)

	a.Kill(Kill{DecisionID: 12, Line: "Order #991 placed", LatencyMS: 420, Confidence: 90, PID: 4242})

	out := buf.String()
	assert.Contains(t, out, "KILL DECISION")
	assert.Contains(t, out, "#12")
	assert.Contains(t, out, "420ms")
	assert.Contains(t, out, "90%")
	assert.Contains(t, out, "pid 4242")
	assert.Contains(t, out, "Order #991 placed")
	assert.NotContains(t, out, "\x1b[", "plain output must not carry escape codes")
}

func TestAnnouncer_NoTarget(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Kill(Kill{DecisionID: 1})
	assert.Contains(t, buf.String(), "none configured")
}

func TestAnnouncer_BannersDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	a := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Kill(Kill{DecisionID: uint64(i), Line: "x"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "KILL DECISION"))
	blocks := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	for _, b := range blocks {
		assert.Equal(t, 1, strings.Count(b, "KILL DECISION"))
	}
}
