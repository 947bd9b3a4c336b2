// Package alert prints the operator-facing KILL banner.
package alert

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Kill describes one KILL decision.
type Kill struct {
	DecisionID uint64
	Line       string
	LatencyMS  int64
	Confidence int
	// PID is the target, or zero when no target is configured.
	PID int
}

// Announcer writes banners to a stream. Banners from concurrent
// connections never interleave.
type Announcer struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
}

// New styles output only when w is a terminal.
func New(w io.Writer) *Announcer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Announcer{w: w, styled: styled}
}

// Stderr announces on os.Stderr.
func Stderr() *Announcer {
	return New(os.Stderr)
}

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("160")).
			Padding(0, 2)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("160")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Kill prints the banner for k.
func (a *Announcer) Kill(k Kill) {
	target := "none configured"
	if k.PID > 0 {
		target = fmt.Sprintf("pid %d", k.PID)
	}

	rows := [][2]string{
		{"Decision", fmt.Sprintf("#%d", k.DecisionID)},
		{"Latency", fmt.Sprintf("%dms", k.LatencyMS)},
		{"Confidence", fmt.Sprintf("%d%%", k.Confidence)},
		{"Target", target},
		{"Log", k.Line},
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.styled {
		var body strings.Builder
		body.WriteString(bannerStyle.Render("KILL DECISION"))
		for _, r := range rows {
			body.WriteString("\n")
			body.WriteString(labelStyle.Render(fmt.Sprintf("%-11s", r[0])))
			body.WriteString(r[1])
		}
		_, _ = fmt.Fprintln(a.w, boxStyle.Render(body.String()))
		return
	}

	_, _ = fmt.Fprintln(a.w, "")
	_, _ = fmt.Fprintln(a.w, "══════════════════════════════════════════════════════════════")
	_, _ = fmt.Fprintln(a.w, "  KILL DECISION")
	_, _ = fmt.Fprintln(a.w, "══════════════════════════════════════════════════════════════")
	for _, r := range rows {
		_, _ = fmt.Fprintf(a.w, "  %-11s%s\n", r[0], r[1])
	}
	_, _ = fmt.Fprintln(a.w, "")
}
