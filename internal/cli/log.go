package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"golang.org/x/term"

	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/ledger"
	"github.com/cluster-127/tripwired/internal/redact"
)

var (
	logFilterAction string
	logClassified   bool
	logLast         int
	logSummary      bool
	logJSON         bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the decision ledger",
	Long: `View the tripwired decision ledger with filtering and summary options.

Examples:
  tripwired log                       # Show all records
  tripwired log --last 20             # Show last 20 records
  tripwired log --action KILL         # Show only kill decisions
  tripwired log --classified          # Skip records decided by the pre-filter
  tripwired log --json --last 1       # Raw records, pretty-printed
  tripwired log --summary             # Show summary stats`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterAction, "action", "", "Filter by action (KILL, SUSTAIN, FAIL)")
	logCmd.Flags().BoolVar(&logClassified, "classified", false, "Show only records the model decided")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N records")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Print records as JSON")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	lines, err := ledger.Read(cfg.Ledger.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(out, "No ledger records found.")
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	records, header, torn := splitLedger(lines)
	if len(records) == 0 {
		fmt.Fprintln(out, "No ledger records found.")
		return nil
	}

	selected := selectRecords(records, logFilterAction, logClassified, logLast)

	if logSummary {
		printLedgerSummary(out, header, records, torn)
		return nil
	}
	if logJSON {
		return printRecordsJSON(out, selected)
	}
	printRecords(out, selected)
	return nil
}

// splitLedger separates intact records from the header and from lines that
// needed repair or could not be parsed.
func splitLedger(lines []ledger.Line) (records []ledger.Record, header *ledger.Header, torn int) {
	for _, l := range lines {
		switch {
		case l.Err != nil || l.Repaired:
			torn++
		case l.Header != nil:
			if header == nil {
				header = l.Header
			}
		case l.Record != nil:
			records = append(records, *l.Record)
		}
	}
	return records, header, torn
}

func selectRecords(records []ledger.Record, action string, classifiedOnly bool, last int) []ledger.Record {
	var selected []ledger.Record
	for _, r := range records {
		if action != "" && !strings.EqualFold(r.Action, action) {
			continue
		}
		if classifiedOnly && r.Filtered {
			continue
		}
		selected = append(selected, r)
	}
	if last > 0 && last < len(selected) {
		selected = selected[len(selected)-last:]
	}
	return selected
}

func printRecords(w io.Writer, records []ledger.Record) {
	for _, r := range records {
		fmt.Fprintf(w, "%s #%d %s %-7s %3d%%  %s\n",
			actionIcon(r.Action), r.ID, formatTimestampMS(r.TimestampMS), r.Action, r.Confidence, r.InputLog)
		if r.Filtered {
			fmt.Fprintf(w, "     Pre-filtered in %dµs\n", r.LatencyMS)
		} else {
			fmt.Fprintf(w, "     Model: %s  Latency: %dms\n", r.ModelFingerprint, r.LatencyMS)
		}
		if r.RawResponse != nil {
			fmt.Fprintf(w, "     Response: %s\n", oneLine(*r.RawResponse))
		}
		if r.Redacted {
			fmt.Fprintln(w, "     Input redacted")
		}
		if r.TruncatedBytes > 0 {
			fmt.Fprintf(w, "     Input truncated: %d bytes not kept\n", r.TruncatedBytes)
		}
		fmt.Fprintln(w)
	}
}

func printRecordsJSON(w io.Writer, records []ledger.Record) error {
	color := isTerminal(w)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		data = pretty.Pretty(data)
		if color {
			data = pretty.Color(data, nil)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func printLedgerSummary(w io.Writer, header *ledger.Header, records []ledger.Record, torn int) {
	counts := map[string]int{}
	filtered := 0
	var classifiedMS int64
	var kills []ledger.Record
	exposed := 0
	for _, r := range records {
		counts[r.Action]++
		if !r.Redacted && redact.Contains(r.InputLog) {
			exposed++
		}
		if r.Filtered {
			filtered++
		} else {
			classifiedMS += r.LatencyMS
		}
		if r.Action == string(classifier.ActionKill) {
			kills = append(kills, r)
		}
	}

	classified := len(records) - filtered
	avg := decimal.Zero
	if classified > 0 {
		avg = decimal.NewFromInt(classifiedMS).Div(decimal.NewFromInt(int64(classified))).Round(1)
	}
	rate := decimal.NewFromInt(int64(filtered)).
		Div(decimal.NewFromInt(int64(len(records)))).
		Mul(decimal.NewFromInt(100)).Round(1)

	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintln(w, "  tripwired Ledger Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	if header != nil {
		fmt.Fprintf(w, "  Schema:          %s\n", header.Version)
		fmt.Fprintf(w, "  Model:           %s\n", header.ModelFingerprint.Short())
		fmt.Fprintf(w, "  Created:         %s\n", time.UnixMilli(header.CreatedAt).Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "  Total records:   %d\n", len(records))
	fmt.Fprintf(w, "  Pre-filtered:    %d (%s%%)\n", filtered, rate.String())
	fmt.Fprintf(w, "  Classified:      %d (avg %sms)\n", classified, avg.String())
	fmt.Fprintf(w, "  SUSTAIN:         %d\n", counts[string(classifier.ActionSustain)])
	fmt.Fprintf(w, "  KILL:            %d\n", counts[string(classifier.ActionKill)])
	fmt.Fprintf(w, "  FAIL:            %d\n", counts[string(classifier.ActionFail)])
	if torn > 0 {
		fmt.Fprintf(w, "  Torn lines:      %d\n", torn)
	}
	if exposed > 0 {
		fmt.Fprintf(w, "  Unmasked secrets: %d (set ledger.redact)\n", exposed)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════")

	fmt.Fprintf(w, "  First record:    %s\n", formatTimestampMS(records[0].TimestampMS))
	fmt.Fprintf(w, "  Last record:     %s\n", formatTimestampMS(records[len(records)-1].TimestampMS))

	if len(kills) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Kill decisions:")
		if len(kills) > 10 {
			kills = kills[len(kills)-10:]
		}
		for _, r := range kills {
			fmt.Fprintf(w, "    #%d %s %s\n", r.ID, formatTimestampMS(r.TimestampMS), r.InputLog)
		}
	}
	fmt.Fprintln(w)
}

func actionIcon(action string) string {
	switch action {
	case string(classifier.ActionKill):
		return "\xf0\x9f\x9b\x91" // stop sign
	case string(classifier.ActionSustain):
		return "\xe2\x9c\x85" // check mark
	default:
		return "\xe2\x9d\x93" // question mark
	}
}

func formatTimestampMS(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05.000")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
