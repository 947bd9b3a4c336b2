package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/ledger"
)

var (
	replayLast   int
	replayAction string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-classify recorded lines and report drift",
	Long: `Send every classified line in the ledger back to the configured model and
compare the new decision with the recorded one. Use it after changing the
model, its server or the prompt to see which past decisions would flip.

Records decided by the pre-filter are skipped; they never reached a model.
Nothing is written to the ledger and nothing is terminated.

  tripwired replay --model qwen2.5-3b-instruct
  tripwired replay --action KILL --last 50`,
	RunE: replayCommand,
}

func init() {
	replayCmd.Flags().IntVar(&replayLast, "last", 0, "Replay only the last N classified records")
	replayCmd.Flags().StringVar(&replayAction, "action", "", "Replay only records with this action")
	rootCmd.AddCommand(replayCmd)
}

type replayDrift struct {
	Record ledger.Record
	Now    classifier.Decision
}

type replayReport struct {
	Replayed int
	Matched  int
	Errors   int
	Drift    []replayDrift
}

func replayCommand(cmd *cobra.Command, args []string) error {
	lines, err := ledger.Read(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	records, _, _ := splitLedger(lines)
	records = selectRecords(records, replayAction, true, replayLast)

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No classified records to replay.")
		return nil
	}

	client := classifier.New(classifier.Config{
		BaseURL:   cfg.LLM.URL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, logger.Named("classifier"))

	fp := fingerprintFor(cfg)
	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan][bold]Replaying against %s...[reset]", fp.Short())),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(cmd.ErrOrStderr())
		}),
	)

	report := replayRecords(cmd.Context(), client, records, logger, func() {
		if err := bar.Add(1); err != nil {
			logger.Debug("failed to update progress bar", zap.Error(err))
		}
	})

	printReplayReport(out, fp, report)
	return nil
}

// replayRecords classifies each record's input again. A record whose input
// was redacted is replayed with the masked text.
func replayRecords(ctx context.Context, c classifier.Classifier, records []ledger.Record, log *zap.Logger, progress func()) replayReport {
	var report replayReport
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}
		d, err := c.Classify(ctx, r.InputLog)
		progress()
		report.Replayed++
		if err != nil {
			report.Errors++
			log.Warn("replay classification failed", zap.Uint64("id", r.ID), zap.Error(err))
			continue
		}
		if string(d.Action) == r.Action {
			report.Matched++
			continue
		}
		report.Drift = append(report.Drift, replayDrift{Record: r, Now: d})
	}
	return report
}

func printReplayReport(w io.Writer, fp ledger.ModelFingerprint, report replayReport) {
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintln(w, "  tripwired Replay")
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintf(w, "  Model:      %s\n", fp.Short())
	fmt.Fprintf(w, "  Replayed:   %d\n", report.Replayed)
	fmt.Fprintf(w, "  Unchanged:  %d\n", report.Matched)
	fmt.Fprintf(w, "  Changed:    %d\n", len(report.Drift))
	fmt.Fprintf(w, "  Errors:     %d\n", report.Errors)
	fmt.Fprintln(w, "═══════════════════════════════════════════")

	for _, d := range report.Drift {
		fmt.Fprintf(w, "  #%d %s → %s (%d%%)  %s\n",
			d.Record.ID, d.Record.Action, d.Now.Action, d.Now.Confidence, preview(d.Record.InputLog))
	}
	if len(report.Drift) > 0 {
		fmt.Fprintln(w)
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= 60 {
		return s
	}
	return string(r[:60]) + "…"
}
