package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/cluster-127/tripwired/internal/config"
	"github.com/cluster-127/tripwired/internal/ledger"
	"github.com/cluster-127/tripwired/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resolved configuration, filter and ledger state",
	Long: `Print what serve would run with: the config file in effect, the model
endpoint and fingerprint, the filter domain and packs, the transport and the
state of the ledger.

  tripwired status`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  tripwired Status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out)

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Fprintf(out, "  Binary:    %s (%s)\n", binPath, Version)
	if cfg.File != "" {
		fmt.Fprintf(out, "  Config:    %s\n", cfg.File)
	} else {
		fmt.Fprintln(out, "  Config:    built-in defaults")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Classifier ────────────────────────────────────────")
	fmt.Fprintf(out, "  Endpoint:  %s\n", cfg.LLM.URL)
	fmt.Fprintf(out, "  Model:     %s\n", fingerprintFor(cfg).Short())
	fmt.Fprintf(out, "  Timeout:   %s  Fallback: %s\n", cfg.LLM.Timeout, cfg.Classifier.ErrorFallback)
	if cfg.TargetPID > 0 {
		fmt.Fprintf(out, "  \xe2\x9c\x85 Armed: KILL terminates pid %d\n", cfg.TargetPID)
	} else {
		fmt.Fprintln(out, "  \xe2\xac\x9a  Unarmed: no target_pid configured")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Filter ────────────────────────────────────────────")
	statusFilter(out, cfg)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Transport ─────────────────────────────────────────")
	fmt.Fprintf(out, "  Mode:      %s\n", cfg.Transport.Mode)
	switch cfg.Transport.Mode {
	case transport.ModePipe:
		fmt.Fprintf(out, "  Path:      %s\n", cfg.Transport.PipePath)
	case transport.ModeUnix:
		fmt.Fprintf(out, "  Path:      %s\n", cfg.Transport.SocketPath)
	default:
		fmt.Fprintf(out, "  Address:   127.0.0.1:%d\n", cfg.Transport.Port)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Ledger ────────────────────────────────────────────")
	statusLedger(out, cfg.Ledger)
	fmt.Fprintln(out)

	return nil
}

func statusFilter(w io.Writer, c *config.Config) {
	flt, packs, err := buildFilter(c)
	if err != nil {
		fmt.Fprintf(w, "  \xe2\x9d\x8c %v\n", err)
		return
	}
	suspicious, exclude := flt.PatternCount()
	source := "built-in defaults"
	if c.Filter.Path != "" {
		source = c.Filter.Path
	}
	fmt.Fprintf(w, "  \xe2\x9c\x85 %s: domain %s, %d patterns, %d exclusions\n", source, flt.Domain(), suspicious, exclude)

	enabled := 0
	for _, p := range packs {
		if p.Enabled {
			enabled++
		}
	}
	if len(packs) > 0 {
		fmt.Fprintf(w, "  \xe2\x9c\x85 Pattern packs: %d installed, %d enabled\n", len(packs), enabled)
	} else {
		fmt.Fprintln(w, "  \xe2\xac\x9a  No pattern packs installed")
	}
}

func statusLedger(w io.Writer, lc config.LedgerConfig) {
	lines, err := ledger.Read(lc.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(w, "  \xe2\xac\x9a  %s: not created yet\n", lc.Path)
			return
		}
		fmt.Fprintf(w, "  \xe2\x9d\x8c %s: %v\n", lc.Path, err)
		return
	}

	res := ledger.Verify(lines)
	if res.Pass {
		fmt.Fprintf(w, "  \xe2\x9c\x85 %s: %d records, chain intact\n", lc.Path, res.Records)
	} else {
		fmt.Fprintf(w, "  \xe2\x9d\x8c %s: chain broken at line %d (%s)\n", lc.Path, res.BrokenLine, res.BrokenCause)
	}
	if len(res.Torn) > 0 {
		fmt.Fprintf(w, "  \xe2\x9a\xa0  %d torn line(s)\n", len(res.Torn))
	}
	if lc.Redact {
		fmt.Fprintln(w, "  Redaction: on")
	}
}
