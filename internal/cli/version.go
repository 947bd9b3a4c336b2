package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/ledger"
)

var (
	Version   = "0.2.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tripwired version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tripwired %s\n", Version)
		fmt.Printf("  Commit: %s\n", GitCommit)
		fmt.Printf("  Built:  %s\n", BuildDate)
		fmt.Printf("  Ledger: schema %s\n", ledger.SchemaVersion)
		fmt.Printf("  Prompt: v%s (%s)\n", classifier.PromptVersion, ledger.Short(ledger.Digest(classifier.PromptTemplate)))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
