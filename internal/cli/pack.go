package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cluster-127/tripwired/internal/filter"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage pattern packs",
	Long: `Manage tripwired pattern packs.

Pattern packs are YAML files holding extra suspicion patterns and exclusions
for one concern (an exchange, a deploy tool, a database). Packs live in
~/.tripwired/packs/ and are merged into the filter at startup. A pack whose
file name starts with "_" is installed but disabled.

Examples:
  tripwired pack list                  # List installed packs
  tripwired pack enable binance        # Enable a pack
  tripwired pack disable kubernetes    # Disable a pack
  tripwired pack show binance          # Show pack contents`,
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed pattern packs",
	RunE:  packList,
}

var packEnableCmd = &cobra.Command{
	Use:   "enable <pack-name>",
	Short: "Enable a disabled pattern pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packEnable,
}

var packDisableCmd = &cobra.Command{
	Use:   "disable <pack-name>",
	Short: "Disable a pattern pack (prefix with underscore)",
	Args:  cobra.ExactArgs(1),
	RunE:  packDisable,
}

var packShowCmd = &cobra.Command{
	Use:   "show <pack-name>",
	Short: "Show the contents of a pattern pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packShow,
}

func init() {
	packCmd.AddCommand(packListCmd)
	packCmd.AddCommand(packEnableCmd)
	packCmd.AddCommand(packDisableCmd)
	packCmd.AddCommand(packShowCmd)
	rootCmd.AddCommand(packCmd)
}

func packsDir() (string, error) {
	dir := cfg.Filter.PacksDir
	if dir == "" {
		return "", fmt.Errorf("no packs directory configured (set --packs-dir or filter.packs_dir)")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func packList(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}

	// Validate against a filter so a broken pattern shows up here and not at
	// the next serve.
	merged, infos, err := filter.LoadPacks(dir, filter.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to load packs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No pattern packs installed.")
		fmt.Fprintf(out, "\nTo install packs, copy YAML files to: %s\n", dir)
		return nil
	}

	fmt.Fprintln(out, "Installed Pattern Packs:")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, info := range infos {
		status := "\xe2\x9c\x85" // check mark
		if !info.Enabled {
			status = "\xe2\x9d\x8c" // cross mark
		}
		fmt.Fprintf(out, "  %s  %-25s %s\n", status, info.Name, info.Description)
		fmt.Fprintf(out, "       %d patterns, %d exclusions\n", info.Patterns, info.Exclude)
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))

	if _, err := filter.New(*merged); err != nil {
		fmt.Fprintf(out, "\xe2\x9a\xa0\xef\xb8\x8f  Enabled packs do not compile: %v\n", err)
	}
	fmt.Fprintf(out, "\nPacks directory: %s\n", dir)
	return nil
}

func packEnable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	msg, err := renamePack(dir, args[0], true)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func packDisable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	msg, err := renamePack(dir, args[0], false)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

// renamePack toggles the "_" prefix that disables a pack.
func renamePack(dir, name string, enable bool) (string, error) {
	enabledPath := filepath.Join(dir, name+".yaml")
	disabledPath := filepath.Join(dir, "_"+name+".yaml")

	from, to := enabledPath, disabledPath
	done := fmt.Sprintf("\xe2\x9d\x8c Pack '%s' disabled.", name)
	already := fmt.Sprintf("Pack '%s' is already disabled.", name)
	if enable {
		from, to = disabledPath, enabledPath
		done = fmt.Sprintf("\xe2\x9c\x85 Pack '%s' enabled.", name)
		already = fmt.Sprintf("Pack '%s' is already enabled.", name)
	}

	if _, err := os.Stat(from); err == nil {
		if err := os.Rename(from, to); err != nil {
			return "", fmt.Errorf("failed to rename pack: %w", err)
		}
		return done, nil
	}
	if _, err := os.Stat(to); err == nil {
		return already, nil
	}
	return "", fmt.Errorf("pack '%s' not found in %s", name, dir)
}

func packShow(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}

	name := args[0]

	// Try enabled, then disabled
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, "_"+name+".yaml")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("pack '%s' not found in %s", name, dir)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
