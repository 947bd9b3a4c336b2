package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/config"
)

var (
	cfgFile string
	envFile string

	// cfg and logger are resolved once per invocation by initConfig.
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tripwired",
	Short: "tripwired - kill switch for autonomous agents",
	Long: `tripwired is a local decision kernel that watches the log stream of an
autonomous agent, screens every line against tiered danger patterns, asks a
local model about the suspicious ones, records every decision in a
hash-chained ledger, and terminates the agent when the answer is KILL.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.tripwired/config.yaml or ./tripwired.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("ledger", config.DefaultLedgerFile, "path to the decision ledger")
	rootCmd.PersistentFlags().String("packs-dir", "", "directory of pattern packs (default: ~/.tripwired/packs)")

	// Shared by serve and replay.
	rootCmd.PersistentFlags().String("llm-url", classifier.DefaultBaseURL, "chat-completions base URL")
	rootCmd.PersistentFlags().String("model", classifier.DefaultModel, "model name sent to the backend")
	rootCmd.PersistentFlags().Int("max-tokens", classifier.DefaultMaxTokens, "completion token limit")
	rootCmd.PersistentFlags().Duration("timeout", classifier.DefaultTimeout, "classifier request timeout")

	bind := map[string]string{
		config.KeyLogLevel:     "log-level",
		config.KeyLogFormat:    "log-format",
		config.KeyLedgerPath:   "ledger",
		config.KeyPacksDir:     "packs-dir",
		config.KeyLLMURL:       "llm-url",
		config.KeyLLMModel:     "model",
		config.KeyLLMMaxTokens: "max-tokens",
		config.KeyLLMTimeout:   "timeout",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	loaded, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	l, err := config.NewLogger(loaded.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	cfg = loaded
	logger = l
	if cfg.File != "" {
		logger.Debug("config loaded", zap.String("file", cfg.File))
	}
	return nil
}

// Execute runs the root command. ctx is cancelled on SIGINT/SIGTERM by the
// caller.
func Execute(ctx context.Context) error {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}
