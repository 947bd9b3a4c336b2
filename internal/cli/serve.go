package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cluster-127/tripwired/internal/actuator"
	"github.com/cluster-127/tripwired/internal/alert"
	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/config"
	"github.com/cluster-127/tripwired/internal/filter"
	"github.com/cluster-127/tripwired/internal/kernel"
	"github.com/cluster-127/tripwired/internal/ledger"
	"github.com/cluster-127/tripwired/internal/redact"
	"github.com/cluster-127/tripwired/internal/stats"
	"github.com/cluster-127/tripwired/internal/transport"
)

var serveTCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision kernel",
	Long: `Listen for log lines on a local channel and decide on each one.

Safe lines are recorded as SUSTAIN without consulting the model. Suspicious
lines go to the classifier; KILL terminates --target-pid. Every line produces
exactly one ledger record.

Examples:
  tripwired serve --target-pid 4242                 # named pipe (unix default)
  tripwired serve --tcp --port 9999                 # loopback TCP
  tripwired serve --transport unix --filter f.yaml  # domain socket, custom filter`,
	RunE: serveCommand,
}

func init() {
	f := serveCmd.Flags()
	f.Int("target-pid", 0, "process to terminate on KILL (0 = none)")
	f.BoolVar(&serveTCP, "tcp", false, "shorthand for --transport tcp")
	f.String("transport", string(transport.DefaultMode), "listener: pipe, unix or tcp")
	f.Int("port", transport.DefaultPort, "TCP port on 127.0.0.1")
	f.String("pipe", transport.DefaultPipePath, "named pipe path")
	f.String("socket", transport.DefaultSocketPath, "unix socket path")
	f.String("filter", "", "filter YAML (domain, patterns, exclude)")
	f.String("error-fallback", string(classifier.ActionSustain), "action recorded when the classifier is unreachable: SUSTAIN or KILL")
	f.Bool("redact", false, "mask credentials in the ledger's input_log")

	bind := map[string]string{
		config.KeyTargetPID:     "target-pid",
		config.KeyTransportMode: "transport",
		config.KeyPort:          "port",
		config.KeyPipePath:      "pipe",
		config.KeySocketPath:    "socket",
		config.KeyFilterPath:    "filter",
		config.KeyErrorFallback: "error-fallback",
		config.KeyLedgerRedact:  "redact",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}

	rootCmd.AddCommand(serveCmd)
}

// buildFilter loads the filter file and any packs, then compiles them.
func buildFilter(c *config.Config) (*filter.Filter, []filter.PackInfo, error) {
	fc, err := filter.Load(c.Filter.Path)
	if err != nil {
		return nil, nil, err
	}

	var infos []filter.PackInfo
	if c.Filter.PacksDir != "" {
		fc, infos, err = filter.LoadPacks(c.Filter.PacksDir, fc)
		if err != nil {
			return nil, nil, err
		}
	}

	f, err := filter.New(*fc)
	if err != nil {
		return nil, nil, err
	}
	return f, infos, nil
}

func fingerprintFor(c *config.Config) ledger.ModelFingerprint {
	return ledger.NewModelFingerprint(c.LLM.Model, c.LLM.URL, c.LLM.MaxTokens, classifier.Temperature)
}

func openLedger(c *config.Config) (*ledger.Ledger, error) {
	var opts []ledger.Option
	if c.Ledger.Redact {
		opts = append(opts, ledger.WithRedactor(redact.Redact))
	}
	led, err := ledger.Open(c.Ledger.Path, fingerprintFor(c), classifier.PromptTemplate, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return led, nil
}

func serveCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if serveTCP {
		cfg.Transport.Mode = transport.ModeTCP
	}

	// Configuration errors surface before anything is bound.
	flt, packs, err := buildFilter(cfg)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}

	led, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	fp := fingerprintFor(cfg)
	if h := led.Header(); h.ModelFingerprint.ConfigHash != fp.ConfigHash || h.PromptHash != ledger.Digest(classifier.PromptTemplate) {
		logger.Warn("ledger header describes a different model or prompt; new records carry the current fingerprint",
			zap.String("header_fingerprint", h.ModelFingerprint.Short()),
			zap.String("current_fingerprint", fp.Short()))
	}

	client := classifier.New(classifier.Config{
		BaseURL:   cfg.LLM.URL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, logger.Named("classifier"))

	act := actuator.New(actuator.ProcessKiller{}, cfg.TargetPID, logger.Named("actuator"))
	counters := &stats.Stats{}

	k, err := kernel.New(kernel.Options{
		Filter:        flt,
		Classifier:    client,
		Ledger:        led,
		Actuator:      act,
		Announcer:     alert.Stderr(),
		Stats:         counters,
		Logger:        logger.Named("kernel"),
		ErrorFallback: cfg.Classifier.ErrorFallback,
	})
	if err != nil {
		return err
	}

	ln, err := transport.New(cfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	suspicious, exclude := flt.PatternCount()
	logger.Info("═══════════════════════════════════════════════════════")
	logger.Info("  tripwired kernel " + Version)
	logger.Info("═══════════════════════════════════════════════════════")
	logger.Info("configuration",
		zap.String("llm_url", cfg.LLM.URL),
		zap.String("model", cfg.LLM.Model),
		zap.String("fingerprint", fp.Short()),
		zap.Duration("timeout", cfg.LLM.Timeout),
		zap.String("error_fallback", string(cfg.Classifier.ErrorFallback)),
		zap.String("ledger", led.Path()),
		zap.Bool("redact", cfg.Ledger.Redact),
		zap.String("domain", string(flt.Domain())),
		zap.Int("patterns", suspicious),
		zap.Int("exclusions", exclude),
		zap.Int("packs", len(packs)),
		zap.String("transport", string(ln.Mode())),
		zap.String("addr", ln.Addr()))
	if act.Armed() {
		logger.Info("armed", zap.Int("target_pid", act.PID()))
	} else {
		logger.Warn("no --target-pid configured; KILL decisions are recorded but nothing is terminated")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	serveErr := k.Serve(ctx, ln)
	_ = ln.Close()
	act.Wait()

	logger.Info("shutdown", counters.Snapshot().Fields()...)
	return serveErr
}
