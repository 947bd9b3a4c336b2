// Package config resolves kernel settings from flags, environment, an
// optional YAML file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/transport"
)

const (
	DefaultConfigDir  = ".tripwired"
	DefaultConfigName = "config"
	DefaultLedgerFile = "tripwired-audit.jsonl"
	DefaultPacksDir   = "packs"
	EnvPrefix         = "TRIPWIRED"
)

// Keys shared by flag bindings and config files.
const (
	KeyLLMURL        = "llm.url"
	KeyLLMModel      = "llm.model"
	KeyLLMMaxTokens  = "llm.max_tokens"
	KeyLLMTimeout    = "llm.timeout"
	KeyErrorFallback = "classifier.error_fallback"
	KeyTargetPID     = "target_pid"
	KeyLedgerPath    = "ledger.path"
	KeyLedgerRedact  = "ledger.redact"
	KeyTransportMode = "transport.mode"
	KeyPipePath      = "transport.pipe_path"
	KeySocketPath    = "transport.socket_path"
	KeyPort          = "transport.port"
	KeyFilterPath    = "filter.path"
	KeyPacksDir      = "filter.packs_dir"
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
)

type Config struct {
	LLM        LLMConfig
	Classifier ClassifierConfig
	TargetPID  int
	Ledger     LedgerConfig
	Transport  transport.Config
	Filter     FilterConfig
	Log        LogConfig
	// File is the config file that was read, if any.
	File string
}

type LLMConfig struct {
	URL       string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type ClassifierConfig struct {
	ErrorFallback classifier.Action
}

type LedgerConfig struct {
	Path   string
	Redact bool
}

type FilterConfig struct {
	Path     string
	PacksDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLLMURL, classifier.DefaultBaseURL)
	v.SetDefault(KeyLLMModel, classifier.DefaultModel)
	v.SetDefault(KeyLLMMaxTokens, classifier.DefaultMaxTokens)
	v.SetDefault(KeyLLMTimeout, classifier.DefaultTimeout)
	v.SetDefault(KeyErrorFallback, string(classifier.ActionSustain))
	v.SetDefault(KeyTargetPID, 0)
	v.SetDefault(KeyLedgerPath, DefaultLedgerFile)
	v.SetDefault(KeyLedgerRedact, false)
	v.SetDefault(KeyTransportMode, string(transport.DefaultMode))
	v.SetDefault(KeyPipePath, transport.DefaultPipePath)
	v.SetDefault(KeySocketPath, transport.DefaultSocketPath)
	v.SetDefault(KeyPort, transport.DefaultPort)
	v.SetDefault(KeyFilterPath, "")
	v.SetDefault(KeyPacksDir, defaultPacksDir())
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
}

func defaultPacksDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultConfigDir, DefaultPacksDir)
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration into v and returns the resolved Config. With an
// empty cfgFile, ~/.tripwired/config.yaml and ./tripwired.yaml are tried and
// their absence is not an error. An explicit cfgFile must exist.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
		}
		v.AddConfigPath(".")
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := readFallbackFile(v); err != nil {
			return nil, err
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// readFallbackFile reads ./tripwired.yaml when no config.yaml was found.
func readFallbackFile(v *viper.Viper) error {
	const name = "tripwired.yaml"
	if _, err := os.Stat(name); err != nil {
		return nil
	}
	v.SetConfigFile(name)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", name, err)
	}
	return nil
}

// FromViper builds and validates a Config from v's current values.
func FromViper(v *viper.Viper) (*Config, error) {
	fallback, err := classifier.ParseAction(v.GetString(KeyErrorFallback))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyErrorFallback, err)
	}
	mode, err := transport.ParseMode(v.GetString(KeyTransportMode))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyTransportMode, err)
	}

	cfg := &Config{
		LLM: LLMConfig{
			URL:       v.GetString(KeyLLMURL),
			Model:     v.GetString(KeyLLMModel),
			MaxTokens: v.GetInt(KeyLLMMaxTokens),
			Timeout:   v.GetDuration(KeyLLMTimeout),
		},
		Classifier: ClassifierConfig{ErrorFallback: fallback},
		TargetPID:  v.GetInt(KeyTargetPID),
		Ledger: LedgerConfig{
			Path:   v.GetString(KeyLedgerPath),
			Redact: v.GetBool(KeyLedgerRedact),
		},
		Transport: transport.Config{
			Mode:       mode,
			PipePath:   v.GetString(KeyPipePath),
			SocketPath: v.GetString(KeySocketPath),
			Port:       v.GetInt(KeyPort),
		},
		Filter: FilterConfig{
			Path:     v.GetString(KeyFilterPath),
			PacksDir: v.GetString(KeyPacksDir),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.LLM.URL == "" {
		return fmt.Errorf("%s must not be empty", KeyLLMURL)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("%s must not be empty", KeyLLMModel)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyLLMMaxTokens, c.LLM.MaxTokens)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyLLMTimeout, c.LLM.Timeout)
	}
	if c.TargetPID < 0 {
		return fmt.Errorf("%s must not be negative, got %d", KeyTargetPID, c.TargetPID)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("%s must not be empty", KeyLedgerPath)
	}
	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyPort, c.Transport.Port)
	}
	return nil
}
