package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a filter configuration file. A missing file yields
// DefaultConfig; any other read or parse failure is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read filter config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse filter config %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{Domain: string(DefaultDomain)}
}

// PackInfo summarizes one pattern pack for listing.
type PackInfo struct {
	Name        string
	Description string
	Path        string
	Enabled     bool
	Patterns    int
	Exclude     int
}

type pack struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
	Exclude     []string `yaml:"exclude"`
}

// LoadPacks appends the patterns and exclusions of every *.yaml file in dir
// to base. Files whose name starts with "_" are listed but not merged. A
// pack that fails to parse is an error: a filter must not run with a
// silently missing pack.
func LoadPacks(dir string, base *Config) (*Config, []PackInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil, nil
		}
		return nil, nil, fmt.Errorf("read packs dir: %w", err)
	}

	result := &Config{
		Domain:   base.Domain,
		Patterns: append([]string(nil), base.Patterns...),
		Exclude:  append([]string(nil), base.Exclude...),
	}

	var infos []PackInfo
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		baseName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		enabled := !strings.HasPrefix(baseName, "_")

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read pack %s: %w", path, err)
		}
		var p pack
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, nil, fmt.Errorf("parse pack %s: %w", path, err)
		}

		info := PackInfo{
			Name:        p.Name,
			Description: p.Description,
			Path:        path,
			Enabled:     enabled,
			Patterns:    len(p.Patterns),
			Exclude:     len(p.Exclude),
		}
		if info.Name == "" {
			info.Name = baseName
		}
		infos = append(infos, info)

		if !enabled {
			continue
		}
		result.Patterns = append(result.Patterns, p.Patterns...)
		result.Exclude = append(result.Exclude, p.Exclude...)
	}

	return result, infos, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
