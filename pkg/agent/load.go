package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadBytes decodes one or more agent definitions from YAML. A file
// holds either a single definition or a list under an "agents:" key.
// Every definition is normalized and validated.
func LoadBytes(data []byte) ([]*Config, error) {
	var probe struct {
		Agents []yaml.Node `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse agent definition: %w", err)
	}

	var configs []*Config
	if len(probe.Agents) > 0 {
		for i := range probe.Agents {
			cfg := NewConfig()
			if err := probe.Agents[i].Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse agent definition %d: %w", i, err)
			}
			configs = append(configs, cfg)
		}
	} else {
		cfg := NewConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse agent definition: %w", err)
		}
		configs = append(configs, cfg)
	}

	for _, cfg := range configs {
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// LoadFile loads agent definitions from a YAML file
func LoadFile(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}
	configs, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configs, nil
}

// LoadDir loads every .yaml/.yml file in a directory, skipping hidden
// and underscore-prefixed names. Definitions must have unique ids
// across the whole directory.
func LoadDir(dir string) ([]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent directory: %w", err)
	}

	seen := make(map[string]string)
	var configs []*Config

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, name)
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, cfg := range loaded {
			if prev, dup := seen[cfg.ID]; dup {
				return nil, fmt.Errorf("agent %q defined in both %s and %s", cfg.ID, prev, path)
			}
			seen[cfg.ID] = path
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}
