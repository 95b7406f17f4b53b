package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// sections lists top-level keys in file order with their comments.
var sections = []struct {
	key     string
	comment string
}{
	{"logging", "Log output. level: DEBUG, INFO, WARN, ERROR. format: text or json."},
	{"server", "Process settings. Metrics are served at /metrics when enabled."},
	{"store", "Device database. type: memory or badger."},
	{"device", "Replica identity. Leave id empty to generate one on first start."},
	{"modules", "Modules mounted at startup when missing."},
	{"middleware", "Built-in content hooks, run on every write."},
	{"sync", "Sync engine. url: http(s):// or ws(s)://. conflict_resolution:\nlocal_wins, remote_wins, latest_wins or manual."},
	{"hub", "Hub role: the endpoint devices sync through, and its change log store."},
	{"backup", "Export destination. type: file or s3."},
	{"gc", "Garbage collection of the device store."},
}

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is kept unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML using the mapstructure key
// names, with a comment above every section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var values map[string]any
	if err := mapstructure.Decode(cfg, &values); err != nil {
		return "", fmt.Errorf("failed to convert config: %w", err)
	}

	// Slices of structs are not converted by Decode.
	modules := make([]map[string]any, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		var mm map[string]any
		if err := mapstructure.Decode(m, &mm); err != nil {
			return "", fmt.Errorf("failed to convert modules: %w", err)
		}
		modules = append(modules, mm)
	}
	values["modules"] = modules

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range sections {
		var val yaml.Node
		if err := val.Encode(plain(values[s.key])); err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", s.key, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: s.key, HeadComment: s.comment}
		doc.Content = append(doc.Content, key, &val)
	}

	var buf bytes.Buffer
	buf.WriteString("# notevfs configuration file\n")
	buf.WriteString("# Every value can be overridden with NOTEVFS_<SECTION>_<KEY> variables.\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// plain rewrites durations as strings ("30s") so the file is readable.
func plain(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = plain(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = plain(val)
		}
		return out
	}
	return v
}
