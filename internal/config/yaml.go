package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

var knownSections = []string{
	SectionTelegram, SectionLogging, SectionStorage, SectionSource,
	SectionNotifier, SectionLease, SectionBot, SectionOps,
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON turns a YAML config file into JSON so both formats go through the
// same strict decoder. Non-YAML paths are returned unchanged.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	if !isYAMLPath(path) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	root, ok := stringKeys(doc).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("yaml: top level must be a mapping of sections (%s)", strings.Join(knownSections, ", "))
	}
	if err := checkSections(root); err != nil {
		return nil, err
	}
	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// checkSections names the offending top-level key; the JSON decoder would only
// say "unknown field".
func checkSections(root map[string]any) error {
	var unknown []string
	for k := range root {
		found := false
		for _, s := range knownSections {
			if k == s {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown config section %s (want one of %s)",
		strings.Join(unknown, ", "), strings.Join(knownSections, ", "))
}

// stringKeys rewrites map[any]any nodes so the tree can be JSON encoded.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}
