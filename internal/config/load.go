package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPath lists the config locations tried, in order, when
// ENCAB_CONFIG is unset (spec §6).
var DefaultSearchPath = []string{
	"./encab.yml",
	"./encab.yaml",
	"/etc/encab.yml",
	"/etc/encab.yaml",
}

// ResolvePath returns the config file to load: explicit takes precedence,
// otherwise the first of DefaultSearchPath that exists.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, candidate := range DefaultSearchPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config: no config file found (tried %v)", DefaultSearchPath)
}

// Load reads and parses the YAML document at path, preserving program
// declaration order (yaml.v3 decodes maps without it).
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document from memory. Exposed separately from Load so
// tests can reuse it.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: malformed yaml: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("config: malformed yaml: %w", err)
	}
	doc.ProgramOrder = mappingKeyOrder(&node, "programs")
	doc.ExtensionOrder = mappingKeyOrder(&node, "extensions")

	for name, p := range doc.Programs {
		p.Name = name
		doc.Programs[name] = p
	}

	return &doc, nil
}

// mappingKeyOrder walks the raw document node to recover the declaration
// order of the top-level mapping named key, which the corresponding Go map
// field (a Go map) discards.
func mappingKeyOrder(root *yaml.Node, key string) []string {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		k := doc.Content[i]
		if k.Value != key {
			continue
		}
		section := doc.Content[i+1]
		if section.Kind != yaml.MappingNode {
			return nil
		}
		order := make([]string, 0, len(section.Content)/2)
		for j := 0; j+1 < len(section.Content); j += 2 {
			order = append(order, section.Content[j].Value)
		}
		return order
	}
	return nil
}
