package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MappingPersister binds a config file path to the mapping.Persister
// interface so a *mapping.Store can rewrite it without knowing the path.
type MappingPersister struct {
	Path string
}

// RewriteMapping satisfies mapping.Persister.
func (m MappingPersister) RewriteMapping(left, right byte) error {
	return RewriteMapping(m.Path, left, right)
}

// RewriteMapping atomically rewrites only the extruders.mapping subtree of
// the YAML file at path; every other key keeps its value, comments and key
// order. The whole document is re-encoded with a 2-space indent, so layout
// such as indentation width is not kept byte-for-byte.
// It walks the raw yaml.Node tree rather than round-tripping through Config,
// since unmarshal-then-marshal would lose comments, key order, and style.
func RewriteMapping(path string, left, right byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("config: %s is empty", path)
	}
	root := doc.Content[0]

	mapping, err := findMappingNode(root)
	if err != nil {
		return err
	}

	if err := setMappingScalar(mapping, "0", int(left)); err != nil {
		return err
	}
	if err := setMappingScalar(mapping, "1", int(right)); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: encode rewritten config: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: flush rewritten config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: close rewritten config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

// findMappingNode walks root -> extruders -> mapping and returns the
// mapping node, which must itself be a YAML mapping keyed "0"/"1".
func findMappingNode(root *yaml.Node) (*yaml.Node, error) {
	extruders, err := mappingValue(root, "extruders")
	if err != nil {
		return nil, err
	}
	mapping, err := mappingValue(extruders, "mapping")
	if err != nil {
		return nil, err
	}
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config: extruders.mapping is not a mapping")
	}
	return mapping, nil
}

// mappingValue returns the value node for key within a YAML mapping node.
func mappingValue(node *yaml.Node, key string) (*yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config: expected mapping while looking for %q", key)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], nil
		}
	}
	return nil, fmt.Errorf("config: key %q not found", key)
}

// setMappingScalar replaces the value node for key within a mapping node
// with a plain integer scalar, preserving the key node as-is.
func setMappingScalar(mapping *yaml.Node, key string, value int) error {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			v := mapping.Content[i+1]
			v.Kind = yaml.ScalarNode
			v.Tag = "!!int"
			v.Value = strconv.Itoa(value)
			v.Style = 0
			return nil
		}
	}
	return fmt.Errorf("config: extruders.mapping missing key %q", key)
}
