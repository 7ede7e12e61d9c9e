package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/simrig/internal/sim"
	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a first-class entity (testbench or tool) by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]

	switch entityType {
	case "testbench":
		if name == "*" {
			return c.TestBenches, nil
		}
		tb, ok := c.TestBench(name)
		if !ok {
			return nil, fmt.Errorf("testbench %q not found", name)
		}
		return tb, nil

	case "tool":
		if name == "*" {
			return c.Tools, nil
		}
		backend, err := sim.ParseBackend(name)
		if err != nil {
			return nil, err
		}
		switch backend {
		case sim.EventDrivenSim:
			return c.Tools.Icarus, nil
		case sim.CommercialSim:
			return c.Tools.Questa, nil
		default:
			return c.Tools.Verilator, nil
		}

	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}

		if !found {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			// Overwritten with a scalar if this is the last part.
			valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, keyNode, valueNode)
			current = valueNode
		}
	}

	return current, nil
}

// SetPath modifies a scalar setting in the root project file. With persist
// the file is rewritten and reloaded; a change that fails validation is
// rolled back.
func (c *Config) SetPath(path, value string, persist bool) error {
	if strings.Contains(path, ":") {
		parts := strings.SplitN(path, ".", 2)
		eparts := strings.SplitN(parts[0], ":", 2)
		etype, ename := eparts[0], eparts[1]

		if etype != "tool" {
			return fmt.Errorf("unsupported entity type for set: %q", etype)
		}
		if _, err := sim.ParseBackend(ename); err != nil {
			return err
		}
		if len(parts) < 2 {
			return fmt.Errorf("must specify a field to set (e.g., %s.compiler=iverilog)", parts[0])
		}
		path = "tools." + ename + "." + parts[1]
	}

	if c.RootFile == "" {
		return fmt.Errorf("no valid configuration source found")
	}

	original, err := os.ReadFile(c.RootFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.RootFile, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}

	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	if !persist {
		return nil
	}

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	return c.persistWithValidation(original, candidate)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(original, candidate []byte) error {
	mode := os.FileMode(0644)
	if info, statErr := os.Stat(c.RootFile); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(c.RootFile, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	// Checksums are expected to go stale here; the user re-locks afterwards.
	if _, err := load(c.RootFile, false); err != nil {
		restoreErr := os.WriteFile(c.RootFile, original, mode)
		if restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}
