package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File-level YAML structures. Property values are plain strings: a value
// that lexes as a single identifier is a column, anything else is treated
// as a SQL expression and tokenized.

type schemaFile struct {
	Name          string                  `yaml:"name"`
	Nodes         map[string]nodeFile     `yaml:"nodes"`
	Relationships map[string]relationFile `yaml:"relationships"`
}

type nodeFile struct {
	Table       string            `yaml:"table"`
	IDColumn    string            `yaml:"id_column"`
	Properties  map[string]string `yaml:"properties"`
	DedupOnRead bool              `yaml:"dedup_on_read"`
}

type relationFile struct {
	Table        string             `yaml:"table"`
	SourceColumn string             `yaml:"source_column"`
	TargetColumn string             `yaml:"target_column"`
	Endpoints    []endpointFile     `yaml:"endpoints"`
	Properties   map[string]string  `yaml:"properties"`
	Denormalized *denormalizedFile  `yaml:"denormalized"`
	DedupOnRead  bool               `yaml:"dedup_on_read"`
}

type endpointFile struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type denormalizedFile struct {
	Source map[string]string `yaml:"source"`
	Target map[string]string `yaml:"target"`
}

// LoadFromFile reads and validates a schema definition from a YAML file.
func LoadFromFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Load(data)
}

// Load parses and validates a schema definition from YAML bytes.
func Load(data []byte) (*Schema, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}

	s := &Schema{
		Name:          file.Name,
		Nodes:         make(map[string]*NodeMapping, len(file.Nodes)),
		Relationships: make(map[string]*RelMapping, len(file.Relationships)),
	}

	for label, nf := range file.Nodes {
		props, err := buildProperties(nf.Properties)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", label, err)
		}
		s.Nodes[label] = &NodeMapping{
			Label:       label,
			Table:       nf.Table,
			IDColumn:    nf.IDColumn,
			Properties:  props,
			DedupOnRead: nf.DedupOnRead,
		}
	}

	for relType, rf := range file.Relationships {
		props, err := buildProperties(rf.Properties)
		if err != nil {
			return nil, fmt.Errorf("relationship %q: %w", relType, err)
		}
		rel := &RelMapping{
			Type:         relType,
			Table:        rf.Table,
			SourceColumn: rf.SourceColumn,
			TargetColumn: rf.TargetColumn,
			Properties:   props,
			DedupOnRead:  rf.DedupOnRead,
		}
		for _, ep := range rf.Endpoints {
			rel.Endpoints = append(rel.Endpoints, EndpointPair{Source: ep.Source, Target: ep.Target})
		}
		if rf.Denormalized != nil {
			rel.Denormalized = &DenormalizedSpec{
				SourceProperties: rf.Denormalized.Source,
				TargetProperties: rf.Denormalized.Target,
			}
		}
		s.Relationships[relType] = rel
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildProperties turns property→string mappings into PropertyMappings,
// tokenizing expression-valued entries.
func buildProperties(raw map[string]string) (map[string]*PropertyMapping, error) {
	props := make(map[string]*PropertyMapping, len(raw))
	for name, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			// Shorthand: property name doubles as column name.
			value = name
		}
		if isBareIdentifier(value) {
			props[name] = &PropertyMapping{Column: value}
			continue
		}
		tokens, err := TokenizeExpression(value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = &PropertyMapping{Expression: value, Tokens: tokens}
	}
	return props, nil
}

func isBareIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isAlpha := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if i == 0 && !isAlpha {
			return false
		}
		if !isAlpha && !isDigit {
			return false
		}
	}
	return true
}
