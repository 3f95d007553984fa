// Package schema models the graph-over-relational catalog Hugin compiles
// against: which table backs each node label, which table and foreign keys
// back each relationship type, how graph properties map onto columns or SQL
// expressions, and the engine metadata (dedup-on-read, denormalized
// endpoints) the code generator must honor.
//
// Schemas are immutable once loaded. Concurrent compilations share a
// snapshot through a Registry; a background refresher swaps whole snapshots
// atomically and never mutates one in place.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is one resolved graph schema: every label and relationship type
// mapped onto physical tables.
type Schema struct {
	// Name identifies the schema; it participates in plan-cache
	// fingerprints so two schemas never share compiled templates.
	Name string

	Nodes         map[string]*NodeMapping
	Relationships map[string]*RelMapping
}

// NodeMapping maps one node label onto a table.
type NodeMapping struct {
	Label    string
	Table    string
	IDColumn string

	// Properties maps graph property names to columns or SQL expressions.
	Properties map[string]*PropertyMapping

	// DedupOnRead marks tables whose engine keeps multiple row versions
	// (ReplacingMergeTree); scans of these tables need FINAL.
	DedupOnRead bool
}

// PropertyNames returns the property names in sorted order. Expansion of a
// bare entity reference iterates this so generated SQL is deterministic.
func (n *NodeMapping) PropertyNames() []string {
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Property resolves one property mapping.
func (n *NodeMapping) Property(name string) (*PropertyMapping, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// EndpointPair is one schema-declared (source label, target label)
// combination for a relationship type. A type with more than one pair is
// multi-type: an unlabeled endpoint cannot be resolved to a single table.
type EndpointPair struct {
	Source string
	Target string
}

// RelMapping maps one relationship type onto an edge table.
type RelMapping struct {
	Type         string
	Table        string
	SourceColumn string
	TargetColumn string

	// Endpoints lists every declared (source, target) label pair.
	Endpoints []EndpointPair

	// Properties are edge properties (columns on the edge table).
	Properties map[string]*PropertyMapping

	// Denormalized, when set, declares that endpoint node properties are
	// embedded on the edge row, so endpoint access needs no node join.
	Denormalized *DenormalizedSpec

	DedupOnRead bool
}

// SourceLabels returns the distinct declared source labels, sorted.
func (r *RelMapping) SourceLabels() []string {
	return distinctLabels(r.Endpoints, func(ep EndpointPair) string { return ep.Source })
}

// TargetLabels returns the distinct declared target labels, sorted.
func (r *RelMapping) TargetLabels() []string {
	return distinctLabels(r.Endpoints, func(ep EndpointPair) string { return ep.Target })
}

func distinctLabels(eps []EndpointPair, pick func(EndpointPair) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ep := range eps {
		l := pick(ep)
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// MultiTarget reports whether the relationship can end at more than one
// label.
func (r *RelMapping) MultiTarget() bool { return len(r.TargetLabels()) > 1 }

// MultiSource reports whether the relationship can start at more than one
// label.
func (r *RelMapping) MultiSource() bool { return len(r.SourceLabels()) > 1 }

// CanConnect reports whether the relationship is declared between the given
// labels. Empty strings act as wildcards.
func (r *RelMapping) CanConnect(source, target string) bool {
	for _, ep := range r.Endpoints {
		if (source == "" || ep.Source == source) && (target == "" || ep.Target == target) {
			return true
		}
	}
	return false
}

// DenormalizedSpec declares endpoint properties embedded on the edge row.
// SourceProperties/TargetProperties map node property names to edge columns.
type DenormalizedSpec struct {
	SourceProperties map[string]string
	TargetProperties map[string]string
}

// PropertyMapping maps one graph property to either a plain column or a SQL
// expression over the backing table. Expressions are tokenized at load time
// so the code generator can qualify column tokens with the active alias
// while leaving function names and literals untouched.
type PropertyMapping struct {
	Column     string
	Expression string
	Tokens     []ExprToken
}

// IsExpression reports whether the property is backed by a SQL expression
// rather than a single column.
func (p *PropertyMapping) IsExpression() bool { return p.Expression != "" }

// Render produces the SQL for this property qualified by alias.
func (p *PropertyMapping) Render(alias string) string {
	if !p.IsExpression() {
		return alias + "." + p.Column
	}
	var b strings.Builder
	for _, t := range p.Tokens {
		if t.Kind == TokenColumn {
			b.WriteString(alias + "." + t.Text)
		} else {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// TokenKind classifies one token of a property expression.
type TokenKind int

const (
	// TokenColumn is a column reference; it gets table-qualified.
	TokenColumn TokenKind = iota
	// TokenFunction is a function name or SQL keyword; never qualified.
	TokenFunction
	// TokenLiteral is a string/number literal; never qualified.
	TokenLiteral
	// TokenPunct is punctuation and whitespace, copied verbatim.
	TokenPunct
)

// ExprToken is one pre-tokenized piece of a property expression.
type ExprToken struct {
	Kind TokenKind
	Text string
}

// ResolveLabel returns the mapping for a node label.
func (s *Schema) ResolveLabel(label string) (*NodeMapping, error) {
	if m, ok := s.Nodes[label]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("schema %q has no node label %q", s.Name, label)
}

// ResolveRelationship returns the mapping for a relationship type.
func (s *Schema) ResolveRelationship(relType string) (*RelMapping, error) {
	if m, ok := s.Relationships[relType]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("schema %q has no relationship type %q", s.Name, relType)
}

// PropertiesForLabel returns the sorted property names of a label.
func (s *Schema) PropertiesForLabel(label string) ([]string, error) {
	m, err := s.ResolveLabel(label)
	if err != nil {
		return nil, err
	}
	return m.PropertyNames(), nil
}

// Validate checks referential integrity: every relationship endpoint label
// must resolve, every denormalized property must name a declared node
// property, and id/fk columns must be present.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema has no name")
	}
	for label, n := range s.Nodes {
		if n.Table == "" {
			return fmt.Errorf("node label %q has no table", label)
		}
		if n.IDColumn == "" {
			return fmt.Errorf("node label %q has no id column", label)
		}
	}
	for relType, r := range s.Relationships {
		if r.Table == "" {
			return fmt.Errorf("relationship %q has no table", relType)
		}
		if r.SourceColumn == "" || r.TargetColumn == "" {
			return fmt.Errorf("relationship %q is missing source/target columns", relType)
		}
		if len(r.Endpoints) == 0 {
			return fmt.Errorf("relationship %q declares no endpoint labels", relType)
		}
		for _, ep := range r.Endpoints {
			if _, ok := s.Nodes[ep.Source]; !ok {
				return fmt.Errorf("relationship %q references unknown source label %q", relType, ep.Source)
			}
			if _, ok := s.Nodes[ep.Target]; !ok {
				return fmt.Errorf("relationship %q references unknown target label %q", relType, ep.Target)
			}
		}
		if d := r.Denormalized; d != nil {
			for _, ep := range r.Endpoints {
				src := s.Nodes[ep.Source]
				for prop := range d.SourceProperties {
					if _, ok := src.Properties[prop]; !ok {
						return fmt.Errorf("relationship %q denormalizes unknown source property %q", relType, prop)
					}
				}
				dst := s.Nodes[ep.Target]
				for prop := range d.TargetProperties {
					if _, ok := dst.Properties[prop]; !ok {
						return fmt.Errorf("relationship %q denormalizes unknown target property %q", relType, prop)
					}
				}
			}
		}
	}
	return nil
}
