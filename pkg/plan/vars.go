package plan

import (
	"fmt"

	"github.com/orneryd/hugin/pkg/schema"
)

// EntityKind classifies what an alias is bound to.
type EntityKind int

const (
	KindNode EntityKind = iota
	KindRelationship
	KindScalar
	KindPath
)

func (k EntityKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindRelationship:
		return "relationship"
	case KindPath:
		return "path"
	default:
		return "scalar"
	}
}

// SourceKind says where an alias's data comes from when SQL is rendered.
type SourceKind int

const (
	// SourceMatch: the alias reads straight from its base table.
	SourceMatch SourceKind = iota
	// SourceCTE: the alias was exported by a WITH clause and reads from
	// that CTE's export columns.
	SourceCTE
	// SourceUnion: the alias is a multi-type endpoint materialized as a
	// UNION of concrete label branches; property access goes through JSON
	// extraction.
	SourceUnion
)

// VariableSource is the single source of truth for how an alias renders.
// It is computed once during planning and consumed uniformly downstream;
// there is deliberately no emission-time registry that could disagree with
// it.
type VariableSource struct {
	Kind    SourceKind
	CTEName string
}

// TypedVariable carries per-alias metadata through planning and rendering.
type TypedVariable struct {
	Alias  string
	Kind   EntityKind
	Labels []string
	Source VariableSource

	// Optional marks aliases bound only inside an OPTIONAL MATCH scope.
	Optional bool

	// MultiType marks node aliases whose label could not be narrowed to
	// one candidate; property access renders as JSON extraction.
	MultiType bool

	// PathOf names the relationship alias of the traversal a path variable
	// was bound over (p = shortestPath(...)). length(p) and nodes(p)
	// render against that traversal's CTE columns.
	PathOf string

	// NodeMapping is set for single-label node aliases.
	NodeMapping *schema.NodeMapping
	// RelMapping is set for relationship aliases (first type on multi-type
	// relationship patterns).
	RelMapping *schema.RelMapping
}

// Context is the per-query planning context: the typed-variable registry in
// declaration (textual) order plus the CTE and anonymous-alias counters. It
// lives for one compilation and is dropped afterwards.
type Context struct {
	vars   map[string]*TypedVariable
	order  []string
	cteSeq int
	anon   int
}

// NewContext creates an empty planning context.
func NewContext() *Context {
	return &Context{vars: make(map[string]*TypedVariable)}
}

// Declare registers a variable. Redeclaring an existing alias is an error;
// reuse of an alias in a later pattern must go through Lookup.
func (c *Context) Declare(v *TypedVariable) error {
	if _, exists := c.vars[v.Alias]; exists {
		return fmt.Errorf("alias %q already declared", v.Alias)
	}
	c.vars[v.Alias] = v
	c.order = append(c.order, v.Alias)
	return nil
}

// Lookup returns the variable bound to alias.
func (c *Context) Lookup(alias string) (*TypedVariable, bool) {
	v, ok := c.vars[alias]
	return v, ok
}

// Aliases returns all declared aliases in textual order.
func (c *Context) Aliases() []string {
	return append([]string(nil), c.order...)
}

// Vars returns the declared variables in textual order.
func (c *Context) Vars() []*TypedVariable {
	out := make([]*TypedVariable, 0, len(c.order))
	for _, alias := range c.order {
		out = append(out, c.vars[alias])
	}
	return out
}

// NextCTEName reserves the next WITH-export CTE name for the given exported
// aliases.
func (c *Context) NextCTEName(exported []string) string {
	name := CTEName(exported, c.cteSeq)
	c.cteSeq++
	return name
}

// NextAnon returns a fresh alias for an unnamed pattern element.
func (c *Context) NextAnon(prefix string) string {
	c.anon++
	return fmt.Sprintf("_%s%d", prefix, c.anon)
}

// ResetHorizon replaces the visible variables with the given set, as a WITH
// boundary does. CTE/anon counters survive so names stay unique across the
// whole query.
func (c *Context) ResetHorizon(visible []*TypedVariable) {
	c.vars = make(map[string]*TypedVariable, len(visible))
	c.order = c.order[:0]
	for _, v := range visible {
		c.vars[v.Alias] = v
		c.order = append(c.order, v.Alias)
	}
}
