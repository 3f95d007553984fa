// Package cypher provides the Cypher front end for Hugin: a hand-written
// lexer and recursive-descent parser producing the typed AST consumed by the
// planner.
//
// Only the read surface is supported (MATCH, OPTIONAL MATCH, WHERE, WITH,
// RETURN, ORDER BY, SKIP, LIMIT). Write clauses are rejected at parse time;
// Hugin compiles queries, it never mutates data.
package cypher

import (
	"fmt"
	"sort"
	"strings"
)

// Direction is the traversal direction of a relationship pattern.
type Direction int

const (
	// DirBoth matches (a)-[r]-(b).
	DirBoth Direction = iota
	// DirOut matches (a)-[r]->(b).
	DirOut
	// DirIn matches (a)<-[r]-(b).
	DirIn
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "outgoing"
	case DirIn:
		return "incoming"
	default:
		return "both"
	}
}

// ShortestMode records a shortestPath()/allShortestPaths() wrapper around a
// pattern. It must survive every later transformation of the pattern; losing
// it silently turns a shortest-path query into an all-paths query.
type ShortestMode int

const (
	ShortestNone ShortestMode = iota
	ShortestSingle
	ShortestAll
)

// Query is a parsed read query: an ordered list of clauses.
type Query struct {
	Clauses []Clause
}

// Clause is one top-level query clause.
type Clause interface{ clause() }

// MatchClause is MATCH or OPTIONAL MATCH with an optional WHERE.
type MatchClause struct {
	Optional bool
	Patterns []*Pattern
	Where    Expr
}

// WithClause projects and renames variables across a query horizon.
type WithClause struct {
	Distinct bool
	Items    []*ReturnItem
	Where    Expr
	OrderBy  []*SortItem
	Skip     Expr
	Limit    Expr
}

// ReturnClause is the final projection.
type ReturnClause struct {
	Distinct bool
	Items    []*ReturnItem
	OrderBy  []*SortItem
	Skip     Expr
	Limit    Expr
}

func (*MatchClause) clause()  {}
func (*WithClause) clause()   {}
func (*ReturnClause) clause() {}

// Pattern is one comma-separated path pattern: node, (rel, node)*.
// Name is set for path assignments (p = ...).
type Pattern struct {
	Name     string
	Shortest ShortestMode
	Elements []PatternElement
}

// Nodes returns the node patterns in order.
func (p *Pattern) Nodes() []*NodePattern {
	var out []*NodePattern
	for _, el := range p.Elements {
		if n, ok := el.(*NodePattern); ok {
			out = append(out, n)
		}
	}
	return out
}

// Rels returns the relationship patterns in order.
func (p *Pattern) Rels() []*RelPattern {
	var out []*RelPattern
	for _, el := range p.Elements {
		if r, ok := el.(*RelPattern); ok {
			out = append(out, r)
		}
	}
	return out
}

// Aliases returns the set of node aliases bound by this pattern, in textual
// order.
func (p *Pattern) Aliases() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range p.Nodes() {
		if n.Alias != "" && !seen[n.Alias] {
			seen[n.Alias] = true
			out = append(out, n.Alias)
		}
	}
	return out
}

// PatternElement is either a *NodePattern or a *RelPattern.
type PatternElement interface{ patternElement() }

// NodePattern is (alias:Label {props}).
type NodePattern struct {
	Alias  string
	Labels []string
	Props  map[string]Expr
}

// RelPattern is -[alias:TYPE|TYPE2 *min..max {props}]->.
type RelPattern struct {
	Alias     string
	Types     []string
	Direction Direction
	Range     *VarRange
	Props     map[string]Expr
}

func (*NodePattern) patternElement() {}
func (*RelPattern) patternElement()  {}

// VarRange is a variable-length hop range. Max < 0 means unbounded (the
// compiler substitutes the configured default).
type VarRange struct {
	Min int
	Max int
}

// ReturnItem is one projected expression with an optional explicit alias.
type ReturnItem struct {
	Expr  Expr
	Alias string
}

// Name returns the output name: the explicit alias if present, otherwise the
// textual form of the expression.
func (ri *ReturnItem) Name() string {
	if ri.Alias != "" {
		return ri.Alias
	}
	return ExprString(ri.Expr)
}

// SortItem is one ORDER BY key.
type SortItem struct {
	Expr Expr
	Desc bool
}

// Expr is a Cypher expression node.
type Expr interface{ expr() }

// Ident references a bound variable by name.
type Ident struct{ Name string }

// PropertyRef is alias.property.
type PropertyRef struct {
	Alias    string
	Property string
}

// Literal holds a string, int64, float64, bool or nil value.
type Literal struct{ Value any }

// Parameter is $name.
type Parameter struct{ Name string }

// ListExpr is [e1, e2, ...].
type ListExpr struct{ Items []Expr }

// Unary is NOT x or -x.
type Unary struct {
	Op      string
	Operand Expr
}

// Binary covers arithmetic, comparison, boolean connectives and the string
// operators (STARTS WITH, ENDS WITH, CONTAINS, IN, =~).
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

// IsNull is x IS NULL / x IS NOT NULL.
type IsNull struct {
	Operand Expr
	Negated bool
}

// FuncCall is name(args), name(DISTINCT args) or count(*).
type FuncCall struct {
	Name     string
	Distinct bool
	Star     bool
	Args     []Expr
}

// CaseExpr is CASE [operand] WHEN ... THEN ... [ELSE ...] END.
type CaseExpr struct {
	Operand Expr
	Whens   []*CaseWhen
	Else    Expr
}

// CaseWhen is one WHEN cond THEN result arm.
type CaseWhen struct {
	Cond   Expr
	Result Expr
}

func (*Ident) expr()       {}
func (*PropertyRef) expr() {}
func (*Literal) expr()     {}
func (*Parameter) expr()   {}
func (*ListExpr) expr()    {}
func (*Unary) expr()       {}
func (*Binary) expr()      {}
func (*IsNull) expr()      {}
func (*FuncCall) expr()    {}
func (*CaseExpr) expr()    {}

// aggregateFuncs are the aggregates the planner routes through GROUP BY.
var aggregateFuncs = map[string]bool{
	"count":   true,
	"sum":     true,
	"avg":     true,
	"min":     true,
	"max":     true,
	"collect": true,
}

// IsAggregate reports whether e is a direct aggregate function call.
func IsAggregate(e Expr) bool {
	fc, ok := e.(*FuncCall)
	return ok && aggregateFuncs[strings.ToLower(fc.Name)]
}

// ContainsAggregate reports whether any aggregate call appears inside e.
func ContainsAggregate(e Expr) bool {
	found := false
	WalkExpr(e, func(sub Expr) {
		if IsAggregate(sub) {
			found = true
		}
	})
	return found
}

// WalkExpr calls fn for e and every sub-expression of e.
func WalkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch v := e.(type) {
	case *ListExpr:
		for _, it := range v.Items {
			WalkExpr(it, fn)
		}
	case *Unary:
		WalkExpr(v.Operand, fn)
	case *Binary:
		WalkExpr(v.Left, fn)
		WalkExpr(v.Right, fn)
	case *IsNull:
		WalkExpr(v.Operand, fn)
	case *FuncCall:
		for _, a := range v.Args {
			WalkExpr(a, fn)
		}
	case *CaseExpr:
		WalkExpr(v.Operand, fn)
		for _, w := range v.Whens {
			WalkExpr(w.Cond, fn)
			WalkExpr(w.Result, fn)
		}
		WalkExpr(v.Else, fn)
	}
}

// ExprAliases returns the distinct variable aliases referenced by e, sorted.
func ExprAliases(e Expr) []string {
	set := map[string]bool{}
	WalkExpr(e, func(sub Expr) {
		switch v := sub.(type) {
		case *Ident:
			set[v.Name] = true
		case *PropertyRef:
			set[v.Alias] = true
		}
	})
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ExprString renders an expression back to (normalized) Cypher text. Used
// for output column naming and error messages, not for re-parsing.
func ExprString(e Expr) string {
	switch v := e.(type) {
	case nil:
		return ""
	case *Ident:
		return v.Name
	case *PropertyRef:
		return v.Alias + "." + v.Property
	case *Literal:
		switch val := v.Value.(type) {
		case nil:
			return "null"
		case string:
			return "'" + strings.ReplaceAll(val, "'", "\\'") + "'"
		default:
			return fmt.Sprintf("%v", val)
		}
	case *Parameter:
		return "$" + v.Name
	case *ListExpr:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = ExprString(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Unary:
		if v.Op == "NOT" {
			return "NOT " + ExprString(v.Operand)
		}
		return v.Op + ExprString(v.Operand)
	case *Binary:
		return ExprString(v.Left) + " " + v.Op + " " + ExprString(v.Right)
	case *IsNull:
		if v.Negated {
			return ExprString(v.Operand) + " IS NOT NULL"
		}
		return ExprString(v.Operand) + " IS NULL"
	case *FuncCall:
		if v.Star {
			return v.Name + "(*)"
		}
		parts := make([]string, len(v.Args))
		for i, a := range v.Args {
			parts[i] = ExprString(a)
		}
		inner := strings.Join(parts, ", ")
		if v.Distinct {
			inner = "DISTINCT " + inner
		}
		return v.Name + "(" + inner + ")"
	case *CaseExpr:
		var b strings.Builder
		b.WriteString("CASE")
		if v.Operand != nil {
			b.WriteString(" " + ExprString(v.Operand))
		}
		for _, w := range v.Whens {
			b.WriteString(" WHEN " + ExprString(w.Cond) + " THEN " + ExprString(w.Result))
		}
		if v.Else != nil {
			b.WriteString(" ELSE " + ExprString(v.Else))
		}
		b.WriteString(" END")
		return b.String()
	default:
		return fmt.Sprintf("<%T>", e)
	}
}
