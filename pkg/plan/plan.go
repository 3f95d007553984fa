// Package plan builds and transforms Hugin's logical query plan: a closed
// tree of typed nodes lowered from the Cypher AST against a schema snapshot.
// The same package owns the typed-variable registry that tracks what every
// alias means across WITH boundaries and the traversal planner that decides
// anchor, join order and endpoint label inference.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/schema"
)

// Node is one logical plan node. The set of implementations is closed;
// Rewrite covers every kind.
type Node interface{ node() }

// Scan is an unresolved node scan: the label did not resolve against the
// schema when the plan was built. It fails at code generation with a
// SchemaResolutionError; keeping it in the plan lets earlier passes run and
// report richer context.
type Scan struct {
	Alias string
	Label string
}

// ViewScan is a resolved node scan over a backing table.
type ViewScan struct {
	Alias    string
	Label    string
	Table    string
	Mapping  *schema.NodeMapping
	Filter   cypher.Expr // single-alias predicate pushed into the scan
	Optional bool
}

// GraphNode binds one pattern alias over its scan input. Input stays nil
// until scan resolution runs at the end of the horizon (label inference
// needs every edge first) and for re-references of an already-bound alias,
// which are marked Rebind.
type GraphNode struct {
	Alias  string
	Labels []string
	Input  Node
	Rebind bool
}

// VariableLengthSpec captures a *min..max traversal. MaxHops < 0 means the
// range is open-ended and the configured default applies. Shortest must
// survive every clone or rebuild of the owning GraphRel.
type VariableLengthSpec struct {
	MinHops  int
	MaxHops  int
	Types    []string
	Shortest cypher.ShortestMode
}

// GraphRel joins the plan built so far (Left, containing SourceAlias) with
// one more pattern node (Right, binding TargetAlias) across a relationship.
type GraphRel struct {
	Alias       string
	Left        Node
	Right       Node
	SourceAlias string
	TargetAlias string
	Types       []string
	Mappings    []*schema.RelMapping
	Direction   cypher.Direction
	VarLength   *VariableLengthSpec
	Where       cypher.Expr // predicate pushed onto this traversal
	Optional    bool

	// PatternID identifies which textual pattern this edge came from.
	// Same-pattern uniqueness applies within one pattern only, never
	// across separate MATCH clauses.
	PatternID int
}

// PatternJoin merges two pattern components of one horizon. Shared lists
// the aliases both sides bind; an empty Shared is a cartesian product and is
// only built when the compiler is configured to allow one.
type PatternJoin struct {
	Left   Node
	Right  Node
	Shared []string
}

// Filter applies a predicate above its input.
type Filter struct {
	Input     Node
	Predicate cypher.Expr
}

// Item is one projected expression with its output name.
type Item struct {
	Expr cypher.Expr
	Name string
}

// Projection projects items without aggregation.
type Projection struct {
	Input    Node
	Items    []*Item
	Distinct bool
}

// GroupBy projects items where at least one is an aggregate; Keys are the
// non-aggregate items, which become the GROUP BY list.
type GroupBy struct {
	Input Node
	Items []*Item
	Keys  []cypher.Expr
}

// SortSpec is one ORDER BY key.
type SortSpec struct {
	Expr cypher.Expr
	Desc bool
}

// OrderBy sorts its input.
type OrderBy struct {
	Input Node
	Items []*SortSpec
}

// Limit applies SKIP/LIMIT.
type Limit struct {
	Input Node
	Skip  cypher.Expr
	Count cypher.Expr
}

// With materializes its input as a named CTE and exports the projected
// items to the following horizon.
type With struct {
	Input    Node
	CTEName  string
	Items    []*Item
	Distinct bool
	// Where is the post-projection predicate (WITH ... WHERE cond). It
	// filters projected rows, so the renderer applies it against the CTE's
	// export columns, as HAVING when the projection aggregates.
	Where cypher.Expr
	// Exports records the typed variable published for each item.
	Exports []*TypedVariable
	// Scope snapshots every typed variable of the horizon this CTE closes,
	// in declaration order; rendering the CTE body reads aliases from it.
	Scope []*TypedVariable
}

// Optional wraps the plan fragment introduced by one OPTIONAL MATCH.
// Aliases lists the variables bound only inside the optional scope.
type Optional struct {
	Input   Node
	Aliases []string
}

func (*Scan) node()       {}
func (*ViewScan) node()   {}
func (*GraphNode) node()  {}
func (*GraphRel) node()   {}
func (*PatternJoin) node() {}
func (*Filter) node()     {}
func (*Projection) node() {}
func (*GroupBy) node()    {}
func (*OrderBy) node()    {}
func (*Limit) node()      {}
func (*With) node()       {}
func (*Optional) node()   {}

// Plan is a fully built logical plan plus the per-query planning context.
type Plan struct {
	Root   Node
	Ctx    *Context
	Schema *schema.Schema

	// Anchor is the canonical FROM alias, committed by the anchor
	// materialization pass. Empty until that pass runs.
	Anchor string
}

// Traversal CTE export columns. These names are the binding contract between
// the CTE synthesizer and the render plan builder; both sides must use the
// constants, never literals.
const (
	ColStartID       = "start_id"
	ColEndID         = "end_id"
	ColHopCount      = "hop_count"
	ColPathNodes     = "path_nodes"
	ColEndType       = "end_type"
	ColEndProperties = "end_properties"
	ColPathRank      = "path_rank"
	ColMinHops       = "min_hops"
)

// ExportColumn is the export-naming contract for WITH CTEs: the column a
// CTE exports for an entity alias's database column, and that the renderer
// reads back on the other side of the boundary.
func ExportColumn(alias, dbColumn string) string {
	return alias + "_" + dbColumn
}

// CTEName derives the deterministic name for a WITH export CTE from the
// sorted exported-alias set and a per-query sequence number.
func CTEName(exported []string, seq int) string {
	sorted := append([]string(nil), exported...)
	sort.Strings(sorted)
	return fmt.Sprintf("with_%s_%d", strings.Join(sorted, "_"), seq)
}

// String renders the plan tree for EXPLAIN output and tests.
func (p *Plan) String() string {
	var b strings.Builder
	writeNode(&b, p.Root, 0)
	return b.String()
}

func writeNode(b *strings.Builder, n Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch v := n.(type) {
	case nil:
		return
	case *Scan:
		fmt.Fprintf(b, "%sScan(%s:%s unresolved)\n", indent, v.Alias, v.Label)
	case *ViewScan:
		suffix := ""
		if v.Filter != nil {
			suffix = " filter=" + cypher.ExprString(v.Filter)
		}
		fmt.Fprintf(b, "%sViewScan(%s:%s -> %s%s)\n", indent, v.Alias, v.Label, v.Table, suffix)
	case *GraphNode:
		fmt.Fprintf(b, "%sGraphNode(%s:%s)\n", indent, v.Alias, strings.Join(v.Labels, "|"))
		writeNode(b, v.Input, depth+1)
	case *GraphRel:
		vlp := ""
		if v.VarLength != nil {
			vlp = fmt.Sprintf(" *%d..%d", v.VarLength.MinHops, v.VarLength.MaxHops)
			switch v.VarLength.Shortest {
			case cypher.ShortestSingle:
				vlp += " shortest"
			case cypher.ShortestAll:
				vlp += " allShortest"
			}
		}
		opt := ""
		if v.Optional {
			opt = " optional"
		}
		fmt.Fprintf(b, "%sGraphRel(%s)-[%s:%s%s]-(%s)%s %s\n",
			indent, v.SourceAlias, v.Alias, strings.Join(v.Types, "|"), vlp, v.TargetAlias, opt, v.Direction)
		writeNode(b, v.Left, depth+1)
		writeNode(b, v.Right, depth+1)
	case *PatternJoin:
		fmt.Fprintf(b, "%sPatternJoin(%s)\n", indent, strings.Join(v.Shared, ", "))
		writeNode(b, v.Left, depth+1)
		writeNode(b, v.Right, depth+1)
	case *Filter:
		fmt.Fprintf(b, "%sFilter(%s)\n", indent, cypher.ExprString(v.Predicate))
		writeNode(b, v.Input, depth+1)
	case *Projection:
		fmt.Fprintf(b, "%sProjection(%s)\n", indent, itemNames(v.Items))
		writeNode(b, v.Input, depth+1)
	case *GroupBy:
		fmt.Fprintf(b, "%sGroupBy(%s)\n", indent, itemNames(v.Items))
		writeNode(b, v.Input, depth+1)
	case *OrderBy:
		fmt.Fprintf(b, "%sOrderBy\n", indent)
		writeNode(b, v.Input, depth+1)
	case *Limit:
		fmt.Fprintf(b, "%sLimit\n", indent)
		writeNode(b, v.Input, depth+1)
	case *With:
		fmt.Fprintf(b, "%sWith(%s: %s)\n", indent, v.CTEName, itemNames(v.Items))
		writeNode(b, v.Input, depth+1)
	case *Optional:
		fmt.Fprintf(b, "%sOptional(%s)\n", indent, strings.Join(v.Aliases, ", "))
		writeNode(b, v.Input, depth+1)
	}
}

func itemNames(items []*Item) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return strings.Join(names, ", ")
}
