package optimize

import (
	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
)

// PushFilters moves single-alias conjuncts out of Filter nodes and into the
// scan or traversal that owns the alias. This has to happen before CTE
// synthesis: a start-node predicate that stays above the join arrives too
// late to narrow a recursive CTE's base case.
//
// Placement rules:
//   - alias is an endpoint of a variable-length GraphRel: the conjunct goes
//     onto that GraphRel's predicate; the synthesizer splits it into base
//     case (start alias) or terminal filter (end alias).
//   - alias has a ViewScan in the same scope: the conjunct becomes the
//     scan's view filter.
//   - anything else (multi-alias conjuncts, CTE-sourced aliases, aliases
//     across an Optional boundary) stays in the residual Filter.
func PushFilters(p *plan.Plan) (*plan.Plan, error) {
	root, err := plan.Rewrite(p.Root, func(n plan.Node) (plan.Node, error) {
		f, ok := n.(*plan.Filter)
		if !ok {
			return n, nil
		}
		input := f.Input
		var residual []cypher.Expr
		for _, conjunct := range splitAnd(f.Predicate) {
			aliases := cypher.ExprAliases(conjunct)
			if len(aliases) != 1 {
				residual = append(residual, conjunct)
				continue
			}
			newInput, pushed := pushConjunct(input, aliases[0], conjunct)
			if pushed {
				input = newInput
			} else {
				residual = append(residual, conjunct)
			}
		}
		if len(residual) == 0 {
			return input, nil
		}
		return &plan.Filter{Input: input, Predicate: conjoin(residual)}, nil
	})
	if err != nil {
		return nil, err
	}
	out := *p
	out.Root = root
	return &out, nil
}

// pushConjunct rebuilds the subtree with the conjunct installed on the
// alias's variable-length traversal or view scan. It does not descend into
// Optional or With scopes: a predicate that sits outside those boundaries
// must keep post-join semantics.
func pushConjunct(n plan.Node, alias string, conjunct cypher.Expr) (plan.Node, bool) {
	switch v := n.(type) {
	case *plan.GraphRel:
		if v.VarLength != nil && (v.SourceAlias == alias || v.TargetAlias == alias) {
			c := *v
			c.Where = andExpr(c.Where, conjunct)
			return &c, true
		}
		if left, ok := pushConjunct(v.Left, alias, conjunct); ok {
			c := *v
			c.Left = left
			return &c, true
		}
		if right, ok := pushConjunct(v.Right, alias, conjunct); ok {
			c := *v
			c.Right = right
			return &c, true
		}
	case *plan.GraphNode:
		if input, ok := pushConjunct(v.Input, alias, conjunct); ok {
			c := *v
			c.Input = input
			return &c, true
		}
	case *plan.ViewScan:
		if v.Alias == alias {
			c := *v
			c.Filter = andExpr(c.Filter, conjunct)
			return &c, true
		}
	case *plan.PatternJoin:
		if left, ok := pushConjunct(v.Left, alias, conjunct); ok {
			c := *v
			c.Left = left
			return &c, true
		}
		if right, ok := pushConjunct(v.Right, alias, conjunct); ok {
			c := *v
			c.Right = right
			return &c, true
		}
	case *plan.Filter:
		if input, ok := pushConjunct(v.Input, alias, conjunct); ok {
			c := *v
			c.Input = input
			return &c, true
		}
	}
	return n, false
}

// splitAnd flattens a conjunction into its conjuncts.
func splitAnd(e cypher.Expr) []cypher.Expr {
	if b, ok := e.(*cypher.Binary); ok && b.Op == "AND" {
		return append(splitAnd(b.Left), splitAnd(b.Right)...)
	}
	if e == nil {
		return nil
	}
	return []cypher.Expr{e}
}

func conjoin(exprs []cypher.Expr) cypher.Expr {
	var out cypher.Expr
	for _, e := range exprs {
		out = andExpr(out, e)
	}
	return out
}

func andExpr(a, b cypher.Expr) cypher.Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return &cypher.Binary{Op: "AND", Left: a, Right: b}
	}
}
