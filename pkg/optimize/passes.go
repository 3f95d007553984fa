package optimize

import (
	"fmt"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
)

// RemoveDuplicateScans collapses repeated scans of the same table+alias that
// Optional expansion can introduce: the second and later bindings of an
// alias become rebinds of the first. A scan that appears both required and
// optional survives as required — the required occurrence guarantees the
// row exists.
func RemoveDuplicateScans(p *plan.Plan) (*plan.Plan, error) {
	firstSeen := map[string]*plan.GraphNode{}
	root, err := plan.Rewrite(p.Root, func(n plan.Node) (plan.Node, error) {
		gn, ok := n.(*plan.GraphNode)
		if !ok || gn.Rebind || gn.Input == nil {
			return n, nil
		}
		prev, dup := firstSeen[gn.Alias]
		if !dup {
			firstSeen[gn.Alias] = gn
			return n, nil
		}
		// Keep the required occurrence's scan on the surviving node.
		if prevScan, ok := prev.Input.(*plan.ViewScan); ok && prevScan.Optional {
			if curScan, ok := gn.Input.(*plan.ViewScan); ok && !curScan.Optional {
				prev.Input = curScan
			}
		}
		c := *gn
		c.Input = nil
		c.Rebind = true
		return &c, nil
	})
	if err != nil {
		return nil, err
	}
	out := *p
	out.Root = root
	return &out, nil
}

// MaterializeAnchor commits the traversal planner's anchor decision for the
// outermost horizon into the plan's canonical FROM alias.
func MaterializeAnchor(p *plan.Plan) (*plan.Plan, error) {
	t, err := plan.PlanTraversal(p.Root, p.Ctx.Vars())
	if err != nil {
		return nil, err
	}
	out := *p
	out.Anchor = t.Anchor
	return &out, nil
}

// CheckVlpTransitivity rejects variable-length patterns whose relationship
// type cannot connect the stated endpoint labels, before any CTE is
// generated — a structurally impossible traversal must be an error, not an
// empty result set.
func CheckVlpTransitivity(p *plan.Plan) (*plan.Plan, error) {
	var failure error
	plan.Walk(p.Root, func(n plan.Node) {
		if failure != nil {
			return
		}
		gr, ok := n.(*plan.GraphRel)
		if !ok || gr.VarLength == nil {
			return
		}
		if err := checkOneVlp(p, gr); err != nil {
			failure = err
		}
	})
	if failure != nil {
		return nil, failure
	}
	return p, nil
}

func checkOneVlp(p *plan.Plan, gr *plan.GraphRel) error {
	srcLabel := vlpEndpointLabel(p, gr.SourceAlias)
	dstLabel := vlpEndpointLabel(p, gr.TargetAlias)
	if gr.Direction == cypher.DirIn {
		srcLabel, dstLabel = dstLabel, srcLabel
	}
	undirected := gr.Direction == cypher.DirBoth

	for i, m := range gr.Mappings {
		relType := gr.Types[i]

		canStart := srcLabel == "" || contains(m.SourceLabels(), srcLabel) ||
			(undirected && contains(m.TargetLabels(), srcLabel))
		if !canStart {
			return &plan.VlpTransitivityError{
				RelType:     relType,
				SourceLabel: srcLabel,
				TargetLabel: dstLabel,
				Reason:      fmt.Sprintf("%s can only start at %v", relType, m.SourceLabels()),
			}
		}
		canEnd := dstLabel == "" || contains(m.TargetLabels(), dstLabel) ||
			(undirected && contains(m.SourceLabels(), dstLabel))
		if !canEnd {
			return &plan.VlpTransitivityError{
				RelType:     relType,
				SourceLabel: srcLabel,
				TargetLabel: dstLabel,
				Reason:      fmt.Sprintf("%s can only end at %v", relType, m.TargetLabels()),
			}
		}

		// Two or more mandatory hops additionally need a label the type
		// can both arrive at and depart from.
		if gr.VarLength.MinHops >= 2 && !undirected {
			if len(intersectLabels(m.TargetLabels(), m.SourceLabels())) == 0 {
				return &plan.VlpTransitivityError{
					RelType:     relType,
					SourceLabel: srcLabel,
					TargetLabel: dstLabel,
					Reason:      fmt.Sprintf("%s cannot chain: no label is both a target and a source of it", relType),
				}
			}
		}
	}
	return nil
}

// vlpEndpointLabel returns the single known label of an endpoint alias, or
// "" when the alias is unlabeled or multi-type.
func vlpEndpointLabel(p *plan.Plan, alias string) string {
	v, ok := lookupVar(p, alias)
	if !ok || v.MultiType || len(v.Labels) != 1 {
		return ""
	}
	return v.Labels[0]
}

// lookupVar finds an alias in the final context or in any With scope.
func lookupVar(p *plan.Plan, alias string) (*plan.TypedVariable, bool) {
	if v, ok := p.Ctx.Lookup(alias); ok {
		return v, true
	}
	var found *plan.TypedVariable
	plan.Walk(p.Root, func(n plan.Node) {
		w, ok := n.(*plan.With)
		if !ok || found != nil {
			return
		}
		for _, v := range w.Scope {
			if v.Alias == alias {
				found = v
				return
			}
		}
	})
	return found, found != nil
}

// EnforcePatternUniqueness injects an id-inequality between the outer
// endpoints of a two-step chain that re-traverses the same relationship
// type within a single pattern (friends-of-friends must not resolve back to
// the original row). The predicate applies within that one pattern only —
// edges from separate MATCH clauses are never paired.
func EnforcePatternUniqueness(p *plan.Plan) (*plan.Plan, error) {
	root, err := plan.Rewrite(p.Root, func(n plan.Node) (plan.Node, error) {
		var input plan.Node
		switch v := n.(type) {
		case *plan.Projection:
			input = v.Input
		case *plan.GroupBy:
			input = v.Input
		case *plan.With:
			input = v.Input
		default:
			return n, nil
		}
		pred := uniquenessPredicate(input)
		if pred == nil {
			return n, nil
		}
		wrapped := &plan.Filter{Input: input, Predicate: pred}
		switch v := n.(type) {
		case *plan.Projection:
			c := *v
			c.Input = wrapped
			return &c, nil
		case *plan.GroupBy:
			c := *v
			c.Input = wrapped
			return &c, nil
		case *plan.With:
			c := *v
			c.Input = wrapped
			return &c, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	out := *p
	out.Root = root
	return &out, nil
}

// uniquenessPredicate builds the id-inequality conjunction for one horizon.
func uniquenessPredicate(horizon plan.Node) cypher.Expr {
	rels := horizonRels(horizon)
	var pred cypher.Expr
	emitted := map[string]bool{}

	for i, e1 := range rels {
		for _, e2 := range rels[i+1:] {
			if e1.PatternID != e2.PatternID {
				continue
			}
			if e1.VarLength != nil || e2.VarLength != nil {
				continue
			}
			if !sameTypeSet(e1.Types, e2.Types) {
				continue
			}
			// Chain e1 then e2 through a shared middle alias.
			if e1.TargetAlias != e2.SourceAlias || e1.SourceAlias == e2.TargetAlias {
				continue
			}
			a, z := e1.SourceAlias, e2.TargetAlias
			key := a + "\x00" + z
			if emitted[key] {
				continue
			}
			emitted[key] = true
			ineq := &cypher.Binary{
				Op:    "<>",
				Left:  &cypher.FuncCall{Name: "id", Args: []cypher.Expr{&cypher.Ident{Name: a}}},
				Right: &cypher.FuncCall{Name: "id", Args: []cypher.Expr{&cypher.Ident{Name: z}}},
			}
			pred = andExpr(pred, ineq)
		}
	}
	return pred
}

// horizonRels collects GraphRels without crossing a With boundary.
func horizonRels(n plan.Node) []*plan.GraphRel {
	var rels []*plan.GraphRel
	var visit func(plan.Node)
	visit = func(n plan.Node) {
		switch v := n.(type) {
		case nil:
			return
		case *plan.With:
			return
		case *plan.GraphRel:
			visit(v.Left)
			rels = append(rels, v)
			visit(v.Right)
		case *plan.GraphNode:
			visit(v.Input)
		case *plan.PatternJoin:
			visit(v.Left)
			visit(v.Right)
		case *plan.Filter:
			visit(v.Input)
		case *plan.Optional:
			visit(v.Input)
		case *plan.Projection:
			visit(v.Input)
		case *plan.GroupBy:
			visit(v.Input)
		case *plan.OrderBy:
			visit(v.Input)
		case *plan.Limit:
			visit(v.Input)
		}
	}
	visit(n)
	return rels
}

func sameTypeSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if !set[t] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func intersectLabels(a, b []string) []string {
	inA := map[string]bool{}
	for _, s := range a {
		inA[s] = true
	}
	var out []string
	for _, s := range b {
		if inA[s] {
			out = append(out, s)
		}
	}
	return out
}
