package plan

// Traversal planning: given one horizon's pattern fragment, pick the anchor
// node (the FROM-clause root) and order every relationship into join steps
// by a breadth-first walk from the anchor.

// Step is one planned join: traverse Rel from the already-bound From alias
// to the To alias. ToBound marks back-edges whose far endpoint was already
// joined; those contribute only the relationship join plus an equality onto
// the existing alias, never a second node join.
type Step struct {
	Rel     *GraphRel
	From    string
	To      string
	ToBound bool
	// Reversed is true when the step traverses the relationship from its
	// textual target toward its textual source.
	Reversed bool
}

// Traversal is the planned join order for one horizon.
type Traversal struct {
	// Anchor is the alias whose table (or CTE) roots the FROM clause. It
	// is guaranteed present in every output row, so a required alias wins
	// over any optional one.
	Anchor string
	// ExtraAnchors root additional disconnected components (cartesian
	// products, only present when explicitly allowed).
	ExtraAnchors []string
	Steps        []*Step
}

// NodeJoinCount returns how many distinct node aliases the traversal joins,
// anchors included.
func (t *Traversal) NodeJoinCount() int {
	seen := map[string]bool{t.Anchor: true}
	for _, a := range t.ExtraAnchors {
		seen[a] = true
	}
	for _, s := range t.Steps {
		if !s.ToBound {
			seen[s.To] = true
		}
	}
	return len(seen)
}

// PlanTraversal plans one horizon. scope holds the horizon's typed
// variables in textual order; root is the horizon's plan fragment.
func PlanTraversal(root Node, scope []*TypedVariable) (*Traversal, error) {
	rels := collectRels(root)

	vars := make(map[string]*TypedVariable, len(scope))
	for _, v := range scope {
		vars[v.Alias] = v
	}

	// Every node alias that participates in the pattern, textual order.
	var aliases []string
	seen := map[string]bool{}
	appendAlias := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			aliases = append(aliases, a)
		}
	}
	for _, v := range scope {
		if v.Kind == KindNode {
			appendAlias(v.Alias)
		}
	}
	for _, gr := range rels {
		appendAlias(gr.SourceAlias)
		appendAlias(gr.TargetAlias)
	}

	anchor := selectAnchor(aliases, vars)
	if anchor == "" {
		return nil, &UnresolvedAliasError{Alias: "(pattern)", Clause: "MATCH"}
	}

	t := &Traversal{Anchor: anchor}
	visited := map[string]bool{anchor: true}
	used := make([]bool, len(rels))
	remaining := len(rels)

	for remaining > 0 {
		progressed := false

		// Required edges extend the frontier before optional ones so a
		// LEFT JOIN never has to root an INNER chain.
		for _, optionalPass := range []bool{false, true} {
			for i, gr := range rels {
				if used[i] || gr.Optional != optionalPass {
					continue
				}
				srcIn, dstIn := visited[gr.SourceAlias], visited[gr.TargetAlias]
				if !srcIn && !dstIn {
					continue
				}
				step := &Step{Rel: gr}
				switch {
				case srcIn && dstIn:
					step.From = gr.SourceAlias
					step.To = gr.TargetAlias
					step.ToBound = true
				case srcIn:
					step.From = gr.SourceAlias
					step.To = gr.TargetAlias
				default:
					step.From = gr.TargetAlias
					step.To = gr.SourceAlias
					step.Reversed = true
				}
				visited[step.To] = true
				used[i] = true
				remaining--
				t.Steps = append(t.Steps, step)
				progressed = true
			}
		}

		if !progressed {
			// A disconnected component; root it at its own anchor. The
			// builder only lets this through when cartesian products are
			// allowed.
			var component []string
			for _, a := range aliases {
				if !visited[a] {
					component = append(component, a)
				}
			}
			sub := selectAnchor(component, vars)
			if sub == "" {
				var bound []string
				for a := range visited {
					bound = append(bound, a)
				}
				return nil, &DisconnectedPatternError{Bound: bound, Pattern: component}
			}
			visited[sub] = true
			t.ExtraAnchors = append(t.ExtraAnchors, sub)
		}
	}

	// Standalone aliases with no relationships at all.
	for _, a := range aliases {
		if !visited[a] {
			visited[a] = true
			t.ExtraAnchors = append(t.ExtraAnchors, a)
		}
	}

	return t, nil
}

// selectAnchor picks the anchor from candidate aliases: first required
// single-type alias in textual order, then required multi-type, then
// optional. A required alias anywhere in the pattern beats an optional one
// at the front — the anchor must be present in every output row.
func selectAnchor(aliases []string, vars map[string]*TypedVariable) string {
	pick := func(accept func(*TypedVariable) bool) string {
		for _, a := range aliases {
			v, ok := vars[a]
			if !ok {
				continue
			}
			if v.Kind == KindNode && accept(v) {
				return a
			}
		}
		return ""
	}
	if a := pick(func(v *TypedVariable) bool { return !v.Optional && !v.MultiType }); a != "" {
		return a
	}
	if a := pick(func(v *TypedVariable) bool { return !v.Optional }); a != "" {
		return a
	}
	return pick(func(v *TypedVariable) bool { return true })
}

// collectRels gathers the horizon's GraphRels in textual order. The chain is
// left-deep, so the leftmost (earliest) edge sits at the bottom: visit Left
// before self.
func collectRels(root Node) []*GraphRel {
	var rels []*GraphRel
	var visit func(Node)
	visit = func(n Node) {
		switch v := n.(type) {
		case nil:
			return
		case *GraphRel:
			visit(v.Left)
			rels = append(rels, v)
			visit(v.Right)
		case *GraphNode:
			visit(v.Input)
		case *PatternJoin:
			visit(v.Left)
			visit(v.Right)
		case *Filter:
			visit(v.Input)
		case *Projection:
			visit(v.Input)
		case *GroupBy:
			visit(v.Input)
		case *OrderBy:
			visit(v.Input)
		case *Limit:
			visit(v.Input)
		case *Optional:
			visit(v.Input)
		case *With:
			// Horizon boundary.
		}
	}
	visit(root)
	return rels
}
