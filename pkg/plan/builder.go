package plan

import (
	"fmt"
	"sort"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/schema"
)

// BuildOptions controls plan construction policy.
type BuildOptions struct {
	// AllowCartesianProduct joins disconnected pattern components with a
	// cross join instead of rejecting them.
	AllowCartesianProduct bool
}

// Build lowers a parsed query into a logical plan against the given schema.
func Build(q *cypher.Query, s *schema.Schema, opts BuildOptions) (*Plan, error) {
	b := &builder{
		schema: s,
		opts:   opts,
		ctx:    NewContext(),
	}
	for _, clause := range q.Clauses {
		var err error
		switch c := clause.(type) {
		case *cypher.MatchClause:
			err = b.buildMatch(c)
		case *cypher.WithClause:
			err = b.buildWith(c)
		case *cypher.ReturnClause:
			err = b.buildReturn(c)
		default:
			err = fmt.Errorf("unsupported clause %T", clause)
		}
		if err != nil {
			return nil, err
		}
	}
	return &Plan{Root: b.tree, Ctx: b.ctx, Schema: s}, nil
}

type builder struct {
	schema *schema.Schema
	opts   BuildOptions
	ctx    *Context
	tree   Node

	patternSeq int
}

func (b *builder) buildMatch(mc *cypher.MatchClause) error {
	var filters []cypher.Expr
	var clauseTree Node
	var clauseNew []string

	boundBefore := b.boundNodeAliases()

	for _, pat := range mc.Patterns {
		preBound := b.boundNodeAliases()

		chain, newAliases, err := b.buildPattern(pat, mc.Optional, &filters)
		if err != nil {
			return err
		}
		clauseNew = append(clauseNew, newAliases...)

		shared := intersect(preBound, pat.Aliases())
		connected := len(shared) > 0 || (b.tree == nil && clauseTree == nil)
		if !connected && !b.opts.AllowCartesianProduct {
			return &DisconnectedPatternError{Bound: preBound, Pattern: pat.Aliases()}
		}

		if clauseTree == nil {
			clauseTree = chain
		} else {
			clauseTree = &PatternJoin{Left: clauseTree, Right: chain, Shared: shared}
		}
	}

	if mc.Where != nil {
		if err := b.validateExpr(mc.Where, "WHERE"); err != nil {
			return err
		}
		filters = append(filters, mc.Where)
	}
	pred := andAll(filters)

	if mc.Optional {
		// The optional clause's own predicate belongs inside the optional
		// scope: it narrows the left join, it must not filter out anchor
		// rows after the join.
		if pred != nil {
			clauseTree = &Filter{Input: clauseTree, Predicate: pred}
			pred = nil
		}
		clauseTree = &Optional{Input: clauseTree, Aliases: clauseNew}
	}

	if b.tree == nil {
		b.tree = clauseTree
	} else {
		shared := intersect(boundBefore, b.clauseAliases(mc))
		b.tree = &PatternJoin{Left: b.tree, Right: clauseTree, Shared: shared}
	}
	if pred != nil {
		b.tree = &Filter{Input: b.tree, Predicate: pred}
	}
	return nil
}

// clauseAliases returns every node alias a MATCH clause's patterns mention.
func (b *builder) clauseAliases(mc *cypher.MatchClause) []string {
	seen := map[string]bool{}
	var out []string
	for _, pat := range mc.Patterns {
		for _, a := range pat.Aliases() {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// buildPattern lowers one path pattern into a left-deep GraphRel chain and
// returns the chain plus the aliases the pattern newly bound.
func (b *builder) buildPattern(pat *cypher.Pattern, optional bool, filters *[]cypher.Expr) (Node, []string, error) {
	b.patternSeq++
	patternID := b.patternSeq

	elements := pat.Elements
	if len(elements) == 0 {
		return nil, nil, fmt.Errorf("empty pattern")
	}

	var newAliases []string

	firstAlias, firstNode, isNew, err := b.ensureNode(elements[0].(*cypher.NodePattern), optional, filters)
	if err != nil {
		return nil, nil, err
	}
	if isNew {
		newAliases = append(newAliases, firstAlias)
	}

	var chain Node = firstNode
	prevAlias := firstAlias

	for i := 1; i+1 < len(elements); i += 2 {
		rel := elements[i].(*cypher.RelPattern)
		nodePat := elements[i+1].(*cypher.NodePattern)

		farAlias, farNode, farNew, err := b.ensureNode(nodePat, optional, filters)
		if err != nil {
			return nil, nil, err
		}
		if farNew {
			newAliases = append(newAliases, farAlias)
		}

		gr, err := b.buildRel(rel, pat, prevAlias, farAlias, optional, patternID, filters)
		if err != nil {
			return nil, nil, err
		}
		gr.Left = chain
		gr.Right = farNode
		if _, exists := b.ctx.Lookup(gr.Alias); !exists {
			relVar := &TypedVariable{
				Alias:    gr.Alias,
				Kind:     KindRelationship,
				Labels:   gr.Types,
				Source:   VariableSource{Kind: SourceMatch},
				Optional: optional,
			}
			if len(gr.Mappings) > 0 {
				relVar.RelMapping = gr.Mappings[0]
			}
			if err := b.ctx.Declare(relVar); err != nil {
				return nil, nil, err
			}
			newAliases = append(newAliases, gr.Alias)
		}

		chain = gr
		prevAlias = farAlias
	}

	// A named path binds a path variable over the pattern's traversal.
	if pat.Name != "" {
		if gr, ok := chain.(*GraphRel); ok {
			pathVar := &TypedVariable{
				Alias:  pat.Name,
				Kind:   KindPath,
				Source: VariableSource{Kind: SourceMatch},
				PathOf: gr.Alias,
			}
			if err := b.ctx.Declare(pathVar); err != nil {
				return nil, nil, err
			}
			newAliases = append(newAliases, pat.Name)
		} else {
			return nil, nil, fmt.Errorf("path variable %q requires a relationship pattern", pat.Name)
		}
	}

	return chain, newAliases, nil
}

func (b *builder) buildRel(rel *cypher.RelPattern, pat *cypher.Pattern, sourceAlias, targetAlias string, optional bool, patternID int, filters *[]cypher.Expr) (*GraphRel, error) {
	if len(rel.Types) == 0 {
		return nil, &SchemaResolutionError{
			Kind: "relationship",
			Err:  fmt.Errorf("relationship between %q and %q has no type; untyped relationships cannot be mapped to a table", sourceAlias, targetAlias),
		}
	}

	mappings := make([]*schema.RelMapping, 0, len(rel.Types))
	for _, relType := range rel.Types {
		m, err := b.schema.ResolveRelationship(relType)
		if err != nil {
			return nil, &SchemaResolutionError{Kind: "relationship", Name: relType, Err: err}
		}
		mappings = append(mappings, m)
	}

	alias := rel.Alias
	if alias == "" {
		alias = b.ctx.NextAnon("r")
	}

	var vlp *VariableLengthSpec
	switch {
	case rel.Range != nil:
		vlp = &VariableLengthSpec{
			MinHops:  rel.Range.Min,
			MaxHops:  rel.Range.Max,
			Types:    rel.Types,
			Shortest: pat.Shortest,
		}
	case pat.Shortest != cypher.ShortestNone:
		// shortestPath((a)-[:R]->(b)) without a range is a 1..1 traversal.
		vlp = &VariableLengthSpec{MinHops: 1, MaxHops: 1, Types: rel.Types, Shortest: pat.Shortest}
	}

	for name, value := range rel.Props {
		*filters = append(*filters, &cypher.Binary{
			Op:   "=",
			Left: &cypher.PropertyRef{Alias: alias, Property: name},
			Right: value,
		})
	}

	return &GraphRel{
		Alias:       alias,
		SourceAlias: sourceAlias,
		TargetAlias: targetAlias,
		Types:       rel.Types,
		Mappings:    mappings,
		Direction:   rel.Direction,
		VarLength:   vlp,
		Optional:    optional,
		PatternID:   patternID,
	}, nil
}

// ensureNode binds or re-references one node pattern's alias.
func (b *builder) ensureNode(np *cypher.NodePattern, optional bool, filters *[]cypher.Expr) (string, *GraphNode, bool, error) {
	alias := np.Alias
	if alias == "" {
		alias = b.ctx.NextAnon("n")
	}

	isNew := false
	if v, ok := b.ctx.Lookup(alias); ok {
		if v.Kind != KindNode {
			return "", nil, false, fmt.Errorf("alias %q is a %s, not a node", alias, v.Kind)
		}
		// A later occurrence may narrow an unlabeled variable.
		if len(v.Labels) == 0 && len(np.Labels) > 0 && !v.MultiType {
			v.Labels = append([]string(nil), np.Labels...)
		}
	} else {
		isNew = true
		v := &TypedVariable{
			Alias:    alias,
			Kind:     KindNode,
			Labels:   append([]string(nil), np.Labels...),
			Source:   VariableSource{Kind: SourceMatch},
			Optional: optional,
		}
		if err := b.ctx.Declare(v); err != nil {
			return "", nil, false, err
		}
	}

	for name, value := range np.Props {
		*filters = append(*filters, &cypher.Binary{
			Op:   "=",
			Left: &cypher.PropertyRef{Alias: alias, Property: name},
			Right: value,
		})
	}

	gn := &GraphNode{Alias: alias, Labels: np.Labels, Rebind: !isNew}
	return alias, gn, isNew, nil
}

func (b *builder) buildWith(wc *cypher.WithClause) error {
	if err := b.finalizeHorizon(); err != nil {
		return err
	}

	items, exports, exportNames, err := b.projectItems(wc.Items, "WITH")
	if err != nil {
		return err
	}
	for _, s := range wc.OrderBy {
		if err := b.validateSortExpr(s.Expr, items); err != nil {
			return err
		}
	}

	cteName := b.ctx.NextCTEName(exportNames)
	for _, ex := range exports {
		ex.Source = VariableSource{Kind: SourceCTE, CTEName: cteName}
	}

	inner := b.projectTree(b.tree, items, wc.Distinct)
	if len(wc.OrderBy) > 0 {
		inner = &OrderBy{Input: inner, Items: sortSpecs(wc.OrderBy)}
	}
	if wc.Skip != nil || wc.Limit != nil {
		inner = &Limit{Input: inner, Skip: wc.Skip, Count: wc.Limit}
	}

	with := &With{
		Input:    inner,
		CTEName:  cteName,
		Items:    items,
		Distinct: wc.Distinct,
		Exports:  exports,
		Scope:    b.ctx.Vars(),
	}
	if wc.Where != nil {
		// Validate against the post-WITH horizon, where only exports exist.
		b.ctx.ResetHorizon(exports)
		if err := b.validateExpr(wc.Where, "WITH WHERE"); err != nil {
			return err
		}
		with.Where = wc.Where
	} else {
		b.ctx.ResetHorizon(exports)
	}

	b.tree = with
	return nil
}

func (b *builder) buildReturn(rc *cypher.ReturnClause) error {
	if err := b.finalizeHorizon(); err != nil {
		return err
	}

	items, _, _, err := b.projectItems(rc.Items, "RETURN")
	if err != nil {
		return err
	}
	for _, s := range rc.OrderBy {
		if err := b.validateSortExpr(s.Expr, items); err != nil {
			return err
		}
	}

	tree := b.projectTree(b.tree, items, rc.Distinct)
	if len(rc.OrderBy) > 0 {
		tree = &OrderBy{Input: tree, Items: sortSpecs(rc.OrderBy)}
	}
	if rc.Skip != nil || rc.Limit != nil {
		tree = &Limit{Input: tree, Skip: rc.Skip, Count: rc.Limit}
	}
	b.tree = tree
	return nil
}

// projectItems validates and converts return items, and derives the typed
// variables a WITH boundary would export for them.
func (b *builder) projectItems(in []*cypher.ReturnItem, clause string) ([]*Item, []*TypedVariable, []string, error) {
	var items []*Item
	var exports []*TypedVariable
	var names []string

	for _, ri := range in {
		if err := b.validateExpr(ri.Expr, clause); err != nil {
			return nil, nil, nil, err
		}
		name := ri.Name()
		items = append(items, &Item{Expr: ri.Expr, Name: name})
		names = append(names, name)

		if ident, ok := ri.Expr.(*cypher.Ident); ok {
			v, _ := b.ctx.Lookup(ident.Name)
			ex := &TypedVariable{
				Alias:       name,
				Kind:        v.Kind,
				Labels:      v.Labels,
				Optional:    v.Optional,
				MultiType:   v.MultiType,
				PathOf:      v.PathOf,
				NodeMapping: v.NodeMapping,
				RelMapping:  v.RelMapping,
			}
			exports = append(exports, ex)
		} else {
			exports = append(exports, &TypedVariable{Alias: name, Kind: KindScalar})
		}
	}
	return items, exports, names, nil
}

// projectTree wraps the horizon in GroupBy when any item aggregates,
// otherwise in a plain Projection.
func (b *builder) projectTree(input Node, items []*Item, distinct bool) Node {
	aggregated := false
	for _, it := range items {
		if cypher.ContainsAggregate(it.Expr) {
			aggregated = true
			break
		}
	}
	if !aggregated {
		return &Projection{Input: input, Items: items, Distinct: distinct}
	}
	var keys []cypher.Expr
	for _, it := range items {
		if !cypher.ContainsAggregate(it.Expr) {
			keys = append(keys, it.Expr)
		}
	}
	return &GroupBy{Input: input, Items: items, Keys: keys}
}

// finalizeHorizon resolves scans for every node alias of the current
// horizon. Label inference needs the full edge set, so this runs when the
// horizon closes (WITH or RETURN), not while patterns are still arriving.
func (b *builder) finalizeHorizon() error {
	if b.tree == nil {
		return fmt.Errorf("query has no MATCH clause before projection")
	}

	rels := b.horizonRels()

	for _, alias := range b.ctx.Aliases() {
		v, _ := b.ctx.Lookup(alias)
		if v.Kind != KindNode || v.Source.Kind != SourceMatch || v.NodeMapping != nil || v.MultiType {
			continue
		}

		if len(v.Labels) > 0 {
			m, err := b.schema.ResolveLabel(v.Labels[0])
			if err != nil {
				// Degrade to an unresolved Scan; codegen reports it.
				b.patchScan(alias, &Scan{Alias: alias, Label: v.Labels[0]})
				continue
			}
			v.NodeMapping = m
			b.patchScan(alias, &ViewScan{
				Alias:    alias,
				Label:    v.Labels[0],
				Table:    m.Table,
				Mapping:  m,
				Optional: v.Optional,
			})
			continue
		}

		candidates, err := b.inferLabels(alias, rels)
		if err != nil {
			return err
		}
		switch len(candidates) {
		case 0:
			return &SchemaResolutionError{
				Kind: "label",
				Name: alias,
				Err:  fmt.Errorf("alias %q has no label and none can be inferred from its relationships", alias),
			}
		case 1:
			m, err := b.schema.ResolveLabel(candidates[0])
			if err != nil {
				return &SchemaResolutionError{Kind: "label", Name: candidates[0], Err: err}
			}
			v.Labels = candidates
			v.NodeMapping = m
			b.patchScan(alias, &ViewScan{
				Alias:    alias,
				Label:    candidates[0],
				Table:    m.Table,
				Mapping:  m,
				Optional: v.Optional,
			})
		default:
			v.Labels = candidates
			v.MultiType = true
			v.Source = VariableSource{Kind: SourceUnion}
		}
	}
	return nil
}

// inferLabels infers candidate labels for an unlabeled alias from the
// schema-declared endpoints of its adjacent relationships, narrowing by the
// label of the opposite endpoint when known, and intersecting across edges.
func (b *builder) inferLabels(alias string, rels []*GraphRel) ([]string, error) {
	var result []string
	first := true

	for _, gr := range rels {
		if gr.SourceAlias != alias && gr.TargetAlias != alias {
			continue
		}
		set := map[string]bool{}
		for _, m := range gr.Mappings {
			for _, ep := range m.Endpoints {
				add := func(mine, other, otherAlias string) {
					if ov, ok := b.ctx.Lookup(otherAlias); ok && len(ov.Labels) > 0 && !ov.MultiType {
						matched := false
						for _, l := range ov.Labels {
							if l == other {
								matched = true
							}
						}
						if !matched {
							return
						}
					}
					set[mine] = true
				}
				onSource := gr.SourceAlias == alias
				switch gr.Direction {
				case cypher.DirOut:
					if onSource {
						add(ep.Source, ep.Target, gr.TargetAlias)
					} else {
						add(ep.Target, ep.Source, gr.SourceAlias)
					}
				case cypher.DirIn:
					if onSource {
						add(ep.Target, ep.Source, gr.TargetAlias)
					} else {
						add(ep.Source, ep.Target, gr.SourceAlias)
					}
				default:
					other := gr.TargetAlias
					if !onSource {
						other = gr.SourceAlias
					}
					add(ep.Source, ep.Target, other)
					add(ep.Target, ep.Source, other)
				}
			}
		}
		edgeCandidates := setToSorted(set)
		if first {
			result = edgeCandidates
			first = false
		} else {
			result = intersect(result, edgeCandidates)
		}
	}
	return result, nil
}

// patchScan installs the resolved scan on the first (non-rebind) GraphNode
// binding the alias in the current horizon.
func (b *builder) patchScan(alias string, scan Node) {
	walkHorizon(b.tree, func(n Node) {
		if gn, ok := n.(*GraphNode); ok && gn.Alias == alias && !gn.Rebind && gn.Input == nil {
			gn.Input = scan
		}
	})
}

// horizonRels collects every GraphRel of the current horizon (not crossing
// WITH boundaries).
func (b *builder) horizonRels() []*GraphRel {
	var rels []*GraphRel
	walkHorizon(b.tree, func(n Node) {
		if gr, ok := n.(*GraphRel); ok {
			rels = append(rels, gr)
		}
	})
	return rels
}

// walkHorizon visits the current horizon's nodes without descending into a
// With node's input (the previous horizon).
func walkHorizon(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch v := n.(type) {
	case *With:
		// Boundary: the With itself is visible as a leaf, its input is not.
	case *GraphNode:
		walkHorizon(v.Input, fn)
	case *GraphRel:
		walkHorizon(v.Left, fn)
		walkHorizon(v.Right, fn)
	case *PatternJoin:
		walkHorizon(v.Left, fn)
		walkHorizon(v.Right, fn)
	case *Filter:
		walkHorizon(v.Input, fn)
	case *Projection:
		walkHorizon(v.Input, fn)
	case *GroupBy:
		walkHorizon(v.Input, fn)
	case *OrderBy:
		walkHorizon(v.Input, fn)
	case *Limit:
		walkHorizon(v.Input, fn)
	case *Optional:
		walkHorizon(v.Input, fn)
	}
}

// validateSortExpr validates an ORDER BY key, additionally accepting the
// projection's own output names (ORDER BY c after count(*) AS c).
func (b *builder) validateSortExpr(e cypher.Expr, items []*Item) error {
	itemNames := map[string]bool{}
	for _, it := range items {
		itemNames[it.Name] = true
	}
	for _, alias := range cypher.ExprAliases(e) {
		if _, ok := b.ctx.Lookup(alias); !ok && !itemNames[alias] {
			return &UnresolvedAliasError{Alias: alias, Clause: "ORDER BY"}
		}
	}
	return nil
}

func (b *builder) validateExpr(e cypher.Expr, clause string) error {
	for _, alias := range cypher.ExprAliases(e) {
		if _, ok := b.ctx.Lookup(alias); !ok {
			return &UnresolvedAliasError{Alias: alias, Clause: clause}
		}
	}
	return nil
}

// boundNodeAliases returns the node aliases currently bound, in textual
// order.
func (b *builder) boundNodeAliases() []string {
	var out []string
	for _, alias := range b.ctx.Aliases() {
		if v, _ := b.ctx.Lookup(alias); v.Kind == KindNode {
			out = append(out, alias)
		}
	}
	return out
}

func sortSpecs(in []*cypher.SortItem) []*SortSpec {
	out := make([]*SortSpec, len(in))
	for i, s := range in {
		out[i] = &SortSpec{Expr: s.Expr, Desc: s.Desc}
	}
	return out
}

func andAll(exprs []cypher.Expr) cypher.Expr {
	var result cypher.Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if result == nil {
			result = e
		} else {
			result = &cypher.Binary{Op: "AND", Left: result, Right: e}
		}
	}
	return result
}

func intersect(a, b []string) []string {
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

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
