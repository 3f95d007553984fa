// Package cte synthesizes the recursive common table expressions that back
// variable-length and shortest-path traversals. Each traversal becomes a
// WITH RECURSIVE CTE whose base case is the one-hop edge set and whose
// recursive case extends paths hop by hop, guarded against cycles by a
// path-node array. Shortest-path modes add a second CTE that ranks rows per
// (start, end) pair with a window function.
package cte

import (
	"fmt"
	"strings"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/schema"
	"github.com/orneryd/hugin/pkg/sqlgen"
)

// Traversal is one synthesized variable-length traversal: the CTE
// definitions to emit plus everything the renderer needs to consume them.
type Traversal struct {
	Rel *plan.GraphRel

	// Name is the base recursive CTE; RankedName is the shortest-path
	// wrapper and is empty outside shortest modes.
	Name       string
	RankedName string

	// StartAlias/EndAlias are the traversal's endpoints in edge direction:
	// start_id binds to StartAlias, end_id to EndAlias. For incoming
	// patterns these are the textual target and source respectively.
	StartAlias string
	EndAlias   string

	// MultiType marks CTEs that export end_type / end_properties because the
	// end alias could not be narrowed to one label.
	MultiType bool

	MinHops int
	MaxHops int

	// OuterFilters are the traversal predicates the CTE could not absorb:
	// end-node filters always (they must only see terminal rows), and
	// start-node filters when the start alias has no single backing table.
	// The renderer applies them in the consuming query.
	OuterFilters []cypher.Expr

	// Defs are the CTE definitions in emission order (base, then ranked).
	Defs []*sqlgen.CTE
}

// ConsumptionName is the CTE the consuming query joins: the ranked wrapper
// for shortest modes, the base CTE otherwise.
func (t *Traversal) ConsumptionName() string {
	if t.RankedName != "" {
		return t.RankedName
	}
	return t.Name
}

// ConsumptionConditions are the WHERE conditions the consuming query must
// apply to the CTE rows, rendered against the given table alias.
func (t *Traversal) ConsumptionConditions(alias string) []string {
	switch t.Rel.VarLength.Shortest {
	case cypher.ShortestSingle:
		return []string{fmt.Sprintf("%s.%s = 1", alias, plan.ColPathRank)}
	case cypher.ShortestAll:
		return []string{fmt.Sprintf("%s.%s = %s.%s", alias, plan.ColHopCount, alias, plan.ColMinHops)}
	}
	if t.MinHops > 1 {
		return []string{fmt.Sprintf("%s.%s >= %d", alias, plan.ColHopCount, t.MinHops)}
	}
	return nil
}

// Synthesizer builds traversal CTEs against one schema snapshot. MaxHops
// bounds open-ended ranges; Params collects parameter slots in textual
// order, shared with the renderer.
type Synthesizer struct {
	Schema  *schema.Schema
	MaxHops int
	Params  *sqlgen.Params
}

// branch is one UNION ALL arm of the traversal CTE: a relationship mapping
// oriented in traversal direction, optionally pinned to one end label.
type branch struct {
	mapping *schema.RelMapping
	srcCol  string
	dstCol  string
	// endLabel and endMapping are set for multi-type ends only; the branch
	// then joins the end node table to serialize end_type/end_properties.
	endLabel   string
	endMapping *schema.NodeMapping
}

// Synthesize builds the CTEs for one variable-length GraphRel. vars is the
// traversal's horizon scope keyed by alias.
func (s *Synthesizer) Synthesize(gr *plan.GraphRel, vars map[string]*plan.TypedVariable) (*Traversal, error) {
	if gr.VarLength == nil {
		return nil, fmt.Errorf("relationship %q is not variable-length", gr.Alias)
	}

	t := &Traversal{
		Rel:        gr,
		Name:       "path_" + strings.TrimPrefix(gr.Alias, "_"),
		StartAlias: gr.SourceAlias,
		EndAlias:   gr.TargetAlias,
		MinHops:    gr.VarLength.MinHops,
		MaxHops:    gr.VarLength.MaxHops,
	}
	if gr.Direction == cypher.DirIn {
		t.StartAlias, t.EndAlias = t.EndAlias, t.StartAlias
	}
	if t.MaxHops < 0 {
		t.MaxHops = s.MaxHops
	}

	startVar := vars[t.StartAlias]
	endVar := vars[t.EndAlias]
	t.MultiType = endVar != nil && endVar.MultiType

	branches, err := s.enumerateBranches(gr, endVar, t.MultiType)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("relationship %q has no traversable branch for its endpoint labels", gr.Alias)
	}

	startFilters, edgeFilters, outer := splitTraversalFilters(gr, t, startVar)
	t.OuterFilters = outer

	base := &sqlgen.CTE{Name: t.Name, Recursive: t.MaxHops > 1}
	for i, br := range branches {
		sel, err := s.baseBranch(br, t, startVar, startFilters, edgeFilters)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			base.Select = sel
		} else {
			base.Select.Union = append(base.Select.Union, sel)
		}
	}
	if t.MaxHops > 1 {
		for _, br := range branches {
			sel, err := s.recursiveBranch(br, t, edgeFilters)
			if err != nil {
				return nil, err
			}
			base.Select.Union = append(base.Select.Union, sel)
		}
	}
	t.Defs = append(t.Defs, base)

	if gr.VarLength.Shortest != cypher.ShortestNone {
		t.RankedName = t.Name + "_ranked"
		t.Defs = append(t.Defs, s.rankedCTE(t, gr.VarLength.Shortest))
	}
	return t, nil
}

// enumerateBranches resolves the traversal's UNION ALL arms: one per
// relationship mapping, doubled for undirected patterns, and fanned out per
// end label when the end is multi-type.
func (s *Synthesizer) enumerateBranches(gr *plan.GraphRel, endVar *plan.TypedVariable, multiType bool) ([]branch, error) {
	var endLabelPin string
	if endVar != nil && !endVar.MultiType && len(endVar.Labels) == 1 {
		endLabelPin = endVar.Labels[0]
	}

	var out []branch
	add := func(m *schema.RelMapping, srcCol, dstCol string, endLabels []string) error {
		if !multiType {
			out = append(out, branch{mapping: m, srcCol: srcCol, dstCol: dstCol})
			return nil
		}
		for _, label := range endLabels {
			if endLabelPin != "" && label != endLabelPin {
				continue
			}
			nm, err := s.Schema.ResolveLabel(label)
			if err != nil {
				return err
			}
			out = append(out, branch{mapping: m, srcCol: srcCol, dstCol: dstCol, endLabel: label, endMapping: nm})
		}
		return nil
	}

	for _, m := range gr.Mappings {
		if err := add(m, m.SourceColumn, m.TargetColumn, m.TargetLabels()); err != nil {
			return nil, err
		}
		if gr.Direction == cypher.DirBoth {
			if err := add(m, m.TargetColumn, m.SourceColumn, m.SourceLabels()); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// splitTraversalFilters routes the pushed-down traversal predicate: start
// conjuncts into the base case, edge conjuncts into every hop, everything
// else back out to the consuming query.
func splitTraversalFilters(gr *plan.GraphRel, t *Traversal, startVar *plan.TypedVariable) (start, edge, outer []cypher.Expr) {
	startAbsorbable := startVar != nil && startVar.NodeMapping != nil && startVar.Source.Kind == plan.SourceMatch
	for _, conjunct := range splitAnd(gr.Where) {
		aliases := cypher.ExprAliases(conjunct)
		if len(aliases) != 1 {
			outer = append(outer, conjunct)
			continue
		}
		switch aliases[0] {
		case t.StartAlias:
			if startAbsorbable {
				start = append(start, conjunct)
			} else {
				outer = append(outer, conjunct)
			}
		case gr.Alias:
			edge = append(edge, conjunct)
		default:
			outer = append(outer, conjunct)
		}
	}
	return start, edge, outer
}

// baseBranch is the one-hop arm: every edge row, paired with its start node
// when start filters need it.
func (s *Synthesizer) baseBranch(br branch, t *Traversal, startVar *plan.TypedVariable, startFilters, edgeFilters []cypher.Expr) (*sqlgen.Select, error) {
	sel := &sqlgen.Select{
		Columns: []sqlgen.Column{
			{Expr: "e." + br.srcCol, Alias: plan.ColStartID},
			{Expr: "e." + br.dstCol, Alias: plan.ColEndID},
			{Expr: "1", Alias: plan.ColHopCount},
			{Expr: fmt.Sprintf("[e.%s, e.%s]", br.srcCol, br.dstCol), Alias: plan.ColPathNodes},
		},
		From: &sqlgen.TableRef{Table: br.mapping.Table, Alias: "e", Final: br.mapping.DedupOnRead},
	}
	if t.MultiType {
		sel.Columns = append(sel.Columns,
			sqlgen.Column{Expr: sqlgen.RenderLiteral(br.endLabel), Alias: plan.ColEndType},
			sqlgen.Column{Expr: EndPropertiesJSON(br.endMapping, "t"), Alias: plan.ColEndProperties},
		)
		sel.Joins = append(sel.Joins, &sqlgen.Join{
			Table: &sqlgen.TableRef{Table: br.endMapping.Table, Alias: "t", Final: br.endMapping.DedupOnRead},
			On:    fmt.Sprintf("t.%s = e.%s", br.endMapping.IDColumn, br.dstCol),
		})
	}

	var conds []string
	if len(startFilters) > 0 {
		nm := startVar.NodeMapping
		sel.Joins = append(sel.Joins, &sqlgen.Join{
			Table: &sqlgen.TableRef{Table: nm.Table, Alias: "s", Final: nm.DedupOnRead},
			On:    fmt.Sprintf("s.%s = e.%s", nm.IDColumn, br.srcCol),
		})
		ctx := &tableCtx{alias: t.StartAlias, sqlAlias: "s", idColumn: nm.IDColumn, label: nm.Label, props: nm.Properties, params: s.Params}
		for _, f := range startFilters {
			sql, err := sqlgen.RenderExpr(f, ctx)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sql)
		}
	}
	edgeConds, err := s.renderEdgeFilters(br, t.Rel.Alias, edgeFilters)
	if err != nil {
		return nil, err
	}
	sel.Where = strings.Join(append(conds, edgeConds...), " AND ")
	return sel, nil
}

// recursiveBranch extends a path by one hop, skipping nodes already on the
// path and stopping at the hop bound.
func (s *Synthesizer) recursiveBranch(br branch, t *Traversal, edgeFilters []cypher.Expr) (*sqlgen.Select, error) {
	sel := &sqlgen.Select{
		Columns: []sqlgen.Column{
			{Expr: "p." + plan.ColStartID, Alias: plan.ColStartID},
			{Expr: "e." + br.dstCol, Alias: plan.ColEndID},
			{Expr: "p." + plan.ColHopCount + " + 1", Alias: plan.ColHopCount},
			{Expr: fmt.Sprintf("arrayConcat(p.%s, [e.%s])", plan.ColPathNodes, br.dstCol), Alias: plan.ColPathNodes},
		},
		From: &sqlgen.TableRef{Table: t.Name, Alias: "p"},
		Joins: []*sqlgen.Join{{
			Table: &sqlgen.TableRef{Table: br.mapping.Table, Alias: "e", Final: br.mapping.DedupOnRead},
			On:    fmt.Sprintf("e.%s = p.%s", br.srcCol, plan.ColEndID),
		}},
	}
	if t.MultiType {
		sel.Columns = append(sel.Columns,
			sqlgen.Column{Expr: sqlgen.RenderLiteral(br.endLabel), Alias: plan.ColEndType},
			sqlgen.Column{Expr: EndPropertiesJSON(br.endMapping, "t"), Alias: plan.ColEndProperties},
		)
		sel.Joins = append(sel.Joins, &sqlgen.Join{
			Table: &sqlgen.TableRef{Table: br.endMapping.Table, Alias: "t", Final: br.endMapping.DedupOnRead},
			On:    fmt.Sprintf("t.%s = e.%s", br.endMapping.IDColumn, br.dstCol),
		})
	}

	conds := []string{
		fmt.Sprintf("NOT has(p.%s, e.%s)", plan.ColPathNodes, br.dstCol),
		fmt.Sprintf("p.%s < %d", plan.ColHopCount, t.MaxHops),
	}
	edgeConds, err := s.renderEdgeFilters(br, t.Rel.Alias, edgeFilters)
	if err != nil {
		return nil, err
	}
	sel.Where = strings.Join(append(conds, edgeConds...), " AND ")
	return sel, nil
}

// rankedCTE wraps the base CTE with the shortest-path window. The minimum
// hop bound applies here, before ranking: a path below the minimum must not
// shadow a longer valid one.
func (s *Synthesizer) rankedCTE(t *Traversal, mode cypher.ShortestMode) *sqlgen.CTE {
	cols := []sqlgen.Column{
		{Expr: plan.ColStartID},
		{Expr: plan.ColEndID},
		{Expr: plan.ColHopCount},
		{Expr: plan.ColPathNodes},
	}
	if t.MultiType {
		cols = append(cols, sqlgen.Column{Expr: plan.ColEndType}, sqlgen.Column{Expr: plan.ColEndProperties})
	}
	partition := fmt.Sprintf("PARTITION BY %s, %s", plan.ColStartID, plan.ColEndID)
	if mode == cypher.ShortestAll {
		cols = append(cols, sqlgen.Column{
			Expr:  fmt.Sprintf("MIN(%s) OVER (%s)", plan.ColHopCount, partition),
			Alias: plan.ColMinHops,
		})
	} else {
		cols = append(cols, sqlgen.Column{
			Expr:  fmt.Sprintf("ROW_NUMBER() OVER (%s ORDER BY %s ASC)", partition, plan.ColHopCount),
			Alias: plan.ColPathRank,
		})
	}
	sel := &sqlgen.Select{
		Columns: cols,
		From:    &sqlgen.TableRef{Table: t.Name},
	}
	if t.MinHops > 1 {
		sel.Where = fmt.Sprintf("%s >= %d", plan.ColHopCount, t.MinHops)
	}
	return &sqlgen.CTE{Name: t.RankedName, Select: sel}
}

func (s *Synthesizer) renderEdgeFilters(br branch, relAlias string, filters []cypher.Expr) ([]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	ctx := &tableCtx{alias: relAlias, sqlAlias: "e", props: br.mapping.Properties, params: s.Params}
	var out []string
	for _, f := range filters {
		sql, err := sqlgen.RenderExpr(f, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, sql)
	}
	return out, nil
}

// EndPropertiesJSON serializes a node mapping's properties into the
// end_properties JSON blob, sorted by property name for determinism.
func EndPropertiesJSON(nm *schema.NodeMapping, sqlAlias string) string {
	var parts []string
	for _, name := range nm.PropertyNames() {
		pm := nm.Properties[name]
		parts = append(parts, fmt.Sprintf("'%s', toString(%s)", name, pm.Render(sqlAlias)))
	}
	return "toJSONString(map(" + strings.Join(parts, ", ") + "))"
}

// tableCtx renders expressions over one alias bound to one physical table.
type tableCtx struct {
	alias    string
	sqlAlias string
	idColumn string
	label    string
	props    map[string]*schema.PropertyMapping
	params   *sqlgen.Params
}

func (c *tableCtx) Column(alias, property string) (string, error) {
	if alias != c.alias {
		return "", fmt.Errorf("alias %q is not in scope here", alias)
	}
	pm, ok := c.props[property]
	if !ok {
		return "", &plan.PropertyNotFoundError{Alias: alias, Label: c.label, Property: property}
	}
	return pm.Render(c.sqlAlias), nil
}

func (c *tableCtx) Ident(alias string) (string, error) {
	if alias != c.alias || c.idColumn == "" {
		return "", fmt.Errorf("alias %q is not in scope here", alias)
	}
	return c.sqlAlias + "." + c.idColumn, nil
}

func (c *tableCtx) Param(name string) string {
	return c.params.Bind(name)
}

func (c *tableCtx) Func(fc *cypher.FuncCall) (string, bool, error) {
	if strings.EqualFold(fc.Name, "id") && len(fc.Args) == 1 {
		if id, ok := fc.Args[0].(*cypher.Ident); ok {
			sql, err := c.Ident(id.Name)
			return sql, true, err
		}
	}
	return "", false, nil
}

// splitAnd flattens a conjunction into its conjuncts.
func splitAnd(e cypher.Expr) []cypher.Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(*cypher.Binary); ok && b.Op == "AND" {
		return append(splitAnd(b.Left), splitAnd(b.Right)...)
	}
	return []cypher.Expr{e}
}
