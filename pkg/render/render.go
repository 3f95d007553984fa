// Package render lowers an optimized logical plan into the structured SQL
// statement tree: CTE prologue ordered leaves-first, FROM/JOIN clauses from
// the planned traversal, bare-entity property expansion dispatched on each
// variable's source, and ordered parameter slot collection.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/orneryd/hugin/pkg/cte"
	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/schema"
	"github.com/orneryd/hugin/pkg/sqlgen"
)

// Renderer turns one logical plan into one SQL statement tree. A Renderer
// is single-use: it accumulates CTE definitions and parameter slots for
// exactly one compilation.
type Renderer struct {
	Schema  *schema.Schema
	MaxHops int
	Params  *sqlgen.Params

	synth        *cte.Synthesizer
	ctes         []*sqlgen.CTE
	unionDone    map[string]bool
	hasRecursive bool
}

// New creates a renderer for one compilation. maxHops bounds open-ended
// variable-length ranges.
func New(s *schema.Schema, maxHops int) *Renderer {
	params := &sqlgen.Params{}
	return &Renderer{
		Schema:    s,
		MaxHops:   maxHops,
		Params:    params,
		synth:     &cte.Synthesizer{Schema: s, MaxHops: maxHops, Params: params},
		unionDone: map[string]bool{},
	}
}

// Result is the rendered statement plus the output column names in order.
type Result struct {
	Query   *sqlgen.Query
	Columns []string
	Params  []string
}

// Render lowers the plan.
func (r *Renderer) Render(p *plan.Plan) (*Result, error) {
	sel, cols, err := r.renderSegment(p.Root, p.Ctx.Vars(), nil)
	if err != nil {
		return nil, err
	}
	q := &sqlgen.Query{CTEs: r.ctes, Root: sel}
	if r.hasRecursive {
		q.Settings = append(q.Settings, sqlgen.Setting{
			Name:  "max_recursive_cte_evaluation_depth",
			Value: strconv.Itoa(r.MaxHops + 1),
		})
	}
	return &Result{Query: q, Columns: cols, Params: r.Params.Slots()}, nil
}

// renderSegment renders one horizon: the segment between two WITH
// boundaries (or a boundary and the final RETURN). forCTE is set when the
// segment becomes a WITH export CTE body; it switches the select list to
// export-column naming and applies the post-projection WHERE.
func (r *Renderer) renderSegment(root plan.Node, scopeVars []*plan.TypedVariable, forCTE *plan.With) (*sqlgen.Select, []string, error) {
	h := newHorizon(r, scopeVars)

	var limitN *plan.Limit
	var orderN *plan.OrderBy
	var proj *plan.Projection
	var group *plan.GroupBy
	cur := root
peel:
	for {
		switch v := cur.(type) {
		case *plan.Limit:
			limitN = v
			cur = v.Input
		case *plan.OrderBy:
			orderN = v
			cur = v.Input
		case *plan.Projection:
			proj = v
			cur = v.Input
			break peel
		case *plan.GroupBy:
			group = v
			cur = v.Input
			break peel
		default:
			break peel
		}
	}
	pattern := cur
	collectPattern(pattern, false, h.pi)

	// The previous horizon renders first: its CTEs precede ours.
	if h.pi.withLeaf != nil {
		if err := r.renderWith(h.pi.withLeaf); err != nil {
			return nil, nil, err
		}
	}

	var items []*plan.Item
	var keys []cypher.Expr
	switch {
	case proj != nil:
		items = proj.Items
		h.sel.Distinct = proj.Distinct
	case group != nil:
		items = group.Items
		keys = group.Keys
	default:
		return nil, nil, fmt.Errorf("query segment has no projection")
	}
	for _, it := range items {
		h.itemAliases[it.Name] = true
	}

	h.collectAllNeeded(items, keys, orderN, limitN, forCTE)
	h.bindCTEScope()

	if err := h.synthesizeTraversals(); err != nil {
		return nil, nil, err
	}

	if err := h.buildFromPattern(pattern); err != nil {
		return nil, nil, err
	}

	// Phase two renders expressions in their textual SQL positions so
	// parameter slots come out in placeholder order: select list, join ON
	// attachments, WHERE, HAVING, ORDER BY, LIMIT.
	var outNames []string
	if forCTE != nil {
		cols, err := h.exportColumns(forCTE)
		if err != nil {
			return nil, nil, err
		}
		h.sel.Columns = cols
	} else {
		cols, names, err := h.outputColumns(items)
		if err != nil {
			return nil, nil, err
		}
		h.sel.Columns = cols
		outNames = names
	}

	for _, alias := range h.joinOrder {
		for _, e := range h.pendingOn[alias] {
			sql, err := sqlgen.RenderExpr(e, h)
			if err != nil {
				return nil, nil, err
			}
			h.joinOf[alias].On += " AND " + sql
		}
	}
	for _, e := range h.pi.optPreds {
		sql, err := sqlgen.RenderExpr(e, h)
		if err != nil {
			return nil, nil, err
		}
		if target := h.latestJoinAlias(cypher.ExprAliases(e)); target != "" {
			h.joinOf[target].On += " AND " + sql
		} else {
			h.where = append(h.where, condEntry{sql: sql})
		}
	}

	var whereParts []string
	for _, c := range h.where {
		if c.sql != "" {
			whereParts = append(whereParts, c.sql)
			continue
		}
		sql, err := sqlgen.RenderExpr(c.expr, h)
		if err != nil {
			return nil, nil, err
		}
		whereParts = append(whereParts, sql)
	}
	for _, f := range h.pi.wherePreds {
		sql, err := sqlgen.RenderExpr(f, h)
		if err != nil {
			return nil, nil, err
		}
		whereParts = append(whereParts, sql)
	}
	if forCTE != nil && forCTE.Where != nil {
		sub, err := substituteExports(forCTE.Where, itemsByName(items))
		if err != nil {
			return nil, nil, err
		}
		sql, err := sqlgen.RenderExpr(sub, h)
		if err != nil {
			return nil, nil, err
		}
		if group != nil {
			h.sel.Having = sql
		} else {
			whereParts = append(whereParts, sql)
		}
	}
	h.sel.Where = strings.Join(whereParts, " AND ")

	if group != nil {
		gb, err := h.groupByList(keys)
		if err != nil {
			return nil, nil, err
		}
		h.sel.GroupBy = gb
	}
	if orderN != nil {
		for _, s := range orderN.Items {
			sql, err := sqlgen.RenderExpr(s.Expr, h)
			if err != nil {
				return nil, nil, err
			}
			h.sel.OrderBy = append(h.sel.OrderBy, sqlgen.OrderKey{Expr: sql, Desc: s.Desc})
		}
	}
	if limitN != nil {
		if limitN.Count != nil {
			sql, err := sqlgen.RenderExpr(limitN.Count, h)
			if err != nil {
				return nil, nil, err
			}
			h.sel.Limit = sql
		}
		if limitN.Skip != nil {
			sql, err := sqlgen.RenderExpr(limitN.Skip, h)
			if err != nil {
				return nil, nil, err
			}
			h.sel.Offset = sql
		}
	}
	return h.sel, outNames, nil
}

// buildFromPattern plans the traversal and builds FROM/JOIN clauses. A
// segment whose pattern is only the previous WITH boundary (RETURN straight
// after WITH) selects from that CTE directly.
func (h *horizon) buildFromPattern(pattern plan.Node) error {
	t, err := plan.PlanTraversal(pattern, h.scopeVars)
	if err != nil {
		if h.pi.withLeaf != nil && len(h.pi.rels) == 0 && len(h.pi.scans) == 0 {
			name := h.pi.withLeaf.CTEName
			h.sel.From = &sqlgen.TableRef{Table: name}
			h.cteJoined[name] = true
			return nil
		}
		return err
	}
	return h.buildJoins(t)
}

// collectAllNeeded feeds every expression of the segment into the
// needed-property analysis.
func (h *horizon) collectAllNeeded(items []*plan.Item, keys []cypher.Expr, orderN *plan.OrderBy, limitN *plan.Limit, forCTE *plan.With) {
	for _, it := range items {
		h.collectNeeded(it.Expr)
	}
	for _, k := range keys {
		h.collectNeeded(k)
	}
	if orderN != nil {
		for _, s := range orderN.Items {
			h.collectNeeded(s.Expr)
		}
	}
	if limitN != nil {
		h.collectNeeded(limitN.Skip)
		h.collectNeeded(limitN.Count)
	}
	for _, f := range h.pi.wherePreds {
		h.collectNeeded(f)
	}
	for _, f := range h.pi.optPreds {
		h.collectNeeded(f)
	}
	for _, scan := range h.pi.scans {
		if vs, ok := scan.(*plan.ViewScan); ok && vs.Filter != nil {
			h.collectNeeded(vs.Filter)
		}
	}
	for _, gr := range h.pi.rels {
		if gr.Where != nil {
			h.collectNeeded(gr.Where)
		}
	}
	if forCTE != nil && forCTE.Where != nil {
		h.collectNeeded(forCTE.Where)
	}
}

// renderWith renders a previous horizon into its named CTE definition.
func (r *Renderer) renderWith(w *plan.With) error {
	sel, _, err := r.renderSegment(w.Input, w.Scope, w)
	if err != nil {
		return err
	}
	r.ctes = append(r.ctes, &sqlgen.CTE{Name: w.CTEName, Select: sel})
	return nil
}

// ensureUnionCTE materializes a multi-type node scan as a UNION ALL CTE
// over its candidate labels, exporting id, end_type and end_properties.
func (r *Renderer) ensureUnionCTE(v *plan.TypedVariable) (string, error) {
	name := "union_" + strings.TrimPrefix(v.Alias, "_")
	if r.unionDone[name] {
		return name, nil
	}
	var sel *sqlgen.Select
	for _, label := range v.Labels {
		nm, err := r.Schema.ResolveLabel(label)
		if err != nil {
			return "", &plan.SchemaResolutionError{Kind: "label", Name: label, Err: err}
		}
		branch := &sqlgen.Select{
			Columns: []sqlgen.Column{
				{Expr: nm.Table + "." + nm.IDColumn, Alias: "id"},
				{Expr: sqlgen.RenderLiteral(label), Alias: plan.ColEndType},
				{Expr: cte.EndPropertiesJSON(nm, nm.Table), Alias: plan.ColEndProperties},
			},
			From: &sqlgen.TableRef{Table: nm.Table, Final: nm.DedupOnRead},
		}
		if sel == nil {
			sel = branch
		} else {
			sel.Union = append(sel.Union, branch)
		}
	}
	if sel == nil {
		return "", fmt.Errorf("alias %q has no candidate labels", v.Alias)
	}
	r.unionDone[name] = true
	r.ctes = append(r.ctes, &sqlgen.CTE{Name: name, Select: sel})
	return name, nil
}

// outCand is one candidate output column before collision resolution.
type outCand struct {
	expr   string
	name   string
	entity bool
	owner  string
}

// outputColumns builds the final projection: bare entities expand to one
// column per property named after the property; colliding expansions get
// their owning alias as a prefix, which keeps RETURN a and
// WITH a AS p RETURN p emitting identical column names.
func (h *horizon) outputColumns(items []*plan.Item) ([]sqlgen.Column, []string, error) {
	var cands []outCand
	for _, it := range items {
		if ident, ok := it.Expr.(*cypher.Ident); ok {
			if v, bound := h.scope[ident.Name]; bound && v.Kind != plan.KindScalar {
				expanded, err := h.expandEntity(ident.Name, it.Name)
				if err != nil {
					return nil, nil, err
				}
				cands = append(cands, expanded...)
				continue
			}
		}
		sql, err := sqlgen.RenderExpr(it.Expr, h)
		if err != nil {
			return nil, nil, err
		}
		cands = append(cands, outCand{expr: sql, name: it.Name})
	}

	counts := map[string]int{}
	for _, c := range cands {
		counts[c.name]++
	}
	cols := make([]sqlgen.Column, 0, len(cands))
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		name := c.name
		if counts[c.name] > 1 && c.entity {
			name = c.owner + "_" + c.name
		}
		cols = append(cols, sqlgen.Column{Expr: c.expr, Alias: sqlgen.QuoteIdent(name)})
		names = append(names, name)
	}
	return cols, names, nil
}

// expandEntity expands a bare entity reference into its output columns.
func (h *horizon) expandEntity(alias, itemName string) ([]outCand, error) {
	v := h.scope[alias]
	switch v.Kind {
	case plan.KindNode:
		b, ok := h.nodes[alias]
		if !ok {
			return nil, fmt.Errorf("alias %q has no physical binding in this scope", alias)
		}
		if b.mode == modeJSON {
			return []outCand{
				{expr: b.typeExpr, name: itemName + "_type"},
				{expr: b.propsExpr, name: itemName + "_properties"},
			}, nil
		}
		if b.mapping == nil {
			return nil, fmt.Errorf("alias %q has no property mapping to expand", alias)
		}
		var out []outCand
		for _, prop := range b.mapping.PropertyNames() {
			expr, err := h.Column(alias, prop)
			if err != nil {
				return nil, err
			}
			out = append(out, outCand{expr: expr, name: prop, entity: true, owner: itemName})
		}
		return out, nil
	case plan.KindRelationship:
		mapping := v.RelMapping
		if mapping == nil {
			return nil, fmt.Errorf("relationship %q has no property mapping to expand", alias)
		}
		var out []outCand
		for _, prop := range sortedKeys(mapping.Properties) {
			expr, err := h.Column(alias, prop)
			if err != nil {
				return nil, err
			}
			out = append(out, outCand{expr: expr, name: prop, entity: true, owner: itemName})
		}
		return out, nil
	case plan.KindPath:
		hops, err := h.pathColumn(alias, plan.ColHopCount)
		if err != nil {
			return nil, err
		}
		nodes, err := h.pathColumn(alias, plan.ColPathNodes)
		if err != nil {
			return nil, err
		}
		return []outCand{
			{expr: hops, name: itemName + "_length"},
			{expr: nodes, name: itemName + "_nodes"},
		}, nil
	}
	return nil, fmt.Errorf("cannot expand %s %q", v.Kind, alias)
}

// exportColumns builds a WITH CTE's select list following the export
// naming contract: <exported-alias>_<db-column> per entity property (plus
// the id column), the bare name for scalars.
func (h *horizon) exportColumns(w *plan.With) ([]sqlgen.Column, error) {
	var cols []sqlgen.Column
	for i, it := range w.Items {
		ex := w.Exports[i]
		ident, isIdent := it.Expr.(*cypher.Ident)
		if !isIdent || ex.Kind == plan.KindScalar {
			sql, err := sqlgen.RenderExpr(it.Expr, h)
			if err != nil {
				return nil, err
			}
			cols = append(cols, sqlgen.Column{Expr: sql, Alias: sqlgen.QuoteIdent(it.Name)})
			continue
		}

		inner := ident.Name
		switch ex.Kind {
		case plan.KindNode:
			b, ok := h.nodes[inner]
			if !ok {
				return nil, fmt.Errorf("alias %q has no physical binding in this scope", inner)
			}
			if b.mode == modeJSON {
				cols = append(cols,
					sqlgen.Column{Expr: b.idExpr, Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, "id"))},
					sqlgen.Column{Expr: b.typeExpr, Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, plan.ColEndType))},
					sqlgen.Column{Expr: b.propsExpr, Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, plan.ColEndProperties))},
				)
				continue
			}
			mapping := ex.NodeMapping
			if mapping == nil {
				return nil, fmt.Errorf("alias %q has no property mapping to export", inner)
			}
			exportedID := false
			for _, prop := range mapping.PropertyNames() {
				expr, err := h.Column(inner, prop)
				if err != nil {
					return nil, err
				}
				key := exportKey(mapping.Properties[prop], prop)
				if key == mapping.IDColumn {
					exportedID = true
				}
				cols = append(cols, sqlgen.Column{
					Expr:  expr,
					Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, key)),
				})
			}
			if !exportedID {
				cols = append(cols, sqlgen.Column{
					Expr:  b.idExpr,
					Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, mapping.IDColumn)),
				})
			}
		case plan.KindRelationship:
			mapping := ex.RelMapping
			if mapping == nil {
				return nil, fmt.Errorf("relationship %q has no property mapping to export", inner)
			}
			for _, prop := range sortedKeys(mapping.Properties) {
				expr, err := h.Column(inner, prop)
				if err != nil {
					return nil, err
				}
				cols = append(cols, sqlgen.Column{
					Expr:  expr,
					Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, exportKey(mapping.Properties[prop], prop))),
				})
			}
		case plan.KindPath:
			hops, err := h.pathColumn(inner, plan.ColHopCount)
			if err != nil {
				return nil, err
			}
			nodes, err := h.pathColumn(inner, plan.ColPathNodes)
			if err != nil {
				return nil, err
			}
			cols = append(cols,
				sqlgen.Column{Expr: hops, Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, plan.ColHopCount))},
				sqlgen.Column{Expr: nodes, Alias: sqlgen.QuoteIdent(plan.ExportColumn(it.Name, plan.ColPathNodes))},
			)
		}
	}
	return cols, nil
}

// groupByList renders the GROUP BY keys, expanding bare entities to their
// property expressions plus the id.
func (h *horizon) groupByList(keys []cypher.Expr) ([]string, error) {
	var out []string
	for _, k := range keys {
		if ident, ok := k.(*cypher.Ident); ok {
			if v, bound := h.scope[ident.Name]; bound && v.Kind == plan.KindNode {
				b, ok := h.nodes[ident.Name]
				if !ok {
					return nil, fmt.Errorf("alias %q has no physical binding in this scope", ident.Name)
				}
				if b.mode == modeJSON {
					out = append(out, b.idExpr, b.typeExpr, b.propsExpr)
					continue
				}
				if b.mapping != nil {
					for _, prop := range b.mapping.PropertyNames() {
						expr, err := h.Column(ident.Name, prop)
						if err != nil {
							return nil, err
						}
						out = append(out, expr)
					}
				}
				out = append(out, b.idExpr)
				continue
			}
		}
		sql, err := sqlgen.RenderExpr(k, h)
		if err != nil {
			return nil, err
		}
		out = append(out, sql)
	}
	return out, nil
}

func itemsByName(items []*plan.Item) map[string]*plan.Item {
	out := make(map[string]*plan.Item, len(items))
	for _, it := range items {
		out[it.Name] = it
	}
	return out
}

func sortedKeys(m map[string]*schema.PropertyMapping) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
