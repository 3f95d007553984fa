package render

import (
	"fmt"

	"github.com/orneryd/hugin/pkg/cte"
	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/sqlgen"
)

// patternInfo is what one walk of a horizon's pattern fragment yields.
type patternInfo struct {
	scans      map[string]plan.Node
	rels       []*plan.GraphRel
	withLeaf   *plan.With
	optPreds   []cypher.Expr
	wherePreds []cypher.Expr
}

// collectPattern gathers the horizon's scans, relationships (textual order),
// residual predicates and the previous horizon's With leaf. It does not
// descend into the With input; that is the previous horizon's segment.
func collectPattern(n plan.Node, inOptional bool, pi *patternInfo) {
	switch v := n.(type) {
	case nil:
		return
	case *plan.With:
		pi.withLeaf = v
	case *plan.GraphNode:
		if !v.Rebind && v.Input != nil {
			if _, ok := pi.scans[v.Alias]; !ok {
				pi.scans[v.Alias] = v.Input
			}
		}
	case *plan.GraphRel:
		collectPattern(v.Left, inOptional, pi)
		pi.rels = append(pi.rels, v)
		collectPattern(v.Right, inOptional, pi)
	case *plan.PatternJoin:
		collectPattern(v.Left, inOptional, pi)
		collectPattern(v.Right, inOptional, pi)
	case *plan.Filter:
		if inOptional {
			pi.optPreds = append(pi.optPreds, splitAnd(v.Predicate)...)
		} else {
			pi.wherePreds = append(pi.wherePreds, splitAnd(v.Predicate)...)
		}
		collectPattern(v.Input, inOptional, pi)
	case *plan.Optional:
		collectPattern(v.Input, true, pi)
	}
}

// condEntry is one deferred WHERE conjunct: either pre-rendered SQL or an
// expression rendered in phase order so parameter slots stay textual.
type condEntry struct {
	sql  string
	expr cypher.Expr
}

// horizon carries the render state of one query segment.
type horizon struct {
	r         *Renderer
	scope     map[string]*plan.TypedVariable
	scopeVars []*plan.TypedVariable
	pi        *patternInfo

	nodes    map[string]*nodeBinding
	relBinds map[string]*relBinding
	travs    map[string]*cte.Traversal

	needProps   map[string]map[string]bool
	needAll     map[string]bool
	used        map[string]bool
	itemAliases map[string]bool

	sel       *sqlgen.Select
	joinOf    map[string]*sqlgen.Join
	joinOrder []string
	pendingOn map[string][]cypher.Expr
	where     []condEntry
	cteJoined map[string]bool
}

func newHorizon(r *Renderer, scopeVars []*plan.TypedVariable) *horizon {
	h := &horizon{
		r:           r,
		scope:       make(map[string]*plan.TypedVariable, len(scopeVars)),
		scopeVars:   scopeVars,
		pi:          &patternInfo{scans: map[string]plan.Node{}},
		nodes:       map[string]*nodeBinding{},
		relBinds:    map[string]*relBinding{},
		travs:       map[string]*cte.Traversal{},
		needProps:   map[string]map[string]bool{},
		needAll:     map[string]bool{},
		used:        map[string]bool{},
		itemAliases: map[string]bool{},
		sel:         &sqlgen.Select{},
		joinOf:      map[string]*sqlgen.Join{},
		pendingOn:   map[string][]cypher.Expr{},
		cteJoined:   map[string]bool{},
	}
	for _, v := range scopeVars {
		h.scope[v.Alias] = v
	}
	return h
}

// bindCTEScope eagerly binds every CTE-sourced node alias so expression
// rendering can resolve them whether or not the pattern joins them.
func (h *horizon) bindCTEScope() {
	for _, v := range h.scopeVars {
		if v.Kind != plan.KindNode || v.Source.Kind != plan.SourceCTE {
			continue
		}
		cteName := v.Source.CTEName
		if v.MultiType {
			h.nodes[v.Alias] = &nodeBinding{
				mode:      modeJSON,
				sqlAlias:  cteName,
				idExpr:    cteName + "." + sqlgen.QuoteIdent(plan.ExportColumn(v.Alias, "id")),
				typeExpr:  cteName + "." + sqlgen.QuoteIdent(plan.ExportColumn(v.Alias, plan.ColEndType)),
				propsExpr: cteName + "." + sqlgen.QuoteIdent(plan.ExportColumn(v.Alias, plan.ColEndProperties)),
			}
			continue
		}
		idKey := "id"
		if v.NodeMapping != nil {
			idKey = v.NodeMapping.IDColumn
		}
		h.nodes[v.Alias] = &nodeBinding{
			mode:        modeCTE,
			sqlAlias:    cteName,
			exportAlias: v.Alias,
			mapping:     v.NodeMapping,
			idExpr:      cteName + "." + sqlgen.QuoteIdent(plan.ExportColumn(v.Alias, idKey)),
		}
	}
}

// synthesizeTraversals builds the traversal CTEs for this horizon's
// variable-length relationships, in textual order.
func (h *horizon) synthesizeTraversals() error {
	for _, gr := range h.pi.rels {
		if gr.VarLength == nil {
			continue
		}
		t, err := h.r.synth.Synthesize(gr, h.scope)
		if err != nil {
			return err
		}
		h.travs[gr.Alias] = t
		for _, def := range t.Defs {
			h.r.ctes = append(h.r.ctes, def)
			if def.Recursive {
				h.r.hasRecursive = true
			}
		}
	}
	return nil
}

// bindNode resolves an alias to its physical binding, creating table or
// union-CTE bindings on first use.
func (h *horizon) bindNode(alias string) (*nodeBinding, error) {
	if b, ok := h.nodes[alias]; ok {
		return b, nil
	}
	v, ok := h.scope[alias]
	if !ok {
		return nil, &plan.UnresolvedAliasError{Alias: alias, Clause: "pattern"}
	}
	switch v.Source.Kind {
	case plan.SourceUnion:
		name, err := h.r.ensureUnionCTE(v)
		if err != nil {
			return nil, err
		}
		b := &nodeBinding{
			mode:      modeJSON,
			sqlAlias:  alias,
			idExpr:    alias + ".id",
			typeExpr:  alias + "." + plan.ColEndType,
			propsExpr: alias + "." + plan.ColEndProperties,
			unionCTE:  name,
		}
		h.nodes[alias] = b
		return b, nil
	case plan.SourceMatch:
		scan, ok := h.pi.scans[alias]
		if !ok {
			return nil, fmt.Errorf("alias %q has no scan in this horizon", alias)
		}
		switch sc := scan.(type) {
		case *plan.ViewScan:
			b := &nodeBinding{
				mode:     modeTable,
				sqlAlias: alias,
				mapping:  sc.Mapping,
				idExpr:   alias + "." + sc.Mapping.IDColumn,
			}
			h.nodes[alias] = b
			return b, nil
		case *plan.Scan:
			return nil, &plan.SchemaResolutionError{
				Kind: "label",
				Name: sc.Label,
				Err:  fmt.Errorf("label %q of alias %q does not resolve against the schema", sc.Label, alias),
			}
		default:
			return nil, fmt.Errorf("alias %q has unsupported scan %T", alias, scan)
		}
	}
	return nil, fmt.Errorf("alias %q has no physical binding in this scope", alias)
}

func (h *horizon) appendJoin(alias string, j *sqlgen.Join) {
	h.sel.Joins = append(h.sel.Joins, j)
	h.joinOf[alias] = j
	h.joinOrder = append(h.joinOrder, alias)
}

// tagJoin maps an extra alias onto an existing join so optional predicates
// referencing it have an ON clause to attach to.
func (h *horizon) tagJoin(alias string, j *sqlgen.Join) {
	h.joinOf[alias] = j
	h.joinOrder = append(h.joinOrder, alias)
}

// addScanFilter queues a resolved scan's pushed filter: required scans
// filter in WHERE, optional scans inside their LEFT JOIN's ON clause.
func (h *horizon) addScanFilter(alias string, onTarget string) {
	scan, ok := h.pi.scans[alias]
	if !ok {
		return
	}
	vs, ok := scan.(*plan.ViewScan)
	if !ok || vs.Filter == nil {
		return
	}
	if vs.Optional && onTarget != "" {
		h.pendingOn[onTarget] = append(h.pendingOn[onTarget], splitAnd(vs.Filter)...)
		return
	}
	for _, c := range splitAnd(vs.Filter) {
		h.where = append(h.where, condEntry{expr: c})
	}
}

// buildJoins turns the planned traversal into FROM plus join clauses.
func (h *horizon) buildJoins(t *plan.Traversal) error {
	if err := h.anchorFrom(t.Anchor, true); err != nil {
		return err
	}
	for _, step := range t.Steps {
		if err := h.addStep(step); err != nil {
			return err
		}
	}
	for _, extra := range t.ExtraAnchors {
		if err := h.anchorFrom(extra, false); err != nil {
			return err
		}
	}
	return h.ensureUsedCTEs()
}

// anchorFrom roots the FROM clause (root anchor) or cross-joins an extra
// component anchor.
func (h *horizon) anchorFrom(alias string, root bool) error {
	b, err := h.bindNode(alias)
	if err != nil {
		return err
	}

	var ref *sqlgen.TableRef
	switch b.mode {
	case modeTable:
		ref = &sqlgen.TableRef{Table: b.mapping.Table, Alias: alias, Final: b.mapping.DedupOnRead}
	case modeCTE:
		if h.cteJoined[b.sqlAlias] {
			return nil
		}
		h.cteJoined[b.sqlAlias] = true
		ref = &sqlgen.TableRef{Table: b.sqlAlias}
	case modeJSON:
		if b.unionCTE == "" {
			return fmt.Errorf("alias %q cannot anchor: it is only reachable through a traversal", alias)
		}
		ref = &sqlgen.TableRef{Table: b.unionCTE, Alias: alias}
	default:
		return fmt.Errorf("alias %q cannot anchor", alias)
	}

	if root {
		h.sel.From = ref
	} else {
		h.appendJoin(alias, &sqlgen.Join{Kind: sqlgen.JoinCross, Table: ref})
	}
	h.addScanFilter(alias, "")
	return nil
}

func (h *horizon) addStep(st *plan.Step) error {
	if st.Rel.VarLength != nil {
		return h.addTraversalStep(st)
	}
	return h.addEdgeStep(st)
}

// addTraversalStep joins a variable-length traversal CTE and its far
// endpoint.
func (h *horizon) addTraversalStep(st *plan.Step) error {
	rel := st.Rel
	t, ok := h.travs[rel.Alias]
	if !ok {
		return fmt.Errorf("traversal %q was not synthesized", rel.Alias)
	}
	sqlA := rel.Alias
	kind := sqlgen.JoinInner
	if rel.Optional {
		kind = sqlgen.JoinLeft
	}

	near, far := plan.ColStartID, plan.ColEndID
	if st.From != t.StartAlias {
		near, far = far, near
	}
	fromB, err := h.bindNode(st.From)
	if err != nil {
		return err
	}

	join := &sqlgen.Join{
		Kind:  kind,
		Table: &sqlgen.TableRef{Table: t.ConsumptionName(), Alias: sqlA},
		On:    fmt.Sprintf("%s.%s = %s", sqlA, near, fromB.idExpr),
	}
	h.appendJoin(rel.Alias, join)
	h.relBinds[rel.Alias] = &relBinding{sqlAlias: sqlA, types: rel.Types}

	for _, cond := range t.ConsumptionConditions(sqlA) {
		if rel.Optional {
			join.On += " AND " + cond
		} else {
			h.where = append(h.where, condEntry{sql: cond})
		}
	}
	for _, f := range t.OuterFilters {
		if rel.Optional {
			h.pendingOn[rel.Alias] = append(h.pendingOn[rel.Alias], f)
		} else {
			h.where = append(h.where, condEntry{expr: f})
		}
	}

	farExpr := sqlA + "." + far
	if st.ToBound {
		toB, err := h.bindNode(st.To)
		if err != nil {
			return err
		}
		join.On += " AND " + farExpr + " = " + toB.idExpr
		return nil
	}

	if t.MultiType && far == plan.ColEndID {
		// The CTE itself carries the polymorphic endpoint; no node join.
		h.nodes[st.To] = &nodeBinding{
			mode:      modeJSON,
			sqlAlias:  sqlA,
			idExpr:    farExpr,
			typeExpr:  sqlA + "." + plan.ColEndType,
			propsExpr: sqlA + "." + plan.ColEndProperties,
		}
		h.tagJoin(st.To, join)
		return nil
	}

	equality := func(idExpr string) string { return idExpr + " = " + farExpr }
	return h.joinEndpoint(st.To, equality, kind, rel.Alias)
}

// addEdgeStep joins a single-hop relationship: the edge table (or a UNION
// of edge tables for multi-type relationships), then the far endpoint.
func (h *horizon) addEdgeStep(st *plan.Step) error {
	rel := st.Rel
	sqlA := rel.Alias
	kind := sqlgen.JoinInner
	if rel.Optional {
		kind = sqlgen.JoinLeft
	}
	fromB, err := h.bindNode(st.From)
	if err != nil {
		return err
	}

	srcCol, dstCol := "_source", "_target"
	var edgeRef *sqlgen.TableRef
	if len(rel.Mappings) == 1 {
		m := rel.Mappings[0]
		srcCol, dstCol = m.SourceColumn, m.TargetColumn
		edgeRef = &sqlgen.TableRef{Table: m.Table, Alias: sqlA, Final: m.DedupOnRead}
		h.relBinds[rel.Alias] = &relBinding{sqlAlias: sqlA, mapping: m, types: rel.Types}
	} else {
		// Multiple relationship types normalize into one derived edge set.
		var sub *sqlgen.Select
		for _, m := range rel.Mappings {
			branch := &sqlgen.Select{
				Columns: []sqlgen.Column{
					{Expr: m.SourceColumn, Alias: srcCol},
					{Expr: m.TargetColumn, Alias: dstCol},
				},
				From: &sqlgen.TableRef{Table: m.Table, Final: m.DedupOnRead},
			}
			if sub == nil {
				sub = branch
			} else {
				sub.Union = append(sub.Union, branch)
			}
		}
		edgeRef = &sqlgen.TableRef{Subquery: sub, Alias: sqlA}
		h.relBinds[rel.Alias] = &relBinding{sqlAlias: sqlA, types: rel.Types}
	}

	if rel.Direction == cypher.DirBoth {
		return h.addUndirectedStep(st, edgeRef, srcCol, dstCol, fromB, kind)
	}

	fromIsSource := st.From == rel.SourceAlias
	fromCol, farCol := srcCol, dstCol
	if (rel.Direction == cypher.DirOut) != fromIsSource {
		fromCol, farCol = dstCol, srcCol
	}

	join := &sqlgen.Join{
		Kind:  kind,
		Table: edgeRef,
		On:    fmt.Sprintf("%s.%s = %s", sqlA, fromCol, fromB.idExpr),
	}
	h.appendJoin(rel.Alias, join)

	farExpr := sqlA + "." + farCol
	if st.ToBound {
		toB, err := h.bindNode(st.To)
		if err != nil {
			return err
		}
		join.On += " AND " + farExpr + " = " + toB.idExpr
		return nil
	}

	if b, ok := h.denormBinding(rel, farCol, farExpr, st.To); ok {
		h.nodes[st.To] = b
		h.tagJoin(st.To, join)
		h.addScanFilter(st.To, rel.Alias)
		return nil
	}

	equality := func(idExpr string) string { return idExpr + " = " + farExpr }
	return h.joinEndpoint(st.To, equality, kind, rel.Alias)
}

// addUndirectedStep joins an undirected edge: the edge attaches on either
// column, the far endpoint takes the matching opposite column.
func (h *horizon) addUndirectedStep(st *plan.Step, edgeRef *sqlgen.TableRef, srcCol, dstCol string, fromB *nodeBinding, kind sqlgen.JoinKind) error {
	sqlA := st.Rel.Alias
	join := &sqlgen.Join{
		Kind:  kind,
		Table: edgeRef,
		On:    fmt.Sprintf("(%s.%s = %s OR %s.%s = %s)", sqlA, srcCol, fromB.idExpr, sqlA, dstCol, fromB.idExpr),
	}
	h.appendJoin(st.Rel.Alias, join)

	pair := func(idExpr string) string {
		return fmt.Sprintf("((%s.%s = %s AND %s.%s = %s) OR (%s.%s = %s AND %s.%s = %s))",
			sqlA, srcCol, fromB.idExpr, sqlA, dstCol, idExpr,
			sqlA, dstCol, fromB.idExpr, sqlA, srcCol, idExpr)
	}
	if st.ToBound {
		toB, err := h.bindNode(st.To)
		if err != nil {
			return err
		}
		join.On = pair(toB.idExpr)
		return nil
	}
	return h.joinEndpoint(st.To, pair, kind, st.Rel.Alias)
}

// denormBinding decides whether the far endpoint can read its properties
// straight off the edge row, skipping the node join entirely.
func (h *horizon) denormBinding(rel *plan.GraphRel, farCol, farExpr, toAlias string) (*nodeBinding, bool) {
	if len(rel.Mappings) != 1 {
		return nil, false
	}
	m := rel.Mappings[0]
	dn := m.Denormalized
	if dn == nil {
		return nil, false
	}
	v, ok := h.scope[toAlias]
	if !ok || v.Source.Kind != plan.SourceMatch {
		return nil, false
	}
	side := dn.TargetProperties
	if farCol == m.SourceColumn {
		side = dn.SourceProperties
	}
	if !h.denormCovers(toAlias, side) {
		return nil, false
	}
	return &nodeBinding{
		mode:     modeDenorm,
		sqlAlias: rel.Alias,
		idExpr:   farExpr,
		denorm:   side,
		mapping:  v.NodeMapping,
	}, true
}

// joinEndpoint binds and joins the far endpoint of a step. onFn renders the
// join condition given the endpoint's id expression; condTarget names the
// join to hang residual conditions on when no new join is created.
func (h *horizon) joinEndpoint(alias string, onFn func(idExpr string) string, kind sqlgen.JoinKind, condTarget string) error {
	b, err := h.bindNode(alias)
	if err != nil {
		return err
	}
	switch b.mode {
	case modeTable:
		join := &sqlgen.Join{
			Kind:  kind,
			Table: &sqlgen.TableRef{Table: b.mapping.Table, Alias: alias, Final: b.mapping.DedupOnRead},
			On:    onFn(b.idExpr),
		}
		h.appendJoin(alias, join)
		h.addScanFilter(alias, alias)
	case modeCTE:
		if h.cteJoined[b.sqlAlias] {
			cond := onFn(b.idExpr)
			if kind == sqlgen.JoinLeft && condTarget != "" {
				h.joinOf[condTarget].On += " AND " + cond
			} else {
				h.where = append(h.where, condEntry{sql: cond})
			}
			return nil
		}
		h.cteJoined[b.sqlAlias] = true
		join := &sqlgen.Join{
			Kind:  kind,
			Table: &sqlgen.TableRef{Table: b.sqlAlias},
			On:    onFn(b.idExpr),
		}
		h.appendJoin(alias, join)
	case modeJSON:
		if b.unionCTE == "" {
			return fmt.Errorf("alias %q is already bound to a traversal", alias)
		}
		join := &sqlgen.Join{
			Kind:  kind,
			Table: &sqlgen.TableRef{Table: b.unionCTE, Alias: alias},
			On:    onFn(b.idExpr),
		}
		h.appendJoin(alias, join)
	default:
		return fmt.Errorf("alias %q cannot be joined", alias)
	}
	return nil
}

// ensureUsedCTEs cross-joins any WITH export CTE whose variables are used
// in expressions but never reached through the pattern (scalar-only
// carryovers).
func (h *horizon) ensureUsedCTEs() error {
	for _, v := range h.scopeVars {
		if v.Source.Kind != plan.SourceCTE || !h.used[v.Alias] {
			continue
		}
		name := v.Source.CTEName
		if h.cteJoined[name] {
			continue
		}
		h.cteJoined[name] = true
		ref := &sqlgen.TableRef{Table: name}
		if h.sel.From == nil {
			h.sel.From = ref
		} else {
			h.sel.Joins = append(h.sel.Joins, &sqlgen.Join{Kind: sqlgen.JoinCross, Table: ref})
		}
	}
	return nil
}

// latestJoinAlias picks the most recently joined alias among the given
// ones; optional-scope predicates attach to that join's ON clause.
func (h *horizon) latestJoinAlias(aliases []string) string {
	in := map[string]bool{}
	for _, a := range aliases {
		in[a] = true
	}
	for i := len(h.joinOrder) - 1; i >= 0; i-- {
		if in[h.joinOrder[i]] {
			return h.joinOrder[i]
		}
	}
	return ""
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
