package render

import (
	"fmt"
	"strings"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/schema"
	"github.com/orneryd/hugin/pkg/sqlgen"
)

// bindMode says how an alias's data is physically reachable in this horizon.
type bindMode int

const (
	// modeTable: the alias has its own base-table join.
	modeTable bindMode = iota
	// modeCTE: the alias reads from a WITH export CTE's columns.
	modeCTE
	// modeJSON: the alias is multi-type; properties come from a JSON blob
	// (traversal end_properties, union scan, or their CTE re-exports).
	modeJSON
	// modeDenorm: the alias's properties are denormalized onto an edge row;
	// there is no node join at all.
	modeDenorm
)

// nodeBinding is the render-time resolution of one node alias.
type nodeBinding struct {
	mode     bindMode
	sqlAlias string
	idExpr   string

	// modeTable / modeCTE
	mapping     *schema.NodeMapping
	exportAlias string // modeCTE: the alias inside the export column names

	// modeJSON
	typeExpr  string
	propsExpr string
	unionCTE  string // set when the JSON blob comes from a union scan CTE

	// modeDenorm
	denorm map[string]string
}

// relBinding is the render-time resolution of one relationship alias.
// mapping is nil for multi-type relationships and variable-length
// traversals, whose edge columns are not addressable.
type relBinding struct {
	sqlAlias string
	mapping  *schema.RelMapping
	types    []string
}

// exportKey is the db-column part of a CTE export column name: the mapped
// column for plain properties, the property name for expression-backed ones.
func exportKey(pm *schema.PropertyMapping, prop string) string {
	if pm != nil && !pm.IsExpression() {
		return pm.Column
	}
	return prop
}

// Column implements sqlgen.ExprContext over the horizon's bindings.
func (h *horizon) Column(alias, property string) (string, error) {
	if b, ok := h.nodes[alias]; ok {
		switch b.mode {
		case modeTable:
			pm, ok := b.mapping.Properties[property]
			if !ok {
				return "", &plan.PropertyNotFoundError{Alias: alias, Label: b.mapping.Label, Property: property}
			}
			return pm.Render(b.sqlAlias), nil
		case modeCTE:
			var pm *schema.PropertyMapping
			if b.mapping != nil {
				var ok bool
				pm, ok = b.mapping.Properties[property]
				if !ok {
					return "", &plan.PropertyNotFoundError{Alias: alias, Label: b.mapping.Label, Property: property}
				}
			}
			col := plan.ExportColumn(b.exportAlias, exportKey(pm, property))
			return b.sqlAlias + "." + sqlgen.QuoteIdent(col), nil
		case modeJSON:
			return fmt.Sprintf("JSONExtractString(%s, '%s')", b.propsExpr, property), nil
		case modeDenorm:
			col, ok := b.denorm[property]
			if !ok {
				return "", &plan.PropertyNotFoundError{Alias: alias, Property: property}
			}
			return b.sqlAlias + "." + col, nil
		}
	}
	if rb, ok := h.relBinds[alias]; ok {
		if rb.mapping == nil {
			return "", fmt.Errorf("properties of relationship %q are not addressable: it spans multiple types or a variable-length traversal", alias)
		}
		pm, ok := rb.mapping.Properties[property]
		if !ok {
			return "", &plan.PropertyNotFoundError{Alias: alias, Label: rb.mapping.Type, Property: property}
		}
		return pm.Render(rb.sqlAlias), nil
	}
	if v, ok := h.scope[alias]; ok {
		if v.Kind == plan.KindRelationship && v.Source.Kind == plan.SourceCTE && v.RelMapping != nil {
			pm, ok := v.RelMapping.Properties[property]
			if !ok {
				return "", &plan.PropertyNotFoundError{Alias: alias, Label: v.RelMapping.Type, Property: property}
			}
			col := plan.ExportColumn(alias, exportKey(pm, property))
			return v.Source.CTEName + "." + sqlgen.QuoteIdent(col), nil
		}
		return "", fmt.Errorf("alias %q has no physical binding in this scope", alias)
	}
	return "", &plan.UnresolvedAliasError{Alias: alias, Clause: "expression"}
}

// Ident implements sqlgen.ExprContext: a bare variable reference.
func (h *horizon) Ident(alias string) (string, error) {
	if b, ok := h.nodes[alias]; ok {
		return b.idExpr, nil
	}
	if v, ok := h.scope[alias]; ok {
		if v.Kind == plan.KindScalar && v.Source.Kind == plan.SourceCTE {
			return v.Source.CTEName + "." + sqlgen.QuoteIdent(alias), nil
		}
		return "", fmt.Errorf("%s %q cannot be referenced as a scalar here", v.Kind, alias)
	}
	if h.itemAliases[alias] {
		// ORDER BY on a projection output name.
		return sqlgen.QuoteIdent(alias), nil
	}
	return "", &plan.UnresolvedAliasError{Alias: alias, Clause: "expression"}
}

// Param implements sqlgen.ExprContext.
func (h *horizon) Param(name string) string {
	return h.r.Params.Bind(name)
}

// Func intercepts the graph functions whose meaning depends on bindings:
// id(), length(), nodes(), type().
func (h *horizon) Func(fc *cypher.FuncCall) (string, bool, error) {
	if len(fc.Args) != 1 {
		return "", false, nil
	}
	arg, ok := fc.Args[0].(*cypher.Ident)
	if !ok {
		return "", false, nil
	}
	switch strings.ToLower(fc.Name) {
	case "id":
		sql, err := h.Ident(arg.Name)
		if err != nil {
			if b, ok := h.nodes[arg.Name]; ok {
				return b.idExpr, true, nil
			}
			return "", true, err
		}
		return sql, true, nil
	case "length", "nodes":
		col := plan.ColHopCount
		if strings.EqualFold(fc.Name, "nodes") {
			col = plan.ColPathNodes
		}
		sql, err := h.pathColumn(arg.Name, col)
		if err != nil {
			return "", false, nil
		}
		return sql, true, nil
	case "type":
		if rb, ok := h.relBinds[arg.Name]; ok && len(rb.types) == 1 {
			return sqlgen.RenderLiteral(rb.types[0]), true, nil
		}
		if b, ok := h.nodes[arg.Name]; ok && b.mode == modeJSON {
			return b.typeExpr, true, nil
		}
	}
	return "", false, nil
}

// pathColumn resolves a path variable's traversal column (hop_count or
// path_nodes) whether the path comes from this horizon's traversal CTE or a
// prior WITH export.
func (h *horizon) pathColumn(alias, col string) (string, error) {
	v, ok := h.scope[alias]
	if !ok || v.Kind != plan.KindPath {
		return "", fmt.Errorf("%q is not a path variable", alias)
	}
	switch v.Source.Kind {
	case plan.SourceCTE:
		return v.Source.CTEName + "." + sqlgen.QuoteIdent(plan.ExportColumn(alias, col)), nil
	default:
		if _, ok := h.travs[v.PathOf]; ok {
			return v.PathOf + "." + col, nil
		}
	}
	return "", fmt.Errorf("path variable %q has no traversal in scope", alias)
}

// collectNeeded records which properties each alias needs in this horizon.
// A bare entity reference needs every property; id() needs none. The
// denormalization decision reads this: an endpoint whose needed properties
// are all embedded on the edge skips its node join.
func (h *horizon) collectNeeded(e cypher.Expr) {
	switch v := e.(type) {
	case nil:
		return
	case *cypher.Ident:
		h.needAll[v.Name] = true
		h.used[v.Name] = true
	case *cypher.PropertyRef:
		if h.needProps[v.Alias] == nil {
			h.needProps[v.Alias] = map[string]bool{}
		}
		h.needProps[v.Alias][v.Property] = true
		h.used[v.Alias] = true
	case *cypher.ListExpr:
		for _, it := range v.Items {
			h.collectNeeded(it)
		}
	case *cypher.Unary:
		h.collectNeeded(v.Operand)
	case *cypher.Binary:
		h.collectNeeded(v.Left)
		h.collectNeeded(v.Right)
	case *cypher.IsNull:
		h.collectNeeded(v.Operand)
	case *cypher.FuncCall:
		// id(x), length(p), nodes(p), type(r) touch no properties.
		if len(v.Args) == 1 {
			if id, ok := v.Args[0].(*cypher.Ident); ok {
				switch strings.ToLower(v.Name) {
				case "id", "length", "nodes", "type":
					h.used[id.Name] = true
					return
				}
			}
		}
		for _, a := range v.Args {
			h.collectNeeded(a)
		}
	case *cypher.CaseExpr:
		h.collectNeeded(v.Operand)
		for _, w := range v.Whens {
			h.collectNeeded(w.Cond)
			h.collectNeeded(w.Result)
		}
		h.collectNeeded(v.Else)
	}
}

// denormCovers reports whether the denormalized column map satisfies every
// property this horizon needs from the alias.
func (h *horizon) denormCovers(alias string, denorm map[string]string) bool {
	if len(denorm) == 0 || h.needAll[alias] {
		return false
	}
	for prop := range h.needProps[alias] {
		if _, ok := denorm[prop]; !ok {
			return false
		}
	}
	return true
}

// substituteExports rewrites a WITH ... WHERE expression from export names
// back onto the projected expressions, so it can render inside the CTE body.
func substituteExports(e cypher.Expr, items map[string]*plan.Item) (cypher.Expr, error) {
	switch v := e.(type) {
	case nil:
		return nil, nil
	case *cypher.Ident:
		if it, ok := items[v.Name]; ok {
			return it.Expr, nil
		}
		return v, nil
	case *cypher.PropertyRef:
		it, ok := items[v.Alias]
		if !ok {
			return v, nil
		}
		inner, ok := it.Expr.(*cypher.Ident)
		if !ok {
			return nil, fmt.Errorf("property access on computed value %q", v.Alias)
		}
		return &cypher.PropertyRef{Alias: inner.Name, Property: v.Property}, nil
	case *cypher.ListExpr:
		out := &cypher.ListExpr{Items: make([]cypher.Expr, len(v.Items))}
		for i, it := range v.Items {
			s, err := substituteExports(it, items)
			if err != nil {
				return nil, err
			}
			out.Items[i] = s
		}
		return out, nil
	case *cypher.Unary:
		operand, err := substituteExports(v.Operand, items)
		if err != nil {
			return nil, err
		}
		return &cypher.Unary{Op: v.Op, Operand: operand}, nil
	case *cypher.Binary:
		left, err := substituteExports(v.Left, items)
		if err != nil {
			return nil, err
		}
		right, err := substituteExports(v.Right, items)
		if err != nil {
			return nil, err
		}
		return &cypher.Binary{Op: v.Op, Left: left, Right: right}, nil
	case *cypher.IsNull:
		operand, err := substituteExports(v.Operand, items)
		if err != nil {
			return nil, err
		}
		return &cypher.IsNull{Operand: operand, Negated: v.Negated}, nil
	case *cypher.FuncCall:
		out := &cypher.FuncCall{Name: v.Name, Distinct: v.Distinct, Star: v.Star}
		for _, a := range v.Args {
			s, err := substituteExports(a, items)
			if err != nil {
				return nil, err
			}
			out.Args = append(out.Args, s)
		}
		return out, nil
	case *cypher.CaseExpr:
		operand, err := substituteExports(v.Operand, items)
		if err != nil {
			return nil, err
		}
		out := &cypher.CaseExpr{Operand: operand}
		for _, w := range v.Whens {
			cond, err := substituteExports(w.Cond, items)
			if err != nil {
				return nil, err
			}
			result, err := substituteExports(w.Result, items)
			if err != nil {
				return nil, err
			}
			out.Whens = append(out.Whens, &cypher.CaseWhen{Cond: cond, Result: result})
		}
		out.Else, err = substituteExports(v.Else, items)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return e, nil
	}
}
