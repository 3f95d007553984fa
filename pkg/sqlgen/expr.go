package sqlgen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orneryd/hugin/pkg/cypher"
)

var bareIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent backquotes a column alias that is not a bare identifier
// (aggregate output names like count(*) stay addressable).
func QuoteIdent(name string) string {
	if bareIdent.MatchString(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// Params collects parameter slots in the order their placeholders appear in
// the emitted SQL. One instance spans the whole statement so CTE parameters
// precede outer-query parameters, matching textual order.
type Params struct {
	slots []string
}

// Bind records one occurrence of a named parameter and returns its
// placeholder.
func (p *Params) Bind(name string) string {
	p.slots = append(p.slots, name)
	return "?"
}

// Slots returns the ordered slot names.
func (p *Params) Slots() []string {
	return append([]string(nil), p.slots...)
}

// ExprContext resolves the parts of an expression that depend on planning
// state: variable references, property access, parameters, and graph
// functions (id, length, nodes). RenderExpr handles everything structural.
type ExprContext interface {
	// Column renders alias.property as SQL.
	Column(alias, property string) (string, error)
	// Ident renders a bare variable reference (its id column, or the scalar
	// export it maps to).
	Ident(alias string) (string, error)
	// Param renders a $name parameter and records its slot.
	Param(name string) string
	// Func renders a function call the context wants to intercept; handled
	// is false when the call should fall through to the generic mapping.
	Func(fc *cypher.FuncCall) (sql string, handled bool, err error)
}

// funcNames maps Cypher function names onto their ClickHouse counterparts.
// Names not listed pass through lowercased.
var funcNames = map[string]string{
	"collect":   "groupArray",
	"toupper":   "upper",
	"tolower":   "lower",
	"tostring":  "toString",
	"tointeger": "toInt64",
	"tofloat":   "toFloat64",
	"size":      "length",
	"abs":       "abs",
	"round":     "round",
	"coalesce":  "coalesce",
}

// RenderExpr renders a Cypher expression to ClickHouse SQL using ctx for
// variable, property, parameter and graph-function resolution.
func RenderExpr(e cypher.Expr, ctx ExprContext) (string, error) {
	switch v := e.(type) {
	case nil:
		return "", fmt.Errorf("nil expression")
	case *cypher.Ident:
		return ctx.Ident(v.Name)
	case *cypher.PropertyRef:
		return ctx.Column(v.Alias, v.Property)
	case *cypher.Literal:
		return RenderLiteral(v.Value), nil
	case *cypher.Parameter:
		return ctx.Param(v.Name), nil
	case *cypher.ListExpr:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			s, err := RenderExpr(it, ctx)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case *cypher.Unary:
		operand, err := RenderExpr(v.Operand, ctx)
		if err != nil {
			return "", err
		}
		if v.Op == "NOT" {
			return "NOT (" + operand + ")", nil
		}
		return v.Op + operand, nil
	case *cypher.Binary:
		return renderBinary(v, ctx)
	case *cypher.IsNull:
		operand, err := RenderExpr(v.Operand, ctx)
		if err != nil {
			return "", err
		}
		if v.Negated {
			return operand + " IS NOT NULL", nil
		}
		return operand + " IS NULL", nil
	case *cypher.FuncCall:
		return renderFunc(v, ctx)
	case *cypher.CaseExpr:
		return renderCase(v, ctx)
	default:
		return "", fmt.Errorf("unsupported expression %T", e)
	}
}

// RenderLiteral renders a literal value as a ClickHouse literal.
func RenderLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func renderBinary(v *cypher.Binary, ctx ExprContext) (string, error) {
	left, err := RenderExpr(v.Left, ctx)
	if err != nil {
		return "", err
	}
	right, err := RenderExpr(v.Right, ctx)
	if err != nil {
		return "", err
	}
	switch v.Op {
	case "STARTS WITH":
		return "startsWith(" + left + ", " + right + ")", nil
	case "ENDS WITH":
		return "endsWith(" + left + ", " + right + ")", nil
	case "CONTAINS":
		return "position(" + left + ", " + right + ") > 0", nil
	case "=~":
		return "match(" + left + ", " + right + ")", nil
	case "IN":
		return left + " IN " + right, nil
	case "AND", "OR":
		return "(" + left + " " + v.Op + " " + right + ")", nil
	case "^":
		return "pow(" + left + ", " + right + ")", nil
	case "+", "-", "*", "/", "%":
		return "(" + left + " " + v.Op + " " + right + ")", nil
	default:
		return left + " " + v.Op + " " + right, nil
	}
}

func renderFunc(v *cypher.FuncCall, ctx ExprContext) (string, error) {
	if sql, handled, err := ctx.Func(v); handled || err != nil {
		return sql, err
	}
	lower := strings.ToLower(v.Name)
	if v.Star {
		return lower + "(*)", nil
	}
	name, ok := funcNames[lower]
	if !ok {
		name = lower
	}
	parts := make([]string, len(v.Args))
	for i, a := range v.Args {
		s, err := RenderExpr(a, ctx)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	inner := strings.Join(parts, ", ")
	if v.Distinct {
		inner = "DISTINCT " + inner
	}
	return name + "(" + inner + ")", nil
}

func renderCase(v *cypher.CaseExpr, ctx ExprContext) (string, error) {
	var b strings.Builder
	b.WriteString("CASE")
	if v.Operand != nil {
		s, err := RenderExpr(v.Operand, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(" " + s)
	}
	for _, w := range v.Whens {
		cond, err := RenderExpr(w.Cond, ctx)
		if err != nil {
			return "", err
		}
		result, err := RenderExpr(w.Result, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHEN " + cond + " THEN " + result)
	}
	if v.Else != nil {
		s, err := RenderExpr(v.Else, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(" ELSE " + s)
	}
	b.WriteString(" END")
	return b.String(), nil
}
