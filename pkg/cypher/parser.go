package cypher

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser turns Cypher text into a *Query. It is stateless across calls and
// safe for concurrent use.
type Parser struct{}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a read query. Write clauses (CREATE, MERGE, SET, DELETE, ...)
// are rejected with a SyntaxError.
func (p *Parser) Parse(query string) (*Query, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &SyntaxError{Line: 1, Column: 1, Message: "empty query"}
	}
	toks, err := lexAll(query)
	if err != nil {
		return nil, err
	}
	ps := &parseState{toks: toks}
	q, err := ps.parseQuery()
	if err != nil {
		return nil, err
	}
	return q, nil
}

type parseState struct {
	toks []token
	i    int
}

func (ps *parseState) cur() token  { return ps.toks[ps.i] }
func (ps *parseState) bump() token { t := ps.toks[ps.i]; ps.i++; return t }

func (ps *parseState) peekKeyword(kw string) bool {
	t := ps.cur()
	return t.kind == tokKeyword && t.text == kw
}

func (ps *parseState) acceptKeyword(kw string) bool {
	if ps.peekKeyword(kw) {
		ps.i++
		return true
	}
	return false
}

func (ps *parseState) peekPunct(p string) bool {
	t := ps.cur()
	return t.kind == tokPunct && t.text == p
}

func (ps *parseState) acceptPunct(p string) bool {
	if ps.peekPunct(p) {
		ps.i++
		return true
	}
	return false
}

func (ps *parseState) errorf(format string, args ...any) error {
	t := ps.cur()
	return &SyntaxError{Line: t.line, Column: t.col, Message: fmt.Sprintf(format, args...)}
}

func (ps *parseState) expectPunct(p string) error {
	if !ps.acceptPunct(p) {
		return ps.errorf("expected %q, found %q", p, ps.cur().text)
	}
	return nil
}

func (ps *parseState) parseQuery() (*Query, error) {
	q := &Query{}
	sawReturn := false
	for {
		t := ps.cur()
		if t.kind == tokEOF {
			break
		}
		if t.kind != tokKeyword {
			return nil, ps.errorf("expected clause keyword, found %q", t.text)
		}
		switch t.text {
		case "MATCH":
			ps.bump()
			c, err := ps.parseMatch(false)
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case "OPTIONAL":
			ps.bump()
			if !ps.acceptKeyword("MATCH") {
				return nil, ps.errorf("expected MATCH after OPTIONAL")
			}
			c, err := ps.parseMatch(true)
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case "WITH":
			ps.bump()
			c, err := ps.parseWith()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case "RETURN":
			ps.bump()
			c, err := ps.parseReturn()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
			sawReturn = true
		case "CREATE", "MERGE", "SET", "DELETE", "DETACH", "REMOVE", "UNWIND", "CALL", "FOREACH", "UNION", "LOAD":
			return nil, ps.errorf("%s is not supported: Hugin compiles read queries only", t.text)
		default:
			return nil, ps.errorf("unexpected keyword %s", t.text)
		}
	}
	if len(q.Clauses) == 0 {
		return nil, &SyntaxError{Line: 1, Column: 1, Message: "query has no clauses"}
	}
	if !sawReturn {
		return nil, ps.errorf("query must end with RETURN")
	}
	if _, ok := q.Clauses[len(q.Clauses)-1].(*ReturnClause); !ok {
		return nil, ps.errorf("RETURN must be the final clause")
	}
	return q, nil
}

func (ps *parseState) parseMatch(optional bool) (*MatchClause, error) {
	c := &MatchClause{Optional: optional}
	for {
		pat, err := ps.parsePattern()
		if err != nil {
			return nil, err
		}
		c.Patterns = append(c.Patterns, pat)
		if !ps.acceptPunct(",") {
			break
		}
	}
	if ps.acceptKeyword("WHERE") {
		w, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Where = w
	}
	return c, nil
}

// parsePattern parses [name =] [shortestPath(] (n)-[r]->(m)... [)]
func (ps *parseState) parsePattern() (*Pattern, error) {
	pat := &Pattern{}

	// Path assignment: ident '=' not followed by a comparison context. The
	// only place '=' can follow a bare identifier at pattern position is a
	// path binding.
	if ps.cur().kind == tokIdent && ps.toks[ps.i+1].kind == tokPunct && ps.toks[ps.i+1].text == "=" {
		pat.Name = ps.bump().text
		ps.bump() // '='
	}

	if ps.cur().kind == tokIdent {
		switch strings.ToLower(ps.cur().text) {
		case "shortestpath":
			pat.Shortest = ShortestSingle
		case "allshortestpaths":
			pat.Shortest = ShortestAll
		}
		if pat.Shortest != ShortestNone {
			ps.bump()
			if err := ps.expectPunct("("); err != nil {
				return nil, err
			}
		}
	}

	node, err := ps.parseNodePattern()
	if err != nil {
		return nil, err
	}
	pat.Elements = append(pat.Elements, node)

	for ps.peekPunct("-") || ps.peekPunct("<-") {
		rel, err := ps.parseRelPattern()
		if err != nil {
			return nil, err
		}
		next, err := ps.parseNodePattern()
		if err != nil {
			return nil, err
		}
		pat.Elements = append(pat.Elements, rel, next)
	}

	if pat.Shortest != ShortestNone {
		if err := ps.expectPunct(")"); err != nil {
			return nil, err
		}
		if len(pat.Rels()) != 1 {
			return nil, ps.errorf("shortestPath requires a single relationship pattern")
		}
	}
	return pat, nil
}

func (ps *parseState) parseNodePattern() (*NodePattern, error) {
	if err := ps.expectPunct("("); err != nil {
		return nil, err
	}
	n := &NodePattern{}
	if ps.cur().kind == tokIdent {
		n.Alias = ps.bump().text
	}
	for ps.acceptPunct(":") {
		t := ps.cur()
		if t.kind != tokIdent && t.kind != tokKeyword {
			return nil, ps.errorf("expected label name after ':'")
		}
		n.Labels = append(n.Labels, ps.bump().text)
	}
	if ps.peekPunct("{") {
		props, err := ps.parsePropertyMap()
		if err != nil {
			return nil, err
		}
		n.Props = props
	}
	if err := ps.expectPunct(")"); err != nil {
		return nil, err
	}
	return n, nil
}

func (ps *parseState) parseRelPattern() (*RelPattern, error) {
	r := &RelPattern{Direction: DirBoth}
	if ps.acceptPunct("<-") {
		r.Direction = DirIn
	} else if err := ps.expectPunct("-"); err != nil {
		return nil, err
	}

	if ps.acceptPunct("[") {
		if ps.cur().kind == tokIdent {
			r.Alias = ps.bump().text
		}
		if ps.acceptPunct(":") {
			for {
				t := ps.cur()
				if t.kind != tokIdent && t.kind != tokKeyword {
					return nil, ps.errorf("expected relationship type after ':'")
				}
				r.Types = append(r.Types, ps.bump().text)
				if !ps.acceptPunct("|") {
					break
				}
				ps.acceptPunct(":") // tolerate legacy :A|:B form
			}
		}
		if ps.acceptPunct("*") {
			rng, err := ps.parseVarRange()
			if err != nil {
				return nil, err
			}
			r.Range = rng
		}
		if ps.peekPunct("{") {
			props, err := ps.parsePropertyMap()
			if err != nil {
				return nil, err
			}
			r.Props = props
		}
		if err := ps.expectPunct("]"); err != nil {
			return nil, err
		}
	}

	if ps.acceptPunct("->") {
		if r.Direction == DirIn {
			return nil, ps.errorf("relationship cannot point both ways")
		}
		r.Direction = DirOut
	} else if err := ps.expectPunct("-"); err != nil {
		return nil, err
	}
	return r, nil
}

// parseVarRange parses the tail of '*', '*2', '*1..3', '*..5', '*2..'.
func (ps *parseState) parseVarRange() (*VarRange, error) {
	rng := &VarRange{Min: 1, Max: -1}
	if ps.cur().kind == tokInt {
		n, err := strconv.Atoi(ps.bump().text)
		if err != nil || n < 0 {
			return nil, ps.errorf("invalid hop count")
		}
		rng.Min = n
		rng.Max = n
	}
	if ps.acceptPunct("..") {
		rng.Max = -1
		if ps.cur().kind == tokInt {
			n, err := strconv.Atoi(ps.bump().text)
			if err != nil || n < 0 {
				return nil, ps.errorf("invalid hop count")
			}
			rng.Max = n
		}
	}
	if rng.Max >= 0 && rng.Min > rng.Max {
		return nil, ps.errorf("variable-length range has min %d > max %d", rng.Min, rng.Max)
	}
	if rng.Min == 0 {
		return nil, ps.errorf("zero-length variable-length paths (*0..) are not supported; minimum hop count is 1")
	}
	return rng, nil
}

func (ps *parseState) parsePropertyMap() (map[string]Expr, error) {
	if err := ps.expectPunct("{"); err != nil {
		return nil, err
	}
	props := map[string]Expr{}
	if ps.acceptPunct("}") {
		return props, nil
	}
	for {
		t := ps.cur()
		if t.kind != tokIdent && t.kind != tokKeyword {
			return nil, ps.errorf("expected property name")
		}
		name := ps.bump().text
		if err := ps.expectPunct(":"); err != nil {
			return nil, err
		}
		val, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		props[name] = val
		if !ps.acceptPunct(",") {
			break
		}
	}
	if err := ps.expectPunct("}"); err != nil {
		return nil, err
	}
	return props, nil
}

func (ps *parseState) parseWith() (*WithClause, error) {
	c := &WithClause{}
	c.Distinct = ps.acceptKeyword("DISTINCT")
	items, err := ps.parseReturnItems()
	if err != nil {
		return nil, err
	}
	c.Items = items
	if err := ps.parseOrderSkipLimit(&c.OrderBy, &c.Skip, &c.Limit); err != nil {
		return nil, err
	}
	if ps.acceptKeyword("WHERE") {
		w, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Where = w
	}
	return c, nil
}

func (ps *parseState) parseReturn() (*ReturnClause, error) {
	c := &ReturnClause{}
	c.Distinct = ps.acceptKeyword("DISTINCT")
	items, err := ps.parseReturnItems()
	if err != nil {
		return nil, err
	}
	c.Items = items
	if err := ps.parseOrderSkipLimit(&c.OrderBy, &c.Skip, &c.Limit); err != nil {
		return nil, err
	}
	return c, nil
}

func (ps *parseState) parseReturnItems() ([]*ReturnItem, error) {
	var items []*ReturnItem
	for {
		e, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		item := &ReturnItem{Expr: e}
		if ps.acceptKeyword("AS") {
			t := ps.cur()
			if t.kind != tokIdent && t.kind != tokKeyword {
				return nil, ps.errorf("expected alias after AS")
			}
			item.Alias = ps.bump().text
		}
		items = append(items, item)
		if !ps.acceptPunct(",") {
			break
		}
	}
	return items, nil
}

func (ps *parseState) parseOrderSkipLimit(orderBy *[]*SortItem, skip, limit *Expr) error {
	if ps.acceptKeyword("ORDER") {
		if !ps.acceptKeyword("BY") {
			return ps.errorf("expected BY after ORDER")
		}
		for {
			e, err := ps.parseExpr()
			if err != nil {
				return err
			}
			item := &SortItem{Expr: e}
			if ps.acceptKeyword("DESC") || ps.acceptKeyword("DESCENDING") {
				item.Desc = true
			} else if ps.acceptKeyword("ASC") || ps.acceptKeyword("ASCENDING") {
				// default
			}
			*orderBy = append(*orderBy, item)
			if !ps.acceptPunct(",") {
				break
			}
		}
	}
	if ps.acceptKeyword("SKIP") {
		e, err := ps.parseExpr()
		if err != nil {
			return err
		}
		*skip = e
	}
	if ps.acceptKeyword("LIMIT") {
		e, err := ps.parseExpr()
		if err != nil {
			return err
		}
		*limit = e
	}
	return nil
}

// Expression grammar, lowest to highest precedence:
//
//	OR / XOR -> AND -> NOT -> comparison -> additive -> multiplicative
//	-> unary minus -> postfix (IS NULL) -> primary
func (ps *parseState) parseExpr() (Expr, error) {
	return ps.parseOr()
}

func (ps *parseState) parseOr() (Expr, error) {
	left, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case ps.acceptKeyword("OR"):
			op = "OR"
		case ps.acceptKeyword("XOR"):
			op = "XOR"
		default:
			return left, nil
		}
		right, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (ps *parseState) parseAnd() (Expr, error) {
	left, err := ps.parseNot()
	if err != nil {
		return nil, err
	}
	for ps.acceptKeyword("AND") {
		right, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (ps *parseState) parseNot() (Expr, error) {
	if ps.acceptKeyword("NOT") {
		operand, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", Operand: operand}, nil
	}
	return ps.parseComparison()
}

func (ps *parseState) parseComparison() (Expr, error) {
	left, err := ps.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := ps.cur()
		var op string
		switch {
		case t.kind == tokPunct && (t.text == "=" || t.text == "<" || t.text == ">" ||
			t.text == "<=" || t.text == ">=" || t.text == "<>" || t.text == "!=" || t.text == "=~"):
			op = t.text
			if op == "!=" {
				op = "<>"
			}
			ps.bump()
		case ps.acceptKeyword("IN"):
			op = "IN"
		case ps.peekKeyword("STARTS"):
			ps.bump()
			if !ps.acceptKeyword("WITH") {
				return nil, ps.errorf("expected WITH after STARTS")
			}
			op = "STARTS WITH"
		case ps.peekKeyword("ENDS"):
			ps.bump()
			if !ps.acceptKeyword("WITH") {
				return nil, ps.errorf("expected WITH after ENDS")
			}
			op = "ENDS WITH"
		case ps.acceptKeyword("CONTAINS"):
			op = "CONTAINS"
		case ps.peekKeyword("IS"):
			ps.bump()
			negated := ps.acceptKeyword("NOT")
			if !ps.acceptKeyword("NULL") {
				return nil, ps.errorf("expected NULL after IS")
			}
			left = &IsNull{Operand: left, Negated: negated}
			continue
		default:
			return left, nil
		}
		right, err := ps.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (ps *parseState) parseAdditive() (Expr, error) {
	left, err := ps.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := ps.cur()
		if t.kind != tokPunct || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		op := ps.bump().text
		right, err := ps.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (ps *parseState) parseMultiplicative() (Expr, error) {
	left, err := ps.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := ps.cur()
		if t.kind != tokPunct || (t.text != "*" && t.text != "/" && t.text != "%" && t.text != "^") {
			return left, nil
		}
		op := ps.bump().text
		right, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (ps *parseState) parseUnary() (Expr, error) {
	if ps.peekPunct("-") {
		ps.bump()
		operand, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &Unary{Op: "-", Operand: operand}, nil
	}
	if ps.peekPunct("+") {
		ps.bump()
		return ps.parseUnary()
	}
	return ps.parsePrimary()
}

func (ps *parseState) parsePrimary() (Expr, error) {
	t := ps.cur()
	switch t.kind {
	case tokInt:
		ps.bump()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, ps.errorf("invalid integer %q", t.text)
		}
		return &Literal{Value: n}, nil
	case tokFloat:
		ps.bump()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, ps.errorf("invalid float %q", t.text)
		}
		return &Literal{Value: f}, nil
	case tokString:
		ps.bump()
		return &Literal{Value: t.text}, nil
	case tokParam:
		ps.bump()
		return &Parameter{Name: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			ps.bump()
			return &Literal{Value: true}, nil
		case "FALSE":
			ps.bump()
			return &Literal{Value: false}, nil
		case "NULL":
			ps.bump()
			return &Literal{Value: nil}, nil
		case "CASE":
			return ps.parseCase()
		case "NOT":
			ps.bump()
			operand, err := ps.parseNot()
			if err != nil {
				return nil, err
			}
			return &Unary{Op: "NOT", Operand: operand}, nil
		}
		return nil, ps.errorf("unexpected keyword %s in expression", t.text)
	case tokPunct:
		switch t.text {
		case "(":
			ps.bump()
			e, err := ps.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := ps.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		case "[":
			ps.bump()
			list := &ListExpr{}
			if !ps.peekPunct("]") {
				for {
					e, err := ps.parseExpr()
					if err != nil {
						return nil, err
					}
					list.Items = append(list.Items, e)
					if !ps.acceptPunct(",") {
						break
					}
				}
			}
			if err := ps.expectPunct("]"); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, ps.errorf("unexpected %q in expression", t.text)
	case tokIdent:
		ps.bump()
		// Function call?
		if ps.acceptPunct("(") {
			return ps.parseFuncCall(t.text)
		}
		// Property access chain (single level: alias.property).
		if ps.acceptPunct(".") {
			pt := ps.cur()
			if pt.kind != tokIdent && pt.kind != tokKeyword {
				return nil, ps.errorf("expected property name after '.'")
			}
			ps.bump()
			return &PropertyRef{Alias: t.text, Property: pt.text}, nil
		}
		return &Ident{Name: t.text}, nil
	}
	return nil, ps.errorf("unexpected end of expression")
}

func (ps *parseState) parseCase() (Expr, error) {
	ps.bump() // CASE
	ce := &CaseExpr{}
	if !ps.peekKeyword("WHEN") {
		operand, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Operand = operand
	}
	for ps.acceptKeyword("WHEN") {
		cond, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		if !ps.acceptKeyword("THEN") {
			return nil, ps.errorf("expected THEN after WHEN condition")
		}
		result, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, &CaseWhen{Cond: cond, Result: result})
	}
	if len(ce.Whens) == 0 {
		return nil, ps.errorf("CASE requires at least one WHEN arm")
	}
	if ps.acceptKeyword("ELSE") {
		e, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Else = e
	}
	if !ps.acceptKeyword("END") {
		return nil, ps.errorf("expected END to close CASE")
	}
	return ce, nil
}

func (ps *parseState) parseFuncCall(name string) (Expr, error) {
	fc := &FuncCall{Name: name}
	if ps.acceptPunct("*") {
		if err := ps.expectPunct(")"); err != nil {
			return nil, err
		}
		fc.Star = true
		return fc, nil
	}
	fc.Distinct = ps.acceptKeyword("DISTINCT")
	if !ps.peekPunct(")") {
		for {
			e, err := ps.parseExpr()
			if err != nil {
				return nil, err
			}
			fc.Args = append(fc.Args, e)
			if !ps.acceptPunct(",") {
				break
			}
		}
	}
	if err := ps.expectPunct(")"); err != nil {
		return nil, err
	}
	return fc, nil
}
