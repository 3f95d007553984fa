// Package sqlgen emits ClickHouse SQL from a structured statement tree. The
// tree carries pre-rendered expression strings; qualification and property
// mapping happen upstream, this package only owns clause layout, CTE blocks
// and dialect framing (WITH RECURSIVE, FINAL, SETTINGS).
package sqlgen

import (
	"strings"
)

// Query is one complete statement: CTE prologue, root select, settings.
type Query struct {
	CTEs     []*CTE
	Root     *Select
	Settings []Setting
}

// Setting is one SETTINGS entry appended to the statement.
type Setting struct {
	Name  string
	Value string
}

// CTE is one named common table expression. Recursive CTEs force the
// RECURSIVE keyword onto the whole WITH block.
type CTE struct {
	Name      string
	Recursive bool
	Select    *Select
}

// Select is one SELECT body. Union branches append as UNION ALL in order.
type Select struct {
	Distinct bool
	Columns  []Column
	From     *TableRef
	Joins    []*Join
	Where    string
	GroupBy  []string
	Having   string
	OrderBy  []OrderKey
	Limit    string
	Offset   string
	Union    []*Select
}

// Column is one select-list entry.
type Column struct {
	Expr  string
	Alias string
}

// TableRef references a base table, a CTE, or a derived subquery. Final adds
// ClickHouse's FINAL modifier for dedup-on-read engines.
type TableRef struct {
	Table    string
	Alias    string
	Final    bool
	Subquery *Select
}

// OrderKey is one ORDER BY entry.
type OrderKey struct {
	Expr string
	Desc bool
}

// JoinKind selects the join operator.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinCross
)

// Join is one joined table with its ON condition (empty for cross joins).
type Join struct {
	Kind  JoinKind
	Table *TableRef
	On    string
}

// Emit renders the query to its final SQL text. Output is deterministic:
// identical trees render byte-identically.
func Emit(q *Query) string {
	var b strings.Builder
	if len(q.CTEs) > 0 {
		b.WriteString("WITH ")
		if anyRecursive(q.CTEs) {
			b.WriteString("RECURSIVE ")
		}
		for i, cte := range q.CTEs {
			if i > 0 {
				b.WriteString(",\n")
			}
			b.WriteString(cte.Name)
			b.WriteString(" AS (\n")
			writeSelect(&b, cte.Select, 1)
			b.WriteString("\n)")
		}
		b.WriteString("\n")
	}
	writeSelect(&b, q.Root, 0)
	if len(q.Settings) > 0 {
		b.WriteString("\nSETTINGS ")
		for i, s := range q.Settings {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.Name)
			b.WriteString(" = ")
			b.WriteString(s.Value)
		}
	}
	return b.String()
}

func anyRecursive(ctes []*CTE) bool {
	for _, c := range ctes {
		if c.Recursive {
			return true
		}
	}
	return false
}

func writeSelect(b *strings.Builder, s *Select, depth int) {
	indent := strings.Repeat("  ", depth)

	b.WriteString(indent)
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(",\n" + indent + "       ")
		}
		b.WriteString(c.Expr)
		if c.Alias != "" && c.Alias != c.Expr {
			b.WriteString(" AS " + c.Alias)
		}
	}

	if s.From != nil {
		b.WriteString("\n" + indent + "FROM ")
		writeTableRef(b, s.From, depth)
	}
	for _, j := range s.Joins {
		b.WriteString("\n" + indent)
		switch j.Kind {
		case JoinLeft:
			b.WriteString("LEFT JOIN ")
		case JoinCross:
			b.WriteString("CROSS JOIN ")
		default:
			b.WriteString("JOIN ")
		}
		writeTableRef(b, j.Table, depth)
		if j.On != "" {
			b.WriteString(" ON " + j.On)
		}
	}

	if s.Where != "" {
		b.WriteString("\n" + indent + "WHERE " + s.Where)
	}
	if len(s.GroupBy) > 0 {
		b.WriteString("\n" + indent + "GROUP BY " + strings.Join(s.GroupBy, ", "))
	}
	if s.Having != "" {
		b.WriteString("\n" + indent + "HAVING " + s.Having)
	}
	if len(s.OrderBy) > 0 {
		b.WriteString("\n" + indent + "ORDER BY ")
		for i, k := range s.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k.Expr)
			if k.Desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}
	if s.Limit != "" {
		b.WriteString("\n" + indent + "LIMIT " + s.Limit)
	}
	if s.Offset != "" {
		b.WriteString("\n" + indent + "OFFSET " + s.Offset)
	}

	for _, u := range s.Union {
		b.WriteString("\n" + indent + "UNION ALL\n")
		writeSelect(b, u, depth)
	}
}

func writeTableRef(b *strings.Builder, t *TableRef, depth int) {
	switch {
	case t.Subquery != nil:
		b.WriteString("(\n")
		writeSelect(b, t.Subquery, depth+1)
		b.WriteString("\n" + strings.Repeat("  ", depth) + ")")
	default:
		b.WriteString(t.Table)
	}
	if t.Alias != "" && t.Alias != t.Table {
		b.WriteString(" AS " + t.Alias)
	}
	if t.Final {
		b.WriteString(" FINAL")
	}
}
