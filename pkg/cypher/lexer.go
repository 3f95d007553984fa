package cypher

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokInt
	tokFloat
	tokString
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string // keywords are upper-cased, punctuation verbatim
	pos  int
	line int
	col  int
}

// keywords recognized case-insensitively. Function names (shortestPath,
// count, ...) are deliberately not keywords; they lex as identifiers.
var keywords = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WHERE": true, "WITH": true,
	"RETURN": true, "ORDER": true, "BY": true, "SKIP": true, "LIMIT": true,
	"ASC": true, "ASCENDING": true, "DESC": true, "DESCENDING": true,
	"AND": true, "OR": true, "XOR": true, "NOT": true, "IN": true,
	"STARTS": true, "ENDS": true, "CONTAINS": true, "IS": true,
	"NULL": true, "TRUE": true, "FALSE": true, "AS": true,
	"DISTINCT": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true,
	// Write clauses lex as keywords so the parser can reject them by name.
	"CREATE": true, "MERGE": true, "SET": true, "DELETE": true,
	"DETACH": true, "REMOVE": true, "UNWIND": true, "CALL": true,
	"FOREACH": true, "UNION": true, "LOAD": true,
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{
		Line:    l.line,
		Column:  l.col,
		Message: fmt.Sprintf(format, args...),
	}
}

// SyntaxError reports a lexical or grammatical error with its position.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d:%d: %s", e.Line, e.Column, e.Message)
}

func (l *lexer) advance(n int) {
	for i := 0; i < n; i++ {
		if l.pos < len(l.src) && l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance(1)
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf("unterminated block comment")
			}
			l.advance(end + 4)
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentPart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	start, line, col := l.pos, l.line, l.col
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start, line: line, col: col}, nil
	}
	c := l.src[l.pos]

	switch {
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.advance(1)
		}
		text := l.src[start:l.pos]
		upper := strings.ToUpper(text)
		if keywords[upper] {
			return token{kind: tokKeyword, text: upper, pos: start, line: line, col: col}, nil
		}
		return token{kind: tokIdent, text: text, pos: start, line: line, col: col}, nil

	case c == '`': // quoted identifier
		l.advance(1)
		idStart := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != '`' {
			l.advance(1)
		}
		if l.pos >= len(l.src) {
			return token{}, l.errorf("unterminated quoted identifier")
		}
		text := l.src[idStart:l.pos]
		l.advance(1)
		return token{kind: tokIdent, text: text, pos: start, line: line, col: col}, nil

	case unicode.IsDigit(rune(c)):
		isFloat := false
		for l.pos < len(l.src) && unicode.IsDigit(rune(l.src[l.pos])) {
			l.advance(1)
		}
		// A '.' is part of the number only when followed by a digit; "1.."
		// in a hop range must lex as INT DOTDOT.
		if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && unicode.IsDigit(rune(l.src[l.pos+1])) {
			isFloat = true
			l.advance(1)
			for l.pos < len(l.src) && unicode.IsDigit(rune(l.src[l.pos])) {
				l.advance(1)
			}
		}
		kind := tokInt
		if isFloat {
			kind = tokFloat
		}
		return token{kind: kind, text: l.src[start:l.pos], pos: start, line: line, col: col}, nil

	case c == '\'' || c == '"':
		quote := c
		l.advance(1)
		var b strings.Builder
		for l.pos < len(l.src) {
			ch := l.src[l.pos]
			if ch == '\\' && l.pos+1 < len(l.src) {
				esc := l.src[l.pos+1]
				switch esc {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '\\', '\'', '"':
					b.WriteByte(esc)
				default:
					b.WriteByte('\\')
					b.WriteByte(esc)
				}
				l.advance(2)
				continue
			}
			if ch == quote {
				l.advance(1)
				return token{kind: tokString, text: b.String(), pos: start, line: line, col: col}, nil
			}
			b.WriteByte(ch)
			l.advance(1)
		}
		return token{}, l.errorf("unterminated string literal")

	case c == '$':
		l.advance(1)
		if l.pos >= len(l.src) || !isIdentStart(l.src[l.pos]) {
			return token{}, l.errorf("expected parameter name after '$'")
		}
		idStart := l.pos
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.advance(1)
		}
		return token{kind: tokParam, text: l.src[idStart:l.pos], pos: start, line: line, col: col}, nil

	default:
		// Multi-character punctuation first.
		for _, p := range []string{"<=", ">=", "<>", "!=", "->", "<-", "..", "=~"} {
			if strings.HasPrefix(l.src[l.pos:], p) {
				l.advance(2)
				return token{kind: tokPunct, text: p, pos: start, line: line, col: col}, nil
			}
		}
		switch c {
		case '(', ')', '[', ']', '{', '}', ',', ':', '.', '|', '=', '<', '>', '+', '-', '*', '/', '%', '^':
			l.advance(1)
			return token{kind: tokPunct, text: string(c), pos: start, line: line, col: col}, nil
		}
		return token{}, l.errorf("unexpected character %q", string(c))
	}
}

// lexAll tokenizes the whole input.
func lexAll(src string) ([]token, error) {
	l := newLexer(src)
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}
