package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// sqlKeywords are words inside property expressions that must never be
// table-qualified even though they lex like identifiers.
var sqlKeywords = map[string]bool{
	"case": true, "when": true, "then": true, "else": true, "end": true,
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"null": true, "true": true, "false": true, "as": true,
	"cast": true, "interval": true, "distinct": true, "like": true,
}

// TokenizeExpression splits a SQL property expression into tokens so the
// code generator can qualify only column references with the active table
// alias. An identifier directly followed by '(' is a function name;
// identifiers matching SQL keywords stay unqualified; everything else that
// lexes like an identifier is a column reference.
func TokenizeExpression(expr string) ([]ExprToken, error) {
	var tokens []ExprToken
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			start := i
			for i < len(expr) && (expr[i] == ' ' || expr[i] == '\t' || expr[i] == '\n') {
				i++
			}
			tokens = append(tokens, ExprToken{Kind: TokenPunct, Text: expr[start:i]})

		case c == '\'':
			start := i
			i++
			for i < len(expr) && expr[i] != '\'' {
				if expr[i] == '\\' {
					i++
				}
				i++
			}
			if i >= len(expr) {
				return nil, fmt.Errorf("unterminated string literal in expression %q", expr)
			}
			i++
			tokens = append(tokens, ExprToken{Kind: TokenLiteral, Text: expr[start:i]})

		case unicode.IsDigit(rune(c)):
			start := i
			for i < len(expr) && (unicode.IsDigit(rune(expr[i])) || expr[i] == '.') {
				i++
			}
			tokens = append(tokens, ExprToken{Kind: TokenLiteral, Text: expr[start:i]})

		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(expr) && (expr[i] == '_' || unicode.IsLetter(rune(expr[i])) || unicode.IsDigit(rune(expr[i]))) {
				i++
			}
			word := expr[start:i]
			// Lookahead past whitespace for '(' to spot function names.
			j := i
			for j < len(expr) && expr[j] == ' ' {
				j++
			}
			switch {
			case j < len(expr) && expr[j] == '(':
				tokens = append(tokens, ExprToken{Kind: TokenFunction, Text: word})
			case sqlKeywords[strings.ToLower(word)]:
				tokens = append(tokens, ExprToken{Kind: TokenFunction, Text: word})
			default:
				tokens = append(tokens, ExprToken{Kind: TokenColumn, Text: word})
			}

		default:
			tokens = append(tokens, ExprToken{Kind: TokenPunct, Text: string(c)})
			i++
		}
	}
	return tokens, nil
}
