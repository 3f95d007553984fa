package plan

import (
	"fmt"
	"strings"
)

// Compile-time error taxonomy. Every error is structural: compilation is a
// pure function from (AST, schema, params) to (SQL, error) and never
// retries. All types support errors.As.

// SchemaResolutionError reports an unknown label or relationship type. The
// underlying schema message is surfaced verbatim.
type SchemaResolutionError struct {
	Kind string // "label" or "relationship"
	Name string
	Err  error
}

func (e *SchemaResolutionError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

func (e *SchemaResolutionError) Unwrap() error { return e.Err }

// DisconnectedPatternError reports comma-separated or chained patterns that
// share no alias. It names both alias sets so the offending patterns are
// identifiable from the message alone.
type DisconnectedPatternError struct {
	Bound   []string
	Pattern []string
}

func (e *DisconnectedPatternError) Error() string {
	return fmt.Sprintf(
		"disconnected pattern: aliases (%s) share no variable with (%s); joining them would be a cartesian product",
		strings.Join(e.Pattern, ", "), strings.Join(e.Bound, ", "))
}

// VlpTransitivityError reports a variable-length pattern whose relationship
// type cannot transitively chain between the stated endpoint labels. Raised
// before any CTE is generated.
type VlpTransitivityError struct {
	RelType     string
	SourceLabel string
	TargetLabel string
	Reason      string
}

func (e *VlpTransitivityError) Error() string {
	return fmt.Sprintf("variable-length traversal over %s cannot connect %s to %s: %s",
		e.RelType, orAny(e.SourceLabel), orAny(e.TargetLabel), e.Reason)
}

func orAny(label string) string {
	if label == "" {
		return "(any)"
	}
	return label
}

// UnresolvedAliasError reports a WITH/RETURN/WHERE reference to an alias
// that is not bound in the current horizon.
type UnresolvedAliasError struct {
	Alias  string
	Clause string
}

func (e *UnresolvedAliasError) Error() string {
	return fmt.Sprintf("%s references unbound alias %q", e.Clause, e.Alias)
}

// PropertyNotFoundError reports a property access that does not exist in the
// schema mapping of a single-type entity. It is deliberately not raised for
// multi-type endpoints, which fall through to JSON extraction.
type PropertyNotFoundError struct {
	Alias    string
	Label    string
	Property string
}

func (e *PropertyNotFoundError) Error() string {
	return fmt.Sprintf("label %s has no property %q (accessed as %s.%s)",
		e.Label, e.Property, e.Alias, e.Property)
}
