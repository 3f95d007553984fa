// Package compile is the facade over the whole pipeline: parser, planner,
// optimizer, renderer and code generator, with the plan cache wrapping all
// of it. Compilation is pure and synchronous: a query either compiles to a
// complete SQL string or fails with a typed error, never both.
package compile

import (
	"fmt"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/optimize"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/plancache"
	"github.com/orneryd/hugin/pkg/render"
	"github.com/orneryd/hugin/pkg/schema"
	"github.com/orneryd/hugin/pkg/sqlgen"
)

// Re-exported error taxonomy. Callers match with errors.As against these
// without importing the pipeline packages.
type (
	SyntaxError               = cypher.SyntaxError
	SchemaResolutionError     = plan.SchemaResolutionError
	DisconnectedPatternError  = plan.DisconnectedPatternError
	VlpTransitivityError      = plan.VlpTransitivityError
	UnresolvedAliasError      = plan.UnresolvedAliasError
	PropertyNotFoundError     = plan.PropertyNotFoundError
)

// Options configure a Compiler.
type Options struct {
	// MaxHops bounds open-ended variable-length ranges (`*` and `*n..`).
	MaxHops int
	// CacheSize is the plan cache capacity in templates. Zero disables
	// caching.
	CacheSize int
	// AllowCartesianProduct joins disconnected pattern components with a
	// cross join instead of rejecting them.
	AllowCartesianProduct bool
}

// DefaultMaxHops bounds open-ended traversals when Options.MaxHops is zero.
const DefaultMaxHops = 10

// CompiledQuery is one compilation result: the SQL text, the ordered
// parameter slot names matching its placeholders, and the output column
// names.
type CompiledQuery struct {
	SQL     string
	Params  []string
	Columns []string
}

// Request identifies one compilation: the query text, which registered
// schema to compile against, and the tenant the template belongs to.
type Request struct {
	Query  string
	Schema string
	Tenant string
}

// Compiler compiles Cypher read queries against registered schemas. Safe for
// concurrent use: the registry hands out immutable snapshots and the cache
// locks internally.
type Compiler struct {
	registry *schema.Registry
	opts     Options
	cache    *plancache.Cache
}

// New creates a compiler over a schema registry.
func New(registry *schema.Registry, opts Options) (*Compiler, error) {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	c := &Compiler{registry: registry, opts: opts}
	if opts.CacheSize > 0 {
		cache, err := plancache.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("plan cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Compile compiles a query against a registered schema for the empty tenant.
func (c *Compiler) Compile(query, schemaName string) (*CompiledQuery, error) {
	return c.CompileRequest(Request{Query: query, Schema: schemaName})
}

// CompileRequest compiles one request, consulting the plan cache first. A
// hit never crosses a schema, snapshot-version or tenant boundary: all three
// participate in the fingerprint.
func (c *Compiler) CompileRequest(req Request) (*CompiledQuery, error) {
	snap, err := c.registry.Get(req.Schema)
	if err != nil {
		return nil, err
	}

	var fp uint64
	if c.cache != nil {
		fp = plancache.Fingerprint(req.Query, req.Schema, snap.Version, req.Tenant)
		if e, ok := c.cache.Get(fp); ok {
			return &CompiledQuery{SQL: e.SQL, Params: e.Params, Columns: e.Columns}, nil
		}
	}

	out, err := c.compileOnce(req.Query, snap.Schema)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(fp, &plancache.Entry{SQL: out.SQL, Params: out.Params, Columns: out.Columns})
	}
	return out, nil
}

func (c *Compiler) compileOnce(query string, s *schema.Schema) (*CompiledQuery, error) {
	p, err := c.buildPlan(query, s)
	if err != nil {
		return nil, err
	}
	res, err := render.New(s, c.opts.MaxHops).Render(p)
	if err != nil {
		return nil, err
	}
	return &CompiledQuery{
		SQL:     sqlgen.Emit(res.Query),
		Params:  res.Params,
		Columns: res.Columns,
	}, nil
}

// Explain compiles a query far enough to show the optimized logical plan
// tree.
func (c *Compiler) Explain(query, schemaName string) (string, error) {
	snap, err := c.registry.Get(schemaName)
	if err != nil {
		return "", err
	}
	p, err := c.buildPlan(query, snap.Schema)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func (c *Compiler) buildPlan(query string, s *schema.Schema) (*plan.Plan, error) {
	q, err := cypher.NewParser().Parse(query)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(q, s, plan.BuildOptions{
		AllowCartesianProduct: c.opts.AllowCartesianProduct,
	})
	if err != nil {
		return nil, err
	}
	return optimize.Run(p, optimize.Default())
}

// CacheLen reports how many templates the plan cache holds; zero when
// caching is disabled.
func (c *Compiler) CacheLen() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
