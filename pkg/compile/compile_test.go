package compile

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugin/pkg/schema"
)

const testSchemaYAML = `
name: social
nodes:
  User:
    table: users
    id_column: user_id
    properties:
      name: full_name
      age: age
  Company:
    table: companies
    id_column: company_id
    properties:
      name: name
relationships:
  KNOWS:
    table: user_knows
    source_column: src_user_id
    target_column: dst_user_id
    endpoints:
      - source: User
        target: User
    properties:
      since: since_year
  WORKS_AT:
    table: employment
    source_column: employee_id
    target_column: employer_id
    endpoints:
      - source: User
        target: Company
    denormalized:
      target:
        name: employer_name
`

func newTestCompiler(t *testing.T, opts Options) (*Compiler, *schema.Registry) {
	t.Helper()
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	reg := schema.NewRegistry()
	_, err = reg.Register(s)
	require.NoError(t, err)
	c, err := New(reg, opts)
	require.NoError(t, err)
	return c, reg
}

func compileSQL(t *testing.T, c *Compiler, query string) *CompiledQuery {
	t.Helper()
	out, err := c.Compile(query, "social")
	require.NoError(t, err)
	return out
}

func TestCompileSimpleScan(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH (u:User) WHERE u.age > 30 RETURN u.name AS name ORDER BY name LIMIT 10")

	assert.Equal(t, []string{"name"}, out.Columns)
	assert.Empty(t, out.Params)
	goldie.New(t).Assert(t, "simple_scan", []byte(out.SQL))
}

func TestCompileDenormalizedEndpointSkipsNodeJoin(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH (u:User)-[:WORKS_AT]->(c:Company) RETURN u.name, c.name")

	// Every property of c is embedded on the edge row, so the companies
	// table never joins.
	assert.False(t, strings.Contains(out.SQL, "companies"))
	assert.Equal(t, []string{"u.name", "c.name"}, out.Columns)
	goldie.New(t).Assert(t, "denormalized_endpoint", []byte(out.SQL))
}

func TestCompileVariableLengthTraversal(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH (a:User)-[r:KNOWS*1..2]->(b:User) RETURN b.name")

	assert.Contains(t, out.SQL, "WITH RECURSIVE")
	assert.Contains(t, out.SQL, "SETTINGS max_recursive_cte_evaluation_depth = 11")
	goldie.New(t).Assert(t, "variable_length", []byte(out.SQL))
}

func TestCompileShortestPath(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH p = shortestPath((a:User)-[r:KNOWS*1..4]->(b:User)) RETURN a.name, b.name, length(p)")

	assert.Contains(t, out.SQL, "ROW_NUMBER() OVER (PARTITION BY start_id, end_id ORDER BY hop_count ASC)")
	assert.Contains(t, out.SQL, "path_r_ranked")
	assert.Contains(t, out.SQL, "r.path_rank = 1")
	assert.Contains(t, out.SQL, "r.hop_count")
}

func TestCompileJoinCountTracksHops(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})

	one := compileSQL(t, c, "MATCH (a:User)-[:KNOWS]->(b:User) RETURN a.name, b.name")
	two := compileSQL(t, c, "MATCH (a:User)-[:KNOWS]->(b:User)-[:KNOWS]->(c:User) RETURN a.name, c.name")

	// One edge join plus one endpoint join per hop.
	assert.Equal(t, 2, strings.Count(one.SQL, "JOIN "))
	assert.Equal(t, 4, strings.Count(two.SQL, "JOIN "))
}

func TestCompileOptionalMatchUsesLeftJoin(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH (a:User) OPTIONAL MATCH (a)-[:KNOWS]->(b:User) RETURN a.name, b.name")
	assert.Contains(t, out.SQL, "LEFT JOIN")
}

func TestCompileParamsInPlaceholderOrder(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out := compileSQL(t, c, "MATCH (u:User) WHERE u.age > $min AND u.age < $max RETURN u.name AS name")

	assert.Equal(t, []string{"min", "max"}, out.Params)
	assert.Equal(t, 2, strings.Count(out.SQL, "?"))
}

func TestCompileWithAliasColumnParity(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})

	direct := compileSQL(t, c, "MATCH (a:User) RETURN a")
	renamed := compileSQL(t, c, "MATCH (a:User) WITH a AS p RETURN p")

	assert.Equal(t, direct.Columns, renamed.Columns)
}

func TestCompileIsDeterministic(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	q := "MATCH (a:User)-[:KNOWS]->(b:User) WHERE a.age > $min RETURN b.name ORDER BY b.name"

	first := compileSQL(t, c, q)
	second := compileSQL(t, c, q)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Params, second.Params)
}

func TestCompileCacheHitAndIsolation(t *testing.T) {
	c, _ := newTestCompiler(t, Options{CacheSize: 16})
	q := "MATCH (u:User) RETURN u.name AS name"

	first, err := c.CompileRequest(Request{Query: q, Schema: "social"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.CacheLen())

	// Whitespace-normalized repeat hits the same template.
	second, err := c.CompileRequest(Request{Query: "MATCH  (u:User)\nRETURN u.name AS name", Schema: "social"})
	require.NoError(t, err)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, 1, c.CacheLen())

	// A different tenant compiles its own template.
	_, err = c.CompileRequest(Request{Query: q, Schema: "social", Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 2, c.CacheLen())
}

func TestCompileCacheDistinguishesStringLiterals(t *testing.T) {
	c, _ := newTestCompiler(t, Options{CacheSize: 16})

	wide := compileSQL(t, c, "MATCH (u:User) WHERE u.name = 'a  b' RETURN u.name AS name")
	narrow := compileSQL(t, c, "MATCH (u:User) WHERE u.name = 'a b' RETURN u.name AS name")

	assert.NotEqual(t, wide.SQL, narrow.SQL)
	assert.Contains(t, wide.SQL, "'a  b'")
	assert.Contains(t, narrow.SQL, "'a b'")
	assert.Equal(t, 2, c.CacheLen())
}

func TestCompileSchemaReloadMissesCache(t *testing.T) {
	c, reg := newTestCompiler(t, Options{CacheSize: 16})
	q := "MATCH (u:User) RETURN u.name AS name"

	_, err := c.Compile(q, "social")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CacheLen())

	// Re-registering bumps the snapshot version, so the old template is
	// unreachable and the query compiles fresh.
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	_, err = reg.Register(s)
	require.NoError(t, err)

	_, err = c.Compile(q, "social")
	require.NoError(t, err)
	assert.Equal(t, 2, c.CacheLen())
}

func TestCompileSyntaxError(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	_, err := c.Compile("MATCH (u:User RETURN u", "social")
	var se *SyntaxError
	assert.True(t, errors.As(err, &se))
}

func TestCompileUnknownLabel(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	_, err := c.Compile("MATCH (g:Ghost) RETURN g", "social")
	var sre *SchemaResolutionError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "label", sre.Kind)
}

func TestCompileUnknownSchema(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	_, err := c.Compile("MATCH (u:User) RETURN u", "missing")
	assert.Error(t, err)
}

func TestCompileVlpTransitivityError(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	_, err := c.Compile("MATCH (a:User)-[:WORKS_AT*2..3]->(b:Company) RETURN b", "social")
	var vte *VlpTransitivityError
	require.ErrorAs(t, err, &vte)
	assert.Equal(t, "WORKS_AT", vte.RelType)
}

func TestCompileCartesianProductPolicy(t *testing.T) {
	strict, _ := newTestCompiler(t, Options{})
	_, err := strict.Compile("MATCH (a:User), (b:Company) RETURN a.name, b.name", "social")
	var dpe *DisconnectedPatternError
	require.ErrorAs(t, err, &dpe)

	relaxed, _ := newTestCompiler(t, Options{AllowCartesianProduct: true})
	out := compileSQL(t, relaxed, "MATCH (a:User), (b:Company) RETURN a.name, b.name")
	assert.Contains(t, out.SQL, "CROSS JOIN")
}

func TestExplainShowsPlanTree(t *testing.T) {
	c, _ := newTestCompiler(t, Options{})
	out, err := c.Explain("MATCH (u:User)-[:KNOWS]->(v:User) RETURN u.name", "social")
	require.NoError(t, err)
	assert.Contains(t, out, "Projection")
	assert.Contains(t, out, "ViewScan")
}
