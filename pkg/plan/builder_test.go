package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugin/pkg/cypher"
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
  LINKED:
    table: links
    source_column: src_id
    target_column: dst_id
    endpoints:
      - source: User
        target: User
      - source: User
        target: Company
`

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	return s
}

func buildPlan(t *testing.T, query string, opts BuildOptions) (*Plan, error) {
	t.Helper()
	q, err := cypher.NewParser().Parse(query)
	require.NoError(t, err)
	return Build(q, testSchema(t), opts)
}

func mustBuild(t *testing.T, query string) *Plan {
	t.Helper()
	p, err := buildPlan(t, query, BuildOptions{})
	require.NoError(t, err)
	return p
}

func TestBuildSimpleMatchResolvesScan(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User) RETURN u.name")

	proj, ok := p.Root.(*Projection)
	require.True(t, ok)
	gn, ok := proj.Input.(*GraphNode)
	require.True(t, ok)
	vs, ok := gn.Input.(*ViewScan)
	require.True(t, ok)
	assert.Equal(t, "users", vs.Table)
	assert.Equal(t, "User", vs.Label)

	v, ok := p.Ctx.Lookup("u")
	require.True(t, ok)
	assert.Equal(t, KindNode, v.Kind)
	require.NotNil(t, v.NodeMapping)
	assert.Equal(t, "user_id", v.NodeMapping.IDColumn)
}

func TestBuildInfersSingleLabelFromRelationship(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User)-[:WORKS_AT]->(c) RETURN c.name")

	v, ok := p.Ctx.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, []string{"Company"}, v.Labels)
	assert.False(t, v.MultiType)
	require.NotNil(t, v.NodeMapping)
	assert.Equal(t, "companies", v.NodeMapping.Table)
}

func TestBuildMarksAmbiguousEndpointMultiType(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User)-[:LINKED]->(x) RETURN x")

	v, ok := p.Ctx.Lookup("x")
	require.True(t, ok)
	assert.True(t, v.MultiType)
	assert.Equal(t, SourceUnion, v.Source.Kind)
	assert.Equal(t, []string{"Company", "User"}, v.Labels)
}

func TestBuildRejectsDisconnectedPatterns(t *testing.T) {
	_, err := buildPlan(t, "MATCH (a:User), (b:Company) RETURN a, b", BuildOptions{})
	var dpe *DisconnectedPatternError
	require.ErrorAs(t, err, &dpe)
	assert.Contains(t, dpe.Error(), "cartesian")

	p, err := buildPlan(t, "MATCH (a:User), (b:Company) RETURN a, b", BuildOptions{AllowCartesianProduct: true})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestBuildRejectsUnknownRelationshipType(t *testing.T) {
	_, err := buildPlan(t, "MATCH (a:User)-[:GHOSTED]->(b) RETURN a", BuildOptions{})
	var sre *SchemaResolutionError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "relationship", sre.Kind)
	assert.Equal(t, "GHOSTED", sre.Name)
}

func TestBuildRejectsUntypedRelationship(t *testing.T) {
	_, err := buildPlan(t, "MATCH (a:User)-[r]->(b:User) RETURN a", BuildOptions{})
	var sre *SchemaResolutionError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "relationship", sre.Kind)
}

func TestBuildRejectsUnboundAliasInWhere(t *testing.T) {
	_, err := buildPlan(t, "MATCH (a:User) WHERE ghost.age > 1 RETURN a", BuildOptions{})
	var uae *UnresolvedAliasError
	require.ErrorAs(t, err, &uae)
	assert.Equal(t, "ghost", uae.Alias)
}

func TestWithBoundaryCreatesCTEAndResetsScope(t *testing.T) {
	p := mustBuild(t, "MATCH (a:User) WITH a AS person RETURN person.name")

	// The final horizon's pattern leaf is the With boundary.
	proj := p.Root.(*Projection)
	w, ok := proj.Input.(*With)
	require.True(t, ok)
	assert.Equal(t, "with_person_0", w.CTEName)
	require.Len(t, w.Exports, 1)
	assert.Equal(t, "person", w.Exports[0].Alias)
	assert.Equal(t, KindNode, w.Exports[0].Kind)
	assert.Equal(t, SourceCTE, w.Exports[0].Source.Kind)
	require.NotNil(t, w.Exports[0].NodeMapping)

	// Post-WITH horizon only sees the exports.
	_, ok = p.Ctx.Lookup("a")
	assert.False(t, ok)
	_, ok = p.Ctx.Lookup("person")
	assert.True(t, ok)
}

func TestWithCTENameSortsExportedAliases(t *testing.T) {
	p := mustBuild(t, "MATCH (b:User)-[:KNOWS]->(a:User) WITH b, a RETURN a.name, b.name")
	proj := p.Root.(*Projection)
	w := proj.Input.(*With)
	assert.Equal(t, "with_a_b_0", w.CTEName)
}

func TestAliasPastWithMustBeExported(t *testing.T) {
	_, err := buildPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) WITH a RETURN b.name", BuildOptions{})
	var uae *UnresolvedAliasError
	require.ErrorAs(t, err, &uae)
	assert.Equal(t, "b", uae.Alias)
}

func TestAggregationBuildsGroupBy(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User) RETURN u.age, count(*) AS n")

	gb, ok := p.Root.(*GroupBy)
	require.True(t, ok)
	require.Len(t, gb.Items, 2)
	require.Len(t, gb.Keys, 1)
	pr, ok := gb.Keys[0].(*cypher.PropertyRef)
	require.True(t, ok)
	assert.Equal(t, "age", pr.Property)
}

func TestOrderByAcceptsProjectionOutputName(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User) RETURN u.age, count(*) AS n ORDER BY n DESC")
	ob, ok := p.Root.(*OrderBy)
	require.True(t, ok)
	require.Len(t, ob.Items, 1)
	assert.True(t, ob.Items[0].Desc)
}

func TestOptionalMatchWrapsOptionalScope(t *testing.T) {
	p := mustBuild(t, "MATCH (a:User) OPTIONAL MATCH (a)-[:KNOWS]->(b:User) WHERE b.age > 30 RETURN a, b")

	var opt *Optional
	walkHorizon(p.Root, func(n Node) {
		if o, ok := n.(*Optional); ok {
			opt = o
		}
	})
	require.NotNil(t, opt)
	assert.Contains(t, opt.Aliases, "b")

	// The optional WHERE narrows the left join, so it lives inside the
	// optional scope, not above it.
	_, isFilter := opt.Input.(*Filter)
	assert.True(t, isFilter)

	v, _ := p.Ctx.Lookup("b")
	assert.True(t, v.Optional)
}

func TestInlinePropertiesBecomeFilters(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User {name: 'alice'}) RETURN u")

	var filter *Filter
	walkHorizon(p.Root, func(n Node) {
		if f, ok := n.(*Filter); ok {
			filter = f
		}
	})
	require.NotNil(t, filter)
	bin, ok := filter.Predicate.(*cypher.Binary)
	require.True(t, ok)
	assert.Equal(t, "=", bin.Op)
	pr := bin.Left.(*cypher.PropertyRef)
	assert.Equal(t, "u", pr.Alias)
	assert.Equal(t, "name", pr.Property)
}

func TestNamedPathBindsPathVariable(t *testing.T) {
	p := mustBuild(t, "MATCH p = (a:User)-[r:KNOWS*1..3]->(b:User) RETURN p")

	v, ok := p.Ctx.Lookup("p")
	require.True(t, ok)
	assert.Equal(t, KindPath, v.Kind)
	assert.Equal(t, "r", v.PathOf)
}

func TestShortestModeSurvivesPlanning(t *testing.T) {
	p := mustBuild(t, "MATCH p = shortestPath((a:User)-[r:KNOWS*1..5]->(b:User)) RETURN p")

	var gr *GraphRel
	walkHorizon(p.Root, func(n Node) {
		if g, ok := n.(*GraphRel); ok {
			gr = g
		}
	})
	require.NotNil(t, gr)
	require.NotNil(t, gr.VarLength)
	assert.Equal(t, cypher.ShortestSingle, gr.VarLength.Shortest)
	assert.Equal(t, 1, gr.VarLength.MinHops)
	assert.Equal(t, 5, gr.VarLength.MaxHops)
}

func TestReuseAliasAcrossClausesMarksRebind(t *testing.T) {
	p := mustBuild(t, "MATCH (a:User)-[:KNOWS]->(b:User) MATCH (b)-[:KNOWS]->(c:User) RETURN a, c")

	rebinds := 0
	walkHorizon(p.Root, func(n Node) {
		if gn, ok := n.(*GraphNode); ok && gn.Alias == "b" && gn.Rebind {
			rebinds++
		}
	})
	assert.Equal(t, 1, rebinds)
}

func TestPlanStringShowsTree(t *testing.T) {
	p := mustBuild(t, "MATCH (u:User)-[:KNOWS]->(v:User) RETURN u.name")
	out := p.String()
	assert.True(t, strings.Contains(out, "ViewScan"))
	assert.True(t, strings.Contains(out, "GraphRel"))
	assert.True(t, strings.Contains(out, "Projection"))
}

func TestExportColumnContract(t *testing.T) {
	assert.Equal(t, "person_full_name", ExportColumn("person", "full_name"))
	assert.Equal(t, "with_a_b_3", CTEName([]string{"b", "a"}, 3))
}

func TestErrorsSupportErrorsAs(t *testing.T) {
	var err error = &VlpTransitivityError{RelType: "KNOWS", Reason: "no transitive chain"}
	var vte *VlpTransitivityError
	assert.True(t, errors.As(err, &vte))
	assert.Contains(t, err.Error(), "KNOWS")
}
