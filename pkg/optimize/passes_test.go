package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
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
  WORKS_AT:
    table: employment
    source_column: employee_id
    target_column: employer_id
    endpoints:
      - source: User
        target: Company
`

func buildTestPlan(t *testing.T, query string) *plan.Plan {
	t.Helper()
	q, err := cypher.NewParser().Parse(query)
	require.NoError(t, err)
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	p, err := plan.Build(q, s, plan.BuildOptions{})
	require.NoError(t, err)
	return p
}

func findFilters(root plan.Node) []*plan.Filter {
	var out []*plan.Filter
	plan.Walk(root, func(n plan.Node) {
		if f, ok := n.(*plan.Filter); ok {
			out = append(out, f)
		}
	})
	return out
}

func findViewScan(root plan.Node, alias string) *plan.ViewScan {
	var out *plan.ViewScan
	plan.Walk(root, func(n plan.Node) {
		if vs, ok := n.(*plan.ViewScan); ok && vs.Alias == alias {
			out = vs
		}
	})
	return out
}

func TestPushFiltersIntoViewScan(t *testing.T) {
	p := buildTestPlan(t, "MATCH (u:User) WHERE u.age > 30 RETURN u.name")
	out, err := PushFilters(p)
	require.NoError(t, err)

	vs := findViewScan(out.Root, "u")
	require.NotNil(t, vs)
	require.NotNil(t, vs.Filter)
	assert.Empty(t, findFilters(out.Root))
}

func TestPushFiltersKeepsMultiAliasPredicates(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) WHERE a.age > b.age RETURN a")
	out, err := PushFilters(p)
	require.NoError(t, err)

	filters := findFilters(out.Root)
	require.Len(t, filters, 1)
	vs := findViewScan(out.Root, "a")
	assert.Nil(t, vs.Filter)
}

func TestPushFiltersOntoVariableLengthTraversal(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS*1..3]->(b:User) WHERE a.age > 30 RETURN b")
	out, err := PushFilters(p)
	require.NoError(t, err)

	var gr *plan.GraphRel
	plan.Walk(out.Root, func(n plan.Node) {
		if g, ok := n.(*plan.GraphRel); ok && g.VarLength != nil {
			gr = g
		}
	})
	require.NotNil(t, gr)
	require.NotNil(t, gr.Where)
	// The start filter moved onto the traversal; the endpoint scans stay
	// unfiltered.
	assert.Nil(t, findViewScan(out.Root, "a").Filter)
}

func TestRemoveDuplicateScansKeepsRequiredOccurrence(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) MATCH (b)-[:KNOWS]->(c:User) RETURN a, c")
	out, err := RemoveDuplicateScans(p)
	require.NoError(t, err)

	bound := 0
	plan.Walk(out.Root, func(n plan.Node) {
		if gn, ok := n.(*plan.GraphNode); ok && gn.Alias == "b" && !gn.Rebind {
			bound++
		}
	})
	assert.Equal(t, 1, bound)
}

func TestMaterializeAnchorCommitsFromAlias(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) RETURN a, b")
	out, err := MaterializeAnchor(p)
	require.NoError(t, err)
	assert.Equal(t, "a", out.Anchor)
	// The input plan is untouched.
	assert.Empty(t, p.Anchor)
}

func TestVlpTransitivityAcceptsSelfChainingType(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS*2..4]->(b:User) RETURN b")
	_, err := CheckVlpTransitivity(p)
	assert.NoError(t, err)
}

func TestVlpTransitivityRejectsNonChainingType(t *testing.T) {
	// WORKS_AT goes User->Company only; two mandatory hops cannot chain.
	p := buildTestPlan(t, "MATCH (a:User)-[:WORKS_AT*2..3]->(b:Company) RETURN b")
	_, err := CheckVlpTransitivity(p)
	var vte *plan.VlpTransitivityError
	require.ErrorAs(t, err, &vte)
	assert.Equal(t, "WORKS_AT", vte.RelType)
}

func TestVlpTransitivityRejectsWrongStartLabel(t *testing.T) {
	p := buildTestPlan(t, "MATCH (c:Company)-[:KNOWS*1..2]->(b:User) RETURN b")
	_, err := CheckVlpTransitivity(p)
	var vte *plan.VlpTransitivityError
	require.ErrorAs(t, err, &vte)
	assert.Equal(t, "Company", vte.SourceLabel)
}

func TestVlpTransitivitySingleHopNeedsNoChainLabel(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:WORKS_AT*1..1]->(b:Company) RETURN b")
	_, err := CheckVlpTransitivity(p)
	assert.NoError(t, err)
}

func TestUniquenessInjectsIdInequalityForChainedSameType(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User)-[:KNOWS]->(c:User) RETURN c")
	out, err := EnforcePatternUniqueness(p)
	require.NoError(t, err)

	var found *cypher.Binary
	for _, f := range findFilters(out.Root) {
		cypher.WalkExpr(f.Predicate, func(e cypher.Expr) {
			if b, ok := e.(*cypher.Binary); ok && b.Op == "<>" {
				found = b
			}
		})
	}
	require.NotNil(t, found)
	left, ok := found.Left.(*cypher.FuncCall)
	require.True(t, ok)
	assert.Equal(t, "id", left.Name)
}

func TestUniquenessSkipsSeparateMatchClauses(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) MATCH (b)-[:KNOWS]->(c:User) RETURN c")
	out, err := EnforcePatternUniqueness(p)
	require.NoError(t, err)

	for _, f := range findFilters(out.Root) {
		cypher.WalkExpr(f.Predicate, func(e cypher.Expr) {
			if b, ok := e.(*cypher.Binary); ok {
				assert.NotEqual(t, "<>", b.Op)
			}
		})
	}
}

func TestUniquenessSkipsDifferentTypes(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User)-[:WORKS_AT]->(c:Company) RETURN c")
	out, err := EnforcePatternUniqueness(p)
	require.NoError(t, err)
	assert.Empty(t, findFilters(out.Root))
}

func TestDefaultPipelineRunsCleanly(t *testing.T) {
	p := buildTestPlan(t, "MATCH (a:User)-[:KNOWS]->(b:User) WHERE a.age > $min RETURN b.name")
	out, err := Run(p, Default())
	require.NoError(t, err)
	assert.Equal(t, "a", out.Anchor)
}
