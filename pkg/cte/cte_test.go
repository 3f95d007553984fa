package cte

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugin/pkg/cypher"
	"github.com/orneryd/hugin/pkg/plan"
	"github.com/orneryd/hugin/pkg/schema"
	"github.com/orneryd/hugin/pkg/sqlgen"
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
    dedup_on_read: true
    endpoints:
      - source: User
        target: User
    properties:
      since: since_year
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

// synthFor builds the plan for query, finds its variable-length traversal
// and synthesizes it with the given hop ceiling.
func synthFor(t *testing.T, query string, maxHops int) (*Traversal, *plan.Plan) {
	t.Helper()
	q, err := cypher.NewParser().Parse(query)
	require.NoError(t, err)
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	p, err := plan.Build(q, s, plan.BuildOptions{})
	require.NoError(t, err)

	var gr *plan.GraphRel
	plan.Walk(p.Root, func(n plan.Node) {
		if g, ok := n.(*plan.GraphRel); ok && g.VarLength != nil {
			gr = g
		}
	})
	require.NotNil(t, gr)

	syn := &Synthesizer{Schema: s, MaxHops: maxHops, Params: &sqlgen.Params{}}
	tr, err := syn.Synthesize(gr, varsByAlias(p))
	require.NoError(t, err)
	return tr, p
}

func varsByAlias(p *plan.Plan) map[string]*plan.TypedVariable {
	out := map[string]*plan.TypedVariable{}
	for _, v := range p.Ctx.Vars() {
		out[v.Alias] = v
	}
	return out
}

func TestSynthesizeSingleHopIsNotRecursive(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (a:User)-[r:KNOWS*1..1]->(b:User) RETURN b", 10)

	assert.Equal(t, "path_r", tr.Name)
	assert.Empty(t, tr.RankedName)
	assert.Equal(t, "path_r", tr.ConsumptionName())
	require.Len(t, tr.Defs, 1)

	base := tr.Defs[0]
	assert.False(t, base.Recursive)
	assert.Empty(t, base.Select.Union)

	cols := base.Select.Columns
	require.Len(t, cols, 4)
	assert.Equal(t, plan.ColStartID, cols[0].Alias)
	assert.Equal(t, "e.src_user_id", cols[0].Expr)
	assert.Equal(t, plan.ColEndID, cols[1].Alias)
	assert.Equal(t, plan.ColHopCount, cols[2].Alias)
	assert.Equal(t, "1", cols[2].Expr)
	assert.Equal(t, plan.ColPathNodes, cols[3].Alias)

	assert.Equal(t, "user_knows", base.Select.From.Table)
	assert.True(t, base.Select.From.Final)
	assert.Nil(t, tr.ConsumptionConditions("v"))
}

func TestSynthesizeBoundedRangeAddsRecursiveBranch(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (a:User)-[r:KNOWS*2..4]->(b:User) RETURN b", 10)

	require.Len(t, tr.Defs, 1)
	base := tr.Defs[0]
	assert.True(t, base.Recursive)
	require.Len(t, base.Select.Union, 1)

	rec := base.Select.Union[0]
	assert.Equal(t, "path_r", rec.From.Table)
	assert.Equal(t, "p." + plan.ColStartID, rec.Columns[0].Expr)
	assert.Equal(t, "p." + plan.ColHopCount + " + 1", rec.Columns[2].Expr)
	assert.Contains(t, rec.Columns[3].Expr, "arrayConcat(p." + plan.ColPathNodes)
	assert.Contains(t, rec.Where, "NOT has(p." + plan.ColPathNodes + ", e.dst_user_id)")
	assert.Contains(t, rec.Where, "p." + plan.ColHopCount + " < 4")

	// The minimum hop bound applies where the CTE is consumed, not inside it.
	assert.Equal(t, []string{"v." + plan.ColHopCount + " >= 2"}, tr.ConsumptionConditions("v"))
}

func TestSynthesizeOpenRangeUsesHopCeiling(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (a:User)-[r:KNOWS*2..]->(b:User) RETURN b", 7)

	assert.Equal(t, 7, tr.MaxHops)
	rec := tr.Defs[0].Select.Union[0]
	assert.Contains(t, rec.Where, "p." + plan.ColHopCount + " < 7")
}

func TestSynthesizeUndirectedDoublesBranches(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (a:User)-[r:KNOWS*1..2]-(b:User) RETURN b", 10)

	// Two base arms (forward and reverse orientation), two recursive arms.
	base := tr.Defs[0]
	require.Len(t, base.Select.Union, 3)
	assert.Equal(t, "e.src_user_id", base.Select.Columns[0].Expr)
	assert.Equal(t, "e.dst_user_id", base.Select.Union[0].Columns[0].Expr)
}

func TestSynthesizeMultiTypeEndFansOutPerLabel(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (u:User)-[r:LINKED*1..2]->(x) RETURN x", 10)

	assert.True(t, tr.MultiType)
	base := tr.Defs[0]
	// One base arm and one recursive arm per end label.
	require.Len(t, base.Select.Union, 3)

	cols := base.Select.Columns
	require.Len(t, cols, 6)
	assert.Equal(t, plan.ColEndType, cols[4].Alias)
	assert.Equal(t, "'Company'", cols[4].Expr)
	assert.Equal(t, plan.ColEndProperties, cols[5].Alias)
	assert.Contains(t, cols[5].Expr, "toJSONString(map(")

	// The end node table joins in to serialize its properties.
	require.Len(t, base.Select.Joins, 1)
	assert.Equal(t, "companies", base.Select.Joins[0].Table.Table)
}

func TestSynthesizePinnedEndLabelPrunesBranches(t *testing.T) {
	tr, _ := synthFor(t, "MATCH (u:User)-[r:LINKED*1..2]->(x:Company) RETURN x", 10)

	assert.False(t, tr.MultiType)
	base := tr.Defs[0]
	require.Len(t, base.Select.Union, 1)
	assert.Len(t, base.Select.Columns, 4)
}

func TestSynthesizeShortestPathAddsRankedCTE(t *testing.T) {
	tr, _ := synthFor(t, "MATCH p = shortestPath((a:User)-[r:KNOWS*1..5]->(b:User)) RETURN p", 10)

	assert.Equal(t, "path_r_ranked", tr.RankedName)
	assert.Equal(t, "path_r_ranked", tr.ConsumptionName())
	require.Len(t, tr.Defs, 2)

	ranked := tr.Defs[1]
	assert.Equal(t, "path_r_ranked", ranked.Name)
	assert.Equal(t, "path_r", ranked.Select.From.Table)
	last := ranked.Select.Columns[len(ranked.Select.Columns)-1]
	assert.Equal(t, plan.ColPathRank, last.Alias)
	assert.Contains(t, last.Expr, "ROW_NUMBER() OVER (PARTITION BY " + plan.ColStartID)

	assert.Equal(t, []string{"v." + plan.ColPathRank + " = 1"}, tr.ConsumptionConditions("v"))
}

func TestSynthesizeAllShortestPathsRanksByMinHops(t *testing.T) {
	tr, _ := synthFor(t, "MATCH p = allShortestPaths((a:User)-[r:KNOWS*2..5]->(b:User)) RETURN p", 10)

	ranked := tr.Defs[1]
	last := ranked.Select.Columns[len(ranked.Select.Columns)-1]
	assert.Equal(t, plan.ColMinHops, last.Alias)
	assert.Contains(t, last.Expr, "MIN(" + plan.ColHopCount + ") OVER")
	// Sub-minimum paths drop before ranking so they cannot shadow valid ones.
	assert.Equal(t, plan.ColHopCount + " >= 2", ranked.Select.Where)
	assert.Equal(t, []string{"v." + plan.ColHopCount + " = v." + plan.ColMinHops}, tr.ConsumptionConditions("v"))
}

func TestSynthesizeSplitsTraversalFilters(t *testing.T) {
	q, err := cypher.NewParser().Parse("MATCH (a:User)-[r:KNOWS*1..3]->(b:User) RETURN b")
	require.NoError(t, err)
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	p, err := plan.Build(q, s, plan.BuildOptions{})
	require.NoError(t, err)

	var gr *plan.GraphRel
	plan.Walk(p.Root, func(n plan.Node) {
		if g, ok := n.(*plan.GraphRel); ok && g.VarLength != nil {
			gr = g
		}
	})
	require.NotNil(t, gr)
	gr.Where = &cypher.Binary{
		Op: "AND",
		Left: &cypher.Binary{
			Op:   "AND",
			Left: &cypher.Binary{Op: ">", Left: &cypher.PropertyRef{Alias: "a", Property: "age"}, Right: &cypher.Literal{Value: 30}},
			Right: &cypher.Binary{Op: ">", Left: &cypher.PropertyRef{Alias: "r", Property: "since"}, Right: &cypher.Literal{Value: 2000}},
		},
		Right: &cypher.Binary{Op: "<", Left: &cypher.PropertyRef{Alias: "b", Property: "age"}, Right: &cypher.Literal{Value: 50}},
	}

	syn := &Synthesizer{Schema: s, MaxHops: 10, Params: &sqlgen.Params{}}
	tr, err := syn.Synthesize(gr, varsByAlias(p))
	require.NoError(t, err)

	// The end-node conjunct must only see terminal rows, so it stays outside.
	require.Len(t, tr.OuterFilters, 1)
	outerAliases := cypher.ExprAliases(tr.OuterFilters[0])
	assert.Equal(t, []string{"b"}, outerAliases)

	base := tr.Defs[0].Select
	assert.Contains(t, base.Where, "s.age")
	assert.Contains(t, base.Where, "e.since_year")
	require.Len(t, base.Joins, 1)
	assert.Equal(t, "users", base.Joins[0].Table.Table)

	rec := base.Union[0]
	assert.Contains(t, rec.Where, "e.since_year")
	assert.False(t, strings.Contains(rec.Where, "s.age"))
}

func TestSynthesizeRejectsFixedLengthRelationship(t *testing.T) {
	s, err := schema.Load([]byte(testSchemaYAML))
	require.NoError(t, err)
	syn := &Synthesizer{Schema: s, MaxHops: 10, Params: &sqlgen.Params{}}
	_, err = syn.Synthesize(&plan.GraphRel{Alias: "r"}, nil)
	assert.Error(t, err)
}
