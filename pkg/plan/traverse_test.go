package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planFor(t *testing.T, query string) *Traversal {
	t.Helper()
	p := mustBuild(t, query)
	tr, err := PlanTraversal(p.Root, p.Ctx.Vars())
	require.NoError(t, err)
	return tr
}

func TestTraversalAnchorsFirstRequiredAlias(t *testing.T) {
	tr := planFor(t, "MATCH (a:User)-[:KNOWS]->(b:User) RETURN a, b")
	assert.Equal(t, "a", tr.Anchor)
	require.Len(t, tr.Steps, 1)
	assert.Equal(t, "a", tr.Steps[0].From)
	assert.Equal(t, "b", tr.Steps[0].To)
	assert.False(t, tr.Steps[0].ToBound)
}

func TestTraversalJoinCountsMatchHopCount(t *testing.T) {
	// N required hops means N relationship steps and N+1 node joins.
	tests := []struct {
		query string
		hops  int
	}{
		{"MATCH (a:User)-[:KNOWS]->(b:User) RETURN a", 1},
		{"MATCH (a:User)-[:KNOWS]->(b:User)-[:KNOWS]->(c:User) RETURN a", 2},
		{"MATCH (a:User)-[:KNOWS]->(b:User)-[:KNOWS]->(c:User)-[:KNOWS]->(d:User) RETURN a", 3},
	}
	for _, tt := range tests {
		tr := planFor(t, tt.query)
		assert.Len(t, tr.Steps, tt.hops, tt.query)
		assert.Equal(t, tt.hops+1, tr.NodeJoinCount(), tt.query)
	}
}

func TestTraversalRequiredAliasBeatsOptionalAnchor(t *testing.T) {
	tr := planFor(t, "MATCH (a:User) OPTIONAL MATCH (a)-[:KNOWS]->(b:User) RETURN a, b")
	assert.Equal(t, "a", tr.Anchor)
}

func TestTraversalSingleTypeAliasBeatsMultiTypeAnchor(t *testing.T) {
	// x is multi-type (LINKED targets User or Company); the concrete alias
	// anchors even though x appears in the same pattern.
	tr := planFor(t, "MATCH (u:User)-[:LINKED]->(x) RETURN u, x")
	assert.Equal(t, "u", tr.Anchor)
}

func TestTraversalCycleClosesWithBoundStep(t *testing.T) {
	tr := planFor(t, "MATCH (a:User)-[:KNOWS]->(b:User)-[:KNOWS]->(a) RETURN a, b")
	require.Len(t, tr.Steps, 2)
	assert.False(t, tr.Steps[0].ToBound)
	assert.True(t, tr.Steps[1].ToBound)
	// Both endpoints already joined: only two node joins total.
	assert.Equal(t, 2, tr.NodeJoinCount())
}

func TestTraversalReversedStepWhenOnlyTargetIsBound(t *testing.T) {
	// c is reached first through the required chain; the incoming edge from
	// d must traverse target-to-source.
	tr := planFor(t, "MATCH (a:User)-[:KNOWS]->(b:User) MATCH (d:User)-[:KNOWS]->(b) RETURN a, d")
	require.Len(t, tr.Steps, 2)
	second := tr.Steps[1]
	assert.True(t, second.Reversed)
	assert.Equal(t, "b", second.From)
	assert.Equal(t, "d", second.To)
}

func TestTraversalExtraAnchorsForAllowedCartesian(t *testing.T) {
	p, err := buildPlan(t, "MATCH (a:User), (b:Company) RETURN a, b", BuildOptions{AllowCartesianProduct: true})
	require.NoError(t, err)
	tr, err := PlanTraversal(p.Root, p.Ctx.Vars())
	require.NoError(t, err)
	assert.Equal(t, "a", tr.Anchor)
	assert.Equal(t, []string{"b"}, tr.ExtraAnchors)
}

func TestTraversalRequiredEdgesJoinBeforeOptional(t *testing.T) {
	tr := planFor(t, "MATCH (a:User)-[:KNOWS]->(b:User) OPTIONAL MATCH (a)-[:WORKS_AT]->(c:Company) RETURN a, b, c")
	require.Len(t, tr.Steps, 2)
	assert.False(t, tr.Steps[0].Rel.Optional)
	assert.True(t, tr.Steps[1].Rel.Optional)
}
