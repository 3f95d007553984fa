package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const socialYAML = `
name: social
nodes:
  User:
    table: users
    id_column: user_id
    dedup_on_read: true
    properties:
      name: full_name
      age: age
      display: "concat(upper(full_name), ' <', email, '>')"
      email: email
  Company:
    table: companies
    id_column: company_id
    properties:
      name: name
      city: city
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
        city: employer_city
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

func loadSocial(t *testing.T) *Schema {
	t.Helper()
	s, err := Load([]byte(socialYAML))
	require.NoError(t, err)
	return s
}

func TestLoadResolvesLabelsAndRelationships(t *testing.T) {
	s := loadSocial(t)

	user, err := s.ResolveLabel("User")
	require.NoError(t, err)
	assert.Equal(t, "users", user.Table)
	assert.Equal(t, "user_id", user.IDColumn)
	assert.True(t, user.DedupOnRead)

	knows, err := s.ResolveRelationship("KNOWS")
	require.NoError(t, err)
	assert.Equal(t, "src_user_id", knows.SourceColumn)
	assert.Equal(t, "dst_user_id", knows.TargetColumn)

	_, err = s.ResolveLabel("Ghost")
	assert.Error(t, err)
	_, err = s.ResolveRelationship("GHOSTED")
	assert.Error(t, err)
}

func TestPropertyNamesAreSorted(t *testing.T) {
	s := loadSocial(t)
	user, _ := s.ResolveLabel("User")
	assert.Equal(t, []string{"age", "display", "email", "name"}, user.PropertyNames())
}

func TestPlainColumnRender(t *testing.T) {
	s := loadSocial(t)
	user, _ := s.ResolveLabel("User")
	pm := user.Properties["name"]
	require.False(t, pm.IsExpression())
	assert.Equal(t, "u.full_name", pm.Render("u"))
}

func TestExpressionRenderQualifiesOnlyColumns(t *testing.T) {
	s := loadSocial(t)
	user, _ := s.ResolveLabel("User")
	pm := user.Properties["display"]
	require.True(t, pm.IsExpression())

	sql := pm.Render("u")
	assert.Contains(t, sql, "u.full_name")
	assert.Contains(t, sql, "u.email")
	// Function names and string literals stay unqualified.
	assert.Contains(t, sql, "concat(")
	assert.Contains(t, sql, "upper(")
	assert.NotContains(t, sql, "u.concat")
	assert.NotContains(t, sql, "u.upper")
	assert.Contains(t, sql, "' <'")
}

func TestEndpointLabelSets(t *testing.T) {
	s := loadSocial(t)

	knows, _ := s.ResolveRelationship("KNOWS")
	assert.Equal(t, []string{"User"}, knows.SourceLabels())
	assert.Equal(t, []string{"User"}, knows.TargetLabels())
	assert.False(t, knows.MultiTarget())

	linked, _ := s.ResolveRelationship("LINKED")
	assert.Equal(t, []string{"Company", "User"}, linked.TargetLabels())
	assert.True(t, linked.MultiTarget())
	assert.False(t, linked.MultiSource())

	assert.True(t, linked.CanConnect("User", "Company"))
	assert.True(t, linked.CanConnect("", "Company"))
	assert.False(t, linked.CanConnect("Company", "User"))
}

func TestDenormalizedSpecLoads(t *testing.T) {
	s := loadSocial(t)
	works, _ := s.ResolveRelationship("WORKS_AT")
	require.NotNil(t, works.Denormalized)
	assert.Equal(t, "employer_name", works.Denormalized.TargetProperties["name"])
	assert.Equal(t, "employer_city", works.Denormalized.TargetProperties["city"])
	assert.Empty(t, works.Denormalized.SourceProperties)
}

func TestValidateRejectsBrokenSchemas(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", `
nodes:
  User: {table: users, id_column: id}
`},
		{"node without table", `
name: x
nodes:
  User: {id_column: id}
`},
		{"relationship to unknown label", `
name: x
nodes:
  User: {table: users, id_column: id}
relationships:
  KNOWS:
    table: knows
    source_column: a
    target_column: b
    endpoints:
      - source: User
        target: Ghost
`},
		{"relationship without endpoints", `
name: x
nodes:
  User: {table: users, id_column: id}
relationships:
  KNOWS:
    table: knows
    source_column: a
    target_column: b
`},
		{"denormalized unknown property", `
name: x
nodes:
  User: {table: users, id_column: id, properties: {name: name}}
relationships:
  KNOWS:
    table: knows
    source_column: a
    target_column: b
    endpoints:
      - source: User
        target: User
    denormalized:
      target:
        nickname: nick_col
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestPropertyShorthandUsesNameAsColumn(t *testing.T) {
	s, err := Load([]byte(`
name: x
nodes:
  User:
    table: users
    id_column: id
    properties:
      email: ""
`))
	require.NoError(t, err)
	user, _ := s.ResolveLabel("User")
	assert.Equal(t, "u.email", user.Properties["email"].Render("u"))
}

func TestRegistrySnapshotsAreVersioned(t *testing.T) {
	r := NewRegistry()
	s := loadSocial(t)

	snap1, err := r.Register(s)
	require.NoError(t, err)
	require.NotEmpty(t, snap1.Version)

	got, err := r.Get("social")
	require.NoError(t, err)
	assert.Same(t, snap1, got)

	snap2, err := r.Register(s)
	require.NoError(t, err)
	assert.NotEqual(t, snap1.Version, snap2.Version)

	_, err = r.Get("missing")
	assert.Error(t, err)
	assert.Contains(t, r.Names(), "social")
}

func TestRegistryBackgroundRefreshSwapsSnapshots(t *testing.T) {
	r := NewRegistry()
	s := loadSocial(t)
	initial, err := r.Register(s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fresh := loadSocial(t)
	r.StartRefresh(ctx, 5*time.Millisecond, func(ctx context.Context) ([]*Schema, error) {
		return []*Schema{fresh}, nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Get("social")
		require.NoError(t, err)
		if snap.Version != initial.Version {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("refresh never published a new snapshot")
}
