// Package optimize holds the composable plan rewrites that run between plan
// construction and rendering. Every pass is a pure plan→plan transform: the
// input tree is never mutated, so a cached or shared plan can be re-run
// through any pass safely.
package optimize

import (
	"github.com/orneryd/hugin/pkg/plan"
)

// Pass is one named plan rewrite.
type Pass struct {
	Name  string
	Apply func(*plan.Plan) (*plan.Plan, error)
}

// Default returns the standard pass pipeline in execution order.
func Default() []Pass {
	return []Pass{
		{Name: "uniqueness", Apply: EnforcePatternUniqueness},
		{Name: "pushdown", Apply: PushFilters},
		{Name: "dedup-scans", Apply: RemoveDuplicateScans},
		{Name: "vlp-transitivity", Apply: CheckVlpTransitivity},
		{Name: "anchor", Apply: MaterializeAnchor},
	}
}

// Run applies passes in order.
func Run(p *plan.Plan, passes []Pass) (*plan.Plan, error) {
	var err error
	for _, pass := range passes {
		p, err = pass.Apply(p)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}
