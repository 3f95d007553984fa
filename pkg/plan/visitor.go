package plan

import "fmt"

// RewriteFunc transforms one node. Returning the input unchanged is the
// no-op; returning a new node replaces it.
type RewriteFunc func(Node) (Node, error)

// Rewrite applies fn to the tree bottom-up: children are rebuilt first, then
// fn runs on the (possibly rebuilt) parent. Every optimizer pass reuses this
// one traversal instead of matching over all node kinds itself.
//
// Rebuilding copies nodes, so a pass never mutates the tree it was given;
// shared subtrees from earlier compilations are safe.
func Rewrite(n Node, fn RewriteFunc) (Node, error) {
	if n == nil {
		return nil, nil
	}
	var rebuilt Node
	switch v := n.(type) {
	case *Scan:
		c := *v
		rebuilt = &c
	case *ViewScan:
		c := *v
		rebuilt = &c
	case *GraphNode:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *GraphRel:
		left, err := Rewrite(v.Left, fn)
		if err != nil {
			return nil, err
		}
		right, err := Rewrite(v.Right, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Left = left
		c.Right = right
		rebuilt = &c
	case *PatternJoin:
		left, err := Rewrite(v.Left, fn)
		if err != nil {
			return nil, err
		}
		right, err := Rewrite(v.Right, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Left = left
		c.Right = right
		rebuilt = &c
	case *Filter:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *Projection:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *GroupBy:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *OrderBy:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *Limit:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *With:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	case *Optional:
		input, err := Rewrite(v.Input, fn)
		if err != nil {
			return nil, err
		}
		c := *v
		c.Input = input
		rebuilt = &c
	default:
		return nil, fmt.Errorf("rewrite: unknown plan node %T", n)
	}
	return fn(rebuilt)
}

// Walk visits every node top-down without rebuilding.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch v := n.(type) {
	case *GraphNode:
		Walk(v.Input, fn)
	case *GraphRel:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *PatternJoin:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *Filter:
		Walk(v.Input, fn)
	case *Projection:
		Walk(v.Input, fn)
	case *GroupBy:
		Walk(v.Input, fn)
	case *OrderBy:
		Walk(v.Input, fn)
	case *Limit:
		Walk(v.Input, fn)
	case *With:
		Walk(v.Input, fn)
	case *Optional:
		Walk(v.Input, fn)
	}
}
