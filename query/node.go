// Package query compiles lookup expressions into the wire query language.
//
// Filters are trees of Q leaf sets combined with And, Or and Not. A Q key is
// a lookup: field path segments and an optional operator separated by "__",
// e.g. "author__name__startswith" or "age__not__gt". Compiling resolves
// attribute names to storage names through the schema and prepares each
// operand with the target field, so the output is ready for the driver.
package query

import (
	"maps"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Node is a filter expression. Nodes are immutable values; combining them
// always builds a new tree.
type Node interface {
	isNode()
}

// Q is a set of lookups that must all hold. Combinators and query sets copy
// a Q when they take it, so changing the map afterwards has no effect on
// them.
type Q map[string]interface{}

func (Q) isNode() {}

type andNode struct{ children []Node }
type orNode struct{ children []Node }
type notNode struct{ child Node }
type rawNode struct{ doc bson.D }

func (andNode) isNode() {}
func (orNode) isNode()  {}
func (notNode) isNode() {}
func (rawNode) isNode() {}

// And requires every child to hold. Nil children are skipped.
func And(nodes ...Node) Node {
	children := compact(nodes)
	if len(children) == 1 {
		return children[0]
	}
	return andNode{children: children}
}

// Or requires at least one child to hold. Nil children are skipped.
func Or(nodes ...Node) Node {
	children := compact(nodes)
	if len(children) == 1 {
		return children[0]
	}
	return orNode{children: children}
}

// Not negates a node
func Not(n Node) Node {
	switch v := n.(type) {
	case notNode:
		return v.child
	case Q:
		return notNode{child: v.clone()}
	}
	return notNode{child: n}
}

// Raw passes a compiled filter through unchanged
func Raw(doc bson.D) Node {
	return rawNode{doc: append(bson.D(nil), doc...)}
}

func compact(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if q, ok := n.(Q); ok {
			if len(q) == 0 {
				continue
			}
			n = q.clone()
		}
		out = append(out, n)
	}
	return out
}

// clone copies the lookups and the list operands they hold
func (q Q) clone() Q {
	c := maps.Clone(q)
	for k, v := range c {
		switch x := v.(type) {
		case []interface{}:
			c[k] = append([]interface{}(nil), x...)
		case []string:
			c[k] = append([]string(nil), x...)
		case []float64:
			c[k] = append([]float64(nil), x...)
		case []int:
			c[k] = append([]int(nil), x...)
		case bson.A:
			c[k] = append(bson.A(nil), x...)
		}
	}
	return c
}
