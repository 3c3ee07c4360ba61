// Package visualize renders dataflow computations as diagrams.
package visualize

import (
	"github.com/emicklei/dot"

	"github.com/l7mp/ddflow/pkg/dbsp"
)

// Source is a computation that can be visualized, e.g., a dbsp.Scope.
type Source interface {
	Name() string
	Operators() []dbsp.Operator
}

// Graph represents the visualization graph of a scope.
type Graph struct {
	ScopeName string
	Operators []OperatorNode
}

// OperatorNode represents a single operator in the graph.
type OperatorNode struct {
	Name   string
	Kind   string
	OpType dbsp.OperatorType
	Inputs []string
	// Body is the graph of the loop body of nested operators.
	Body *Graph
}

// BuildGraph constructs a visualization graph from a scope.
func BuildGraph(s Source) *Graph {
	return buildGraph(s.Name(), s.Operators())
}

func buildGraph(name string, ops []dbsp.Operator) *Graph {
	g := &Graph{ScopeName: name, Operators: make([]OperatorNode, 0, len(ops))}
	for _, op := range ops {
		node := OperatorNode{
			Name:   op.Name(),
			Kind:   op.Kind(),
			OpType: op.OpType(),
			Inputs: op.Inputs(),
		}
		if nested, ok := op.(dbsp.Nested); ok {
			node.Body = buildGraph(op.Name(), nested.Body())
		}
		g.Operators = append(g.Operators, node)
	}
	return g
}

// Collections returns the names of the collections read inside the graph that no operator of the
// graph produces, e.g., the entry points of a loop body.
func (g *Graph) Collections() []string {
	produced := map[string]bool{}
	for _, op := range g.Operators {
		produced[op.Name] = true
	}
	result := []string{}
	seen := map[string]bool{}
	for _, op := range g.Operators {
		for _, in := range op.Inputs {
			if !produced[in] && !seen[in] {
				seen[in] = true
				result = append(result, in)
			}
		}
	}
	return result
}

var fillColors = map[dbsp.OperatorType]string{
	dbsp.OpTypeLinear:     "lightblue",
	dbsp.OpTypeBilinear:   "lightsalmon",
	dbsp.OpTypeNonLinear:  "khaki",
	dbsp.OpTypeStructural: "lightgrey",
}

// Node roles.
const (
	roleCollection = "collection"
	roleLoop       = "loop"
	roleOperator   = "operator"
)

// dotShapes are the Graphviz shapes of node roles.
var dotShapes = map[string]string{
	roleCollection: "ellipse",
	roleLoop:       "doublecircle",
	roleOperator:   "box",
}

// BuildDotGraph creates a dot.Graph from the visualization graph for Graphviz rendering.
func BuildDotGraph(g *Graph) *dot.Graph {
	return buildDotGraph(g, dotShapes)
}

// buildDotGraph renders the graph with the given node shapes. The Mermaid renderer of the dot
// library accepts only its own shape values, so Mermaid graphs are built without shapes.
func buildDotGraph(g *Graph, shapes map[string]string) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")    // Left to right layout.
	graph.Attr("compound", "true") // Allow edges between clusters.
	graph.Attr("newrank", "true")  // Better ranking algorithm.
	graph.Attr("label", g.ScopeName)
	graph.Attr("labelloc", "t") // Label at top.
	graph.Attr("fontsize", "16")

	addScope(graph, graph, g, "", shapes)
	return graph
}

// addScope draws the operators of g into sub and their edges into root. Node IDs are prefixed
// with the path of the scope since child scopes reuse operator names.
func addScope(root, sub *dot.Graph, g *Graph, prefix string, shapes map[string]string) map[string]dot.Node {
	nodes := map[string]dot.Node{}
	for _, in := range g.Collections() {
		nodes[in] = shape(sub.Node(prefix+in), shapes, roleCollection).
			Attr("label", in).
			Attr("style", "filled").
			Attr("fillcolor", "lightgreen").
			Attr("fontname", "helvetica")
	}

	for _, op := range g.Operators {
		if op.Body != nil {
			cluster := sub.Subgraph(op.Name, dot.ClusterOption{})
			cluster.Attr("label", op.Kind+": "+op.Name)
			cluster.Attr("style", "rounded")
			addScope(root, cluster, op.Body, prefix+op.Name+"/", shapes)
			nodes[op.Name] = shape(sub.Node(prefix+op.Name), shapes, roleLoop).
				Attr("label", op.Name).
				Attr("style", "filled").
				Attr("fillcolor", fillColors[op.OpType]).
				Attr("fontname", "helvetica")
			continue
		}
		nodes[op.Name] = shape(sub.Node(prefix+op.Name), shapes, roleOperator).
			Attr("label", op.Kind+": "+op.Name).
			Attr("style", "filled,rounded").
			Attr("fillcolor", fillColors[op.OpType]).
			Attr("penwidth", "2").
			Attr("fontname", "helvetica")
	}

	for _, op := range g.Operators {
		for _, in := range op.Inputs {
			from, ok := nodes[in]
			if !ok {
				continue
			}
			root.Edge(from, nodes[op.Name]).
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
		}
	}
	return nodes
}

func shape(n dot.Node, shapes map[string]string, role string) dot.Node {
	if s, ok := shapes[role]; ok {
		return n.Attr("shape", s)
	}
	return n
}
