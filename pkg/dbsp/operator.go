package dbsp

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/metrics"
)

// OperatorType classifies operators by how they handle changes.
type OperatorType int

const (
	OpTypeLinear     OperatorType = iota // Op(a+b) = Op(a)+Op(b), batch at a time
	OpTypeBilinear                       // changes on one input meet the history of the other
	OpTypeNonLinear                      // recompute changed keys and times
	OpTypeStructural                     // inputs, routing and outputs
)

func (t OperatorType) String() string {
	switch t {
	case OpTypeLinear:
		return "linear"
	case OpTypeBilinear:
		return "bilinear"
	case OpTypeNonLinear:
		return "nonlinear"
	default:
		return "structural"
	}
}

// Operator is a node of a computation. The scope calls Step repeatedly; an operator does a
// bounded amount of work per step and reports whether it has more.
type Operator interface {
	// Name returns the unique name of the operator, which is also the name of its output
	// collection.
	Name() string
	// Kind returns the operator kind, e.g., "join".
	Kind() string
	// OpType classifies the operator.
	OpType() OperatorType
	// Inputs returns the names of the input collections.
	Inputs() []string
	// Step processes pending input and reports whether work remains.
	Step() (bool, error)
	// Close releases the resources held by the operator.
	Close()
}

// Nested is implemented by operators that run a computation of their own, e.g., Iterate.
type Nested interface {
	Body() []Operator
}

// holder is implemented by operators that keep updates or pending work at times that are not
// yet emitted.
type holder[T lattice.Lattice[T]] interface {
	heldTimes() lattice.Antichain[T]
}

// BaseOp holds the bookkeeping shared by all operators.
type BaseOp struct {
	name    string
	kind    string
	opType  OperatorType
	inputs  []string
	metrics *metrics.Operator
	log     logr.Logger
}

func newBaseOp(name, kind string, opType OperatorType, inputs ...string) BaseOp {
	return BaseOp{name: name, kind: kind, opType: opType, inputs: inputs, log: logr.Discard()}
}

func (n *BaseOp) Name() string         { return n.name }
func (n *BaseOp) Kind() string         { return n.kind }
func (n *BaseOp) OpType() OperatorType { return n.opType }
func (n *BaseOp) Inputs() []string     { return n.inputs }
func (n *BaseOp) Close()               {}
