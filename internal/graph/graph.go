package graph

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"symdarts/internal/primitive"
	"symdarts/internal/relax"
)

var (
	ErrInvalidTopology = errors.New("invalid graph topology")
	ErrNotImplemented  = errors.New("not implemented")
	ErrInputWidth      = errors.New("input width mismatch")
	ErrInvalidChoice   = errors.New("invalid primitive choice")
)

const archInitScale = 1e-3

type Config struct {
	NumInputs  int
	NumOutputs int
	NumNodes   int
	Registry   *primitive.Registry
	Strategy   relax.Strategy
	Output     OutputType
	Rand       *rand.Rand
}

// Edge is a mixed-operation edge. Weights and Params hold one entry per
// registered primitive. Choice is -1 while the edge is relaxed.
type Edge struct {
	Source  int
	Partner int
	Target  int
	Weights []float64
	Params  [][]float64
	Choice  int
}

// Node is a hidden node; Index counts inputs first.
type Node struct {
	Index int
	Edges []int
}

// Graph is a DAG of inputs, hidden nodes and an affine readout node.
type Graph struct {
	Nodes   []Node
	Edges   []Edge
	Readout [][]float64
	Bias    []float64

	numInputs  int
	numOutputs int
	registry   *primitive.Registry
	strategy   relax.Strategy
	output     OutputType
}

func New(cfg Config) (*Graph, error) {
	if cfg.NumNodes < 1 {
		return nil, fmt.Errorf("%w: num_graph_nodes must be >= 1, got %d", ErrInvalidTopology, cfg.NumNodes)
	}
	if cfg.NumInputs < 1 {
		return nil, fmt.Errorf("%w: at least one input is required", ErrInvalidTopology)
	}
	if cfg.NumOutputs < 1 {
		return nil, fmt.Errorf("%w: at least one output is required", ErrInvalidTopology)
	}
	if cfg.Registry == nil {
		return nil, errors.New("primitive registry is required")
	}
	if err := cfg.Output.validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == nil {
		cfg.Strategy = relax.Original{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}

	g := &Graph{
		numInputs:  cfg.NumInputs,
		numOutputs: cfg.NumOutputs,
		registry:   cfg.Registry,
		strategy:   cfg.Strategy,
		output:     cfg.Output,
	}
	g.Nodes, g.Edges = buildTopology(cfg.NumInputs, cfg.NumNodes, cfg.Registry)
	g.Readout = make([][]float64, cfg.NumOutputs)
	for k := range g.Readout {
		g.Readout[k] = make([]float64, cfg.NumNodes)
	}
	g.Bias = make([]float64, cfg.NumOutputs)

	for ei := range g.Edges {
		for p := range g.Edges[ei].Weights {
			g.Edges[ei].Weights[p] = archInitScale * cfg.Rand.NormFloat64()
		}
	}
	g.ReinitializeParams(cfg.Rand)
	return g, nil
}

// buildTopology connects every hidden node to every input and every earlier
// hidden node. Binary primitives pair an edge's source with the next source
// of the same node, wrapping around.
func buildTopology(numInputs, numNodes int, registry *primitive.Registry) ([]Node, []Edge) {
	nodes := make([]Node, numNodes)
	edges := make([]Edge, 0, numNodes*numInputs+numNodes*(numNodes-1)/2)
	for i := range nodes {
		target := numInputs + i
		nodes[i] = Node{Index: target, Edges: make([]int, 0, target)}
		for source := 0; source < target; source++ {
			nodes[i].Edges = append(nodes[i].Edges, len(edges))
			edges = append(edges, newEdge(source, (source+1)%target, target, registry))
		}
	}
	return nodes, edges
}

func newEdge(source, partner, target int, registry *primitive.Registry) Edge {
	e := Edge{
		Source:  source,
		Partner: partner,
		Target:  target,
		Weights: make([]float64, registry.Len()),
		Params:  make([][]float64, registry.Len()),
		Choice:  -1,
	}
	for p := range e.Params {
		e.Params[p] = make([]float64, registry.At(p).NumParams)
	}
	return e
}

// ReinitializeParams redraws primitive parameters and readout coefficients.
// Architecture weights are left untouched.
func (g *Graph) ReinitializeParams(rng *rand.Rand) {
	for ei := range g.Edges {
		for _, params := range g.Edges[ei].Params {
			for j := range params {
				params[j] = rng.Float64()*2 - 1
			}
		}
	}
	bound := 1 / math.Sqrt(float64(len(g.Nodes)))
	for k := range g.Readout {
		for i := range g.Readout[k] {
			g.Readout[k][i] = (rng.Float64()*2 - 1) * bound
		}
	}
	for k := range g.Bias {
		g.Bias[k] = (rng.Float64()*2 - 1) * bound
	}
}

func (g *Graph) NumInputs() int                { return g.numInputs }
func (g *Graph) NumOutputs() int               { return g.numOutputs }
func (g *Graph) NumNodes() int                 { return len(g.Nodes) }
func (g *Graph) Registry() *primitive.Registry { return g.registry }
func (g *Graph) Strategy() relax.Strategy      { return g.strategy }
func (g *Graph) Output() OutputType            { return g.output }

// OutputIndex is the index of the readout node.
func (g *Graph) OutputIndex() int { return g.numInputs + len(g.Nodes) }

// Clone returns a deep copy sharing no mutable state with g.
func (g *Graph) Clone() *Graph {
	c := *g
	c.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		c.Nodes[i] = Node{Index: n.Index, Edges: append([]int(nil), n.Edges...)}
	}
	c.Edges = make([]Edge, len(g.Edges))
	for i, e := range g.Edges {
		ce := e
		ce.Weights = append([]float64(nil), e.Weights...)
		ce.Params = make([][]float64, len(e.Params))
		for p := range e.Params {
			ce.Params[p] = append([]float64(nil), e.Params[p]...)
		}
		c.Edges[i] = ce
	}
	c.Readout = make([][]float64, len(g.Readout))
	for k := range g.Readout {
		c.Readout[k] = append([]float64(nil), g.Readout[k]...)
	}
	c.Bias = append([]float64(nil), g.Bias...)
	return &c
}

// Discretize returns an independent copy with exactly one primitive chosen
// per edge.
func (g *Graph) Discretize(choices []int) (*Graph, error) {
	if len(choices) != len(g.Edges) {
		return nil, fmt.Errorf("%w: got %d choices for %d edges", ErrInvalidChoice, len(choices), len(g.Edges))
	}
	for ei, choice := range choices {
		if choice < 0 || choice >= g.registry.Len() {
			return nil, fmt.Errorf("%w: edge %d choice %d", ErrInvalidChoice, ei, choice)
		}
	}
	c := g.Clone()
	for ei, choice := range choices {
		c.Edges[ei].Choice = choice
	}
	return c, nil
}

func (g *Graph) IsDiscrete() bool {
	for _, e := range g.Edges {
		if e.Choice < 0 {
			return false
		}
	}
	return true
}

func (g *Graph) Choices() []int {
	out := make([]int, len(g.Edges))
	for i, e := range g.Edges {
		out[i] = e.Choice
	}
	return out
}

// RelaxedWeights returns each edge's current contributions. Discretized edges
// report a one-hot vector.
func (g *Graph) RelaxedWeights() [][]float64 {
	out := make([][]float64, len(g.Edges))
	for ei, e := range g.Edges {
		out[ei] = make([]float64, len(e.Weights))
		if e.Choice >= 0 {
			out[ei][e.Choice] = 1
			continue
		}
		g.strategy.Relax(e.Weights, out[ei])
	}
	return out
}

// DescriptionLength counts free parameters: primitive parameters of every
// non-trivial choice plus the readout terms of hidden nodes that receive at
// least one non-trivial edge, plus the output biases. Relaxed edges count
// every primitive.
func (g *Graph) DescriptionLength() int {
	live := make([]bool, len(g.Nodes))
	k := 0
	for _, e := range g.Edges {
		if e.Choice >= 0 {
			p := g.registry.At(e.Choice)
			if p.IsNone() {
				continue
			}
			k += p.NumParams
			live[e.Target-g.numInputs] = true
			continue
		}
		for p := 0; p < g.registry.Len(); p++ {
			prim := g.registry.At(p)
			if prim.IsNone() {
				continue
			}
			k += prim.NumParams
			live[e.Target-g.numInputs] = true
		}
	}
	for _, ok := range live {
		if ok {
			k += g.numOutputs
		}
	}
	return k + g.numOutputs
}

// ParamTensors returns views of every trainable operation parameter in a
// fixed order shared with Grad.ParamTensors.
func (g *Graph) ParamTensors() [][]float64 {
	out := make([][]float64, 0, len(g.Edges)*g.registry.Len()+len(g.Readout)+1)
	for ei := range g.Edges {
		for _, params := range g.Edges[ei].Params {
			if len(params) > 0 {
				out = append(out, params)
			}
		}
	}
	out = append(out, g.Readout...)
	return append(out, g.Bias)
}

// ArchTensors returns views of the architecture weights, one per edge.
func (g *Graph) ArchTensors() [][]float64 {
	out := make([][]float64, len(g.Edges))
	for ei := range g.Edges {
		out[ei] = g.Edges[ei].Weights
	}
	return out
}
