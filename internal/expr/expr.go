package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"symdarts/internal/graph"
)

var (
	ErrNotDiscretized = errors.New("graph is not discretized")
	ErrNameCount      = errors.New("variable name count mismatch")
)

// NegligibleWeight is the largest relaxed contribution still treated as off.
const NegligibleWeight = 1e-6

type Options struct {
	InputNames  []string
	OutputNames []string
}

// Number renders a fitted constant.
func Number(v float64) string {
	return fmt.Sprintf("%.4g", v)
}

// Render prints one line per hidden node reachable from the readout, in
// index order, followed by one line per output.
func Render(g *graph.Graph, opts Options) (string, error) {
	choices, scales, err := resolve(g)
	if err != nil {
		return "", err
	}
	inputs, err := names(opts.InputNames, g.NumInputs(), "x")
	if err != nil {
		return "", err
	}
	outputs, err := names(opts.OutputNames, g.NumOutputs(), "y")
	if err != nil {
		return "", err
	}

	nIn := g.NumInputs()
	nodeName := func(idx int) string {
		if idx < nIn {
			return inputs[idx]
		}
		return fmt.Sprintf("k%d", idx-nIn+1)
	}

	reg := g.Registry()
	needed := make([]bool, g.NumNodes())
	var mark func(ni int)
	mark = func(ni int) {
		if needed[ni] {
			return
		}
		needed[ni] = true
		for _, ei := range g.Nodes[ni].Edges {
			e := g.Edges[ei]
			prim := reg.At(choices[ei])
			if prim.IsNone() {
				continue
			}
			if e.Source >= nIn {
				mark(e.Source - nIn)
			}
			if prim.Arity == 2 && e.Partner >= nIn {
				mark(e.Partner - nIn)
			}
		}
	}
	for k := range g.Readout {
		for i, c := range g.Readout[k] {
			if c != 0 {
				mark(i)
			}
		}
	}

	var lines []string
	for ni, ok := range needed {
		if !ok {
			continue
		}
		var terms []string
		for _, ei := range g.Nodes[ni].Edges {
			e := g.Edges[ei]
			prim := reg.At(choices[ei])
			if prim.IsNone() {
				continue
			}
			term := prim.Format(nodeName(e.Source), nodeName(e.Partner), e.Params[choices[ei]], Number)
			if s := scales[ei]; math.Abs(s-1) > NegligibleWeight {
				term = Number(s) + " * " + term
			}
			terms = append(terms, term)
		}
		lines = append(lines, fmt.Sprintf("%s = %s", nodeName(nIn+ni), sum(terms)))
	}

	linear := make([]string, g.NumOutputs())
	for k := range g.Readout {
		var terms []string
		for i, c := range g.Readout[k] {
			if c == 0 {
				continue
			}
			terms = append(terms, Number(c)+" * "+nodeName(nIn+i))
		}
		if g.Bias[k] != 0 || len(terms) == 0 {
			terms = append(terms, Number(g.Bias[k]))
		}
		linear[k] = sum(terms)
	}

	switch g.Output() {
	case graph.Sigmoid, graph.Probability, graph.ProbabilitySample:
		for k, body := range linear {
			lines = append(lines, fmt.Sprintf("%s = logistic(%s)", outputs[k], body))
		}
	case graph.ProbabilityDistribution:
		zs := make([]string, len(linear))
		for k, body := range linear {
			zs[k] = fmt.Sprintf("z%d", k+1)
			lines = append(lines, fmt.Sprintf("%s = %s", zs[k], body))
		}
		for k := range linear {
			lines = append(lines, fmt.Sprintf("%s = softmax(%s)[%d]", outputs[k], strings.Join(zs, ", "), k+1))
		}
	default:
		for k, body := range linear {
			lines = append(lines, fmt.Sprintf("%s = %s", outputs[k], body))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// resolve maps every edge to a single primitive. Relaxed edges are accepted
// when at most one weight, none included, is non-negligible.
func resolve(g *graph.Graph) ([]int, []float64, error) {
	choices := make([]int, len(g.Edges))
	scales := make([]float64, len(g.Edges))
	relaxed := g.RelaxedWeights()
	noneIdx := g.Registry().NoneIndex()
	for ei, e := range g.Edges {
		if e.Choice >= 0 {
			choices[ei], scales[ei] = e.Choice, 1
			continue
		}
		live := -1
		for p, r := range relaxed[ei] {
			if math.Abs(r) <= NegligibleWeight {
				continue
			}
			if live >= 0 {
				return nil, nil, fmt.Errorf("%w: edge %d (%d -> %d) mixes several primitives", ErrNotDiscretized, ei, e.Source, e.Target)
			}
			live = p
		}
		if live < 0 {
			if noneIdx < 0 {
				return nil, nil, fmt.Errorf("%w: edge %d has no live primitive", ErrNotDiscretized, ei)
			}
			live = noneIdx
		}
		choices[ei], scales[ei] = live, relaxed[ei][live]
	}
	return choices, scales, nil
}

func names(given []string, n int, prefix string) ([]string, error) {
	if len(given) == 0 {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("%s%d", prefix, i+1)
		}
		return out, nil
	}
	if len(given) != n {
		return nil, fmt.Errorf("%w: got %d names for %d variables", ErrNameCount, len(given), n)
	}
	return append([]string(nil), given...), nil
}

func sum(terms []string) string {
	if len(terms) == 0 {
		return "0"
	}
	return strings.Join(terms, " + ")
}
