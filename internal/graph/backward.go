package graph

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Grad mirrors the trainable state of a Graph.
type Grad struct {
	Params  [][][]float64
	Readout [][]float64
	Bias    []float64
	Arch    [][]float64
	Loss    float64

	relaxed [][]float64
}

func (g *Graph) NewGrad() *Grad {
	gr := &Grad{
		Params:  make([][][]float64, len(g.Edges)),
		Readout: make([][]float64, len(g.Readout)),
		Bias:    make([]float64, len(g.Bias)),
		Arch:    make([][]float64, len(g.Edges)),
		relaxed: make([][]float64, len(g.Edges)),
	}
	for ei, e := range g.Edges {
		gr.Params[ei] = make([][]float64, len(e.Params))
		for p := range e.Params {
			gr.Params[ei][p] = make([]float64, len(e.Params[p]))
		}
		gr.Arch[ei] = make([]float64, len(e.Weights))
		gr.relaxed[ei] = make([]float64, len(e.Weights))
	}
	for k := range g.Readout {
		gr.Readout[k] = make([]float64, len(g.Readout[k]))
	}
	return gr
}

// ParamTensors returns the gradient views in Graph.ParamTensors order.
func (gr *Grad) ParamTensors() [][]float64 {
	out := make([][]float64, 0, len(gr.Params)+len(gr.Readout)+1)
	for ei := range gr.Params {
		for _, params := range gr.Params[ei] {
			if len(params) > 0 {
				out = append(out, params)
			}
		}
	}
	out = append(out, gr.Readout...)
	return append(out, gr.Bias)
}

func (gr *Grad) ArchTensors() [][]float64 {
	return gr.Arch
}

// AddReadoutL1 adds the subgradient of lambda*|readout| to the readout
// gradient. Biases are not penalized.
func (gr *Grad) AddReadoutL1(g *Graph, lambda float64) {
	if lambda == 0 {
		return
	}
	for k := range gr.Readout {
		for i, w := range g.Readout[k] {
			switch {
			case w > 0:
				gr.Readout[k][i] += lambda
			case w < 0:
				gr.Readout[k][i] -= lambda
			}
		}
	}
}

// Finite reports whether the loss and every gradient entry are finite.
func (gr *Grad) Finite() bool {
	if !finite(gr.Loss) {
		return false
	}
	for _, t := range gr.ParamTensors() {
		for _, v := range t {
			if !finite(v) {
				return false
			}
		}
	}
	for _, t := range gr.Arch {
		for _, v := range t {
			if !finite(v) {
				return false
			}
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Gradients back-propagates the mean loss over rows (all rows when nil).
func (g *Graph) Gradients(X, Y *mat.Dense, rows []int) (*Grad, error) {
	if err := g.checkData(X, Y); err != nil {
		return nil, err
	}
	rows = allRows(X, rows)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to differentiate", ErrInputWidth)
	}

	gr := g.NewGrad()
	ps := g.newPass()
	scale := 1 / float64(len(rows))
	total := 0.0
	for _, r := range rows {
		total += ps.backward(X.RawRowView(r), Y.RawRowView(r), scale, gr)
	}
	gr.Loss = total * scale

	for ei, e := range g.Edges {
		if e.Choice >= 0 {
			continue
		}
		g.strategy.Backward(ps.relaxed[ei], gr.relaxed[ei], gr.Arch[ei])
	}
	return gr, nil
}

func (ps *pass) backward(x, target []float64, scale float64, gr *Grad) float64 {
	g := ps.g
	ps.forward(x)
	loss := g.output.loss(ps.z, ps.yhat, target, ps.dz)

	for i := range ps.dh {
		ps.dh[i] = 0
	}
	hidden := ps.values[g.numInputs:]
	for k, dz := range ps.dz {
		dz *= scale
		gr.Bias[k] += dz
		for i, h := range hidden {
			gr.Readout[k][i] += dz * h
			ps.dh[i] += dz * g.Readout[k][i]
		}
	}

	for ni := len(g.Nodes) - 1; ni >= 0; ni-- {
		d := ps.dh[ni]
		if d == 0 {
			continue
		}
		for _, ei := range g.Nodes[ni].Edges {
			e := &g.Edges[ei]
			if e.Choice >= 0 {
				ps.accumulateEdge(ei, e.Choice, d, gr)
				continue
			}
			src, partner := ps.values[e.Source], ps.values[e.Partner]
			for p, r := range ps.relaxed[ei] {
				gr.relaxed[ei][p] += d * g.registry.At(p).Eval(src, partner, e.Params[p])
				ps.accumulateEdge(ei, p, d*r, gr)
			}
		}
	}
	return loss
}

// accumulateEdge adds coef * df_p to the primitive parameters of edge ei and
// propagates coef * df_p/dx to hidden sources.
func (ps *pass) accumulateEdge(ei, p int, coef float64, gr *Grad) {
	if coef == 0 {
		return
	}
	g := ps.g
	prim := g.registry.At(p)
	if prim.IsNone() {
		return
	}
	e := &g.Edges[ei]
	dParams := ps.dParams[:prim.NumParams]
	dx, dy := prim.Grad(ps.values[e.Source], ps.values[e.Partner], e.Params[p], dParams)
	for j, v := range dParams {
		gr.Params[ei][p][j] += coef * v
	}
	if e.Source >= g.numInputs {
		ps.dh[e.Source-g.numInputs] += coef * dx
	}
	if prim.Arity == 2 && e.Partner >= g.numInputs {
		ps.dh[e.Partner-g.numInputs] += coef * dy
	}
}
