package graph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// pass holds the scratch state of one forward/backward sweep. Relaxed
// contributions are computed once per pass since they do not depend on the
// sample.
type pass struct {
	g       *Graph
	relaxed [][]float64
	values  []float64
	z       []float64
	yhat    []float64
	dz      []float64
	dh      []float64
	dParams []float64
}

func (g *Graph) newPass() *pass {
	maxParams := 0
	for p := 0; p < g.registry.Len(); p++ {
		if n := g.registry.At(p).NumParams; n > maxParams {
			maxParams = n
		}
	}
	ps := &pass{
		g:       g,
		relaxed: make([][]float64, len(g.Edges)),
		values:  make([]float64, g.numInputs+len(g.Nodes)),
		z:       make([]float64, g.numOutputs),
		yhat:    make([]float64, g.numOutputs),
		dz:      make([]float64, g.numOutputs),
		dh:      make([]float64, len(g.Nodes)),
		dParams: make([]float64, maxParams),
	}
	for ei, e := range g.Edges {
		if e.Choice >= 0 {
			continue
		}
		ps.relaxed[ei] = make([]float64, len(e.Weights))
		g.strategy.Relax(e.Weights, ps.relaxed[ei])
	}
	return ps
}

func (ps *pass) forward(x []float64) {
	g := ps.g
	copy(ps.values[:g.numInputs], x)
	for ni := range g.Nodes {
		sum := 0.0
		for _, ei := range g.Nodes[ni].Edges {
			sum += ps.edgeValue(ei)
		}
		ps.values[g.numInputs+ni] = sum
	}
	hidden := ps.values[g.numInputs:]
	for k := range ps.z {
		z := g.Bias[k]
		for i, h := range hidden {
			z += g.Readout[k][i] * h
		}
		ps.z[k] = z
	}
	g.output.transform(ps.z, ps.yhat)
}

func (ps *pass) edgeValue(ei int) float64 {
	e := &ps.g.Edges[ei]
	x, y := ps.values[e.Source], ps.values[e.Partner]
	if e.Choice >= 0 {
		return ps.g.registry.At(e.Choice).Eval(x, y, e.Params[e.Choice])
	}
	v := 0.0
	for p, r := range ps.relaxed[ei] {
		if r == 0 {
			continue
		}
		v += r * ps.g.registry.At(p).Eval(x, y, e.Params[p])
	}
	return v
}

// Forward evaluates a single input row and returns the transformed outputs.
func (g *Graph) Forward(x []float64) ([]float64, error) {
	if len(x) != g.numInputs {
		return nil, fmt.Errorf("%w: got %d values, graph expects %d", ErrInputWidth, len(x), g.numInputs)
	}
	ps := g.newPass()
	ps.forward(x)
	return append([]float64(nil), ps.yhat...), nil
}

// Predict evaluates every row of X.
func (g *Graph) Predict(X *mat.Dense) (*mat.Dense, error) {
	rows, cols := X.Dims()
	if cols != g.numInputs {
		return nil, fmt.Errorf("%w: got %d columns, graph expects %d", ErrInputWidth, cols, g.numInputs)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no rows to predict", ErrInputWidth)
	}
	out := mat.NewDense(rows, g.numOutputs, nil)
	ps := g.newPass()
	for r := 0; r < rows; r++ {
		ps.forward(X.RawRowView(r))
		out.SetRow(r, ps.yhat)
	}
	return out, nil
}

// Loss is the mean per-sample training loss over the given rows (all rows
// when rows is nil).
func (g *Graph) Loss(X, Y *mat.Dense, rows []int) (float64, error) {
	if err := g.checkData(X, Y); err != nil {
		return 0, err
	}
	rows = allRows(X, rows)
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: no rows to evaluate", ErrInputWidth)
	}
	ps := g.newPass()
	total := 0.0
	for _, r := range rows {
		ps.forward(X.RawRowView(r))
		total += g.output.loss(ps.z, ps.yhat, Y.RawRowView(r), ps.dz)
	}
	return total / float64(len(rows)), nil
}

func (g *Graph) checkData(X, Y *mat.Dense) error {
	xr, xc := X.Dims()
	yr, yc := Y.Dims()
	if xc != g.numInputs {
		return fmt.Errorf("%w: got %d input columns, graph expects %d", ErrInputWidth, xc, g.numInputs)
	}
	if yc != g.numOutputs {
		return fmt.Errorf("%w: got %d target columns, graph expects %d", ErrInputWidth, yc, g.numOutputs)
	}
	if xr != yr {
		return fmt.Errorf("%w: %d input rows vs %d target rows", ErrInputWidth, xr, yr)
	}
	return nil
}

func allRows(X *mat.Dense, rows []int) []int {
	if rows != nil {
		return rows
	}
	n, _ := X.Dims()
	rows = make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}
