package search

import (
	"gonum.org/v1/gonum/mat"

	"symdarts/internal/optim"
)

// unrolledArchGrad approximates the gradient of the held-out loss after one
// virtual parameter step w' = w - lr*dL_train/dw:
//
//	dL_val(w', a)/da - lr * (dL_train(w+, a)/da - dL_train(w-, a)/da) / 2eps
//
// with w± = w ± eps*dL_val(w', a)/dw'. Parameters are restored before
// returning.
func (s *Search) unrolledArchGrad(X, Y *mat.Dense, trainRows, valRows []int, lr float64) (float64, [][]float64, error) {
	g := s.graph
	params := g.ParamTensors()
	original := optim.Clone(params)
	defer optim.CopyInto(params, original)

	train, err := g.Gradients(X, Y, trainRows)
	if err != nil {
		return 0, nil, err
	}
	train.AddReadoutL1(g, s.cfg.ClassifierWeightDecay)
	virtual := optim.Clone(params)
	if err := s.paramOpt.Lookahead(virtual, params, train.ParamTensors(), lr); err != nil {
		return 0, nil, err
	}
	optim.CopyInto(params, virtual)

	val, err := g.Gradients(X, Y, valRows)
	if err != nil {
		return 0, nil, err
	}
	archGrad := optim.Clone(val.ArchTensors())
	dw := val.ParamTensors()
	norm := optim.GlobalNorm(dw)
	if norm == 0 || lr == 0 {
		return val.Loss, archGrad, nil
	}
	eps := 0.01 / norm

	optim.CopyInto(params, original)
	optim.AddScaled(params, eps, dw)
	plus, err := g.Gradients(X, Y, trainRows)
	if err != nil {
		return 0, nil, err
	}
	optim.CopyInto(params, original)
	optim.AddScaled(params, -eps, dw)
	minus, err := g.Gradients(X, Y, trainRows)
	if err != nil {
		return 0, nil, err
	}

	scale := lr / (2 * eps)
	optim.AddScaled(archGrad, -scale, plus.ArchTensors())
	optim.AddScaled(archGrad, scale, minus.ArchTensors())
	return val.Loss, archGrad, nil
}
