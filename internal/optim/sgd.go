package optim

import (
	"errors"
	"fmt"
)

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay folded into the gradient.
type SGD struct {
	Momentum    float64
	WeightDecay float64

	buf [][]float64
}

func NewSGD(momentum, weightDecay float64) (*SGD, error) {
	if momentum < 0 || momentum >= 1 {
		return nil, errors.New("momentum must be in [0, 1)")
	}
	if weightDecay < 0 {
		return nil, errors.New("weight decay must be >= 0")
	}
	return &SGD{Momentum: momentum, WeightDecay: weightDecay}, nil
}

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) Reset() { s.buf = nil }

func (s *SGD) Step(params, grads [][]float64, lr float64) error {
	if !sameShape(params, grads) {
		return fmt.Errorf("%w: params and grads differ", ErrShapeChanged)
	}
	if s.buf != nil && !sameShape(s.buf, params) {
		return fmt.Errorf("%w: momentum buffer no longer matches", ErrShapeChanged)
	}
	first := s.buf == nil
	if first {
		s.buf = zerosLike(params)
	}
	for i, p := range params {
		g, b := grads[i], s.buf[i]
		for j := range p {
			d := g[j] + s.WeightDecay*p[j]
			if first || s.Momentum == 0 {
				b[j] = d
			} else {
				b[j] = s.Momentum*b[j] + d
			}
			p[j] -= lr * b[j]
		}
	}
	return nil
}

// Lookahead writes into dst the parameters Step would produce, leaving the
// optimizer state and params untouched.
func (s *SGD) Lookahead(dst, params, grads [][]float64, lr float64) error {
	if !sameShape(params, grads) || !sameShape(dst, params) {
		return fmt.Errorf("%w: lookahead tensors differ", ErrShapeChanged)
	}
	useBuf := s.buf != nil && sameShape(s.buf, params) && s.Momentum > 0
	for i, p := range params {
		for j := range p {
			d := grads[i][j] + s.WeightDecay*p[j]
			if useBuf {
				d += s.Momentum * s.buf[i][j]
			}
			dst[i][j] = p[j] - lr*d
		}
	}
	return nil
}
