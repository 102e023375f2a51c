package optim

import (
	"errors"
	"fmt"
	"math"
)

// Adam with L2 weight decay added to the gradient.
type Adam struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	m, v [][]float64
	t    int
}

// NewAdam uses the architecture-search betas (0.5, 0.999) when both are zero.
func NewAdam(beta1, beta2, weightDecay float64) (*Adam, error) {
	if beta1 == 0 && beta2 == 0 {
		beta1, beta2 = 0.5, 0.999
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, errors.New("adam betas must be in [0, 1)")
	}
	if weightDecay < 0 {
		return nil, errors.New("weight decay must be >= 0")
	}
	return &Adam{Beta1: beta1, Beta2: beta2, Epsilon: 1e-8, WeightDecay: weightDecay}, nil
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) Reset() {
	a.m, a.v, a.t = nil, nil, 0
}

func (a *Adam) Step(params, grads [][]float64, lr float64) error {
	if !sameShape(params, grads) {
		return fmt.Errorf("%w: params and grads differ", ErrShapeChanged)
	}
	if a.m == nil {
		a.m, a.v = zerosLike(params), zerosLike(params)
	} else if !sameShape(a.m, params) {
		return fmt.Errorf("%w: moment buffers no longer match", ErrShapeChanged)
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for j := range p {
			g := grads[i][j] + a.WeightDecay*p[j]
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p[j] -= lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Epsilon)
		}
	}
	return nil
}
