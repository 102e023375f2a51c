package primitive

import (
	"fmt"
	"math"
	"strings"
)

// Kind tags a primitive variant. Built-in kinds are dispatched with a switch
// so the training loop never resolves primitives by name.
type Kind int

const (
	KindNone Kind = iota
	KindAdd
	KindSubtract
	KindMult
	KindLinear
	KindRelu
	KindLinearRelu
	KindLogistic
	KindLinearLogistic
	KindExp
	KindLinearExp
	KindCos
	KindLinearCos
	KindSin
	KindLinearSin
	KindTanh
	KindLinearTanh
	KindReciprocal
	KindLinearReciprocal
	KindLn
	KindLinearLn
	KindSoftplus
	KindLinearSoftplus
	KindSoftminus
	KindLinearSoftminus
	KindPowerTwo
	KindPowerThree
	KindProduct
	KindCustom
)

const (
	expArgLimit      = 20.0
	lnArgFloor       = 1e-8
	reciprocalFloor  = 1e-3
	softplusLinearAt = 20.0
)

// base is the scalar function applied after the inner transform.
type base int

const (
	baseZero base = iota
	baseIdentity
	baseNegate
	baseRelu
	baseLogistic
	baseExp
	baseCos
	baseSin
	baseTanh
	baseReciprocal
	baseLn
	baseSoftplus
	baseSoftminus
	baseSquare
	baseCube
)

// form is the inner transform of the edge input.
type form int

const (
	formPlain  form = iota // u = x
	formScale              // u = a*x
	formAffine             // u = a*x + b
	formPair               // a*x*y
)

// Func evaluates a primitive on its input(s) and parameters.
type Func func(x, y float64, params []float64) float64

// GradFunc writes the partial derivatives with respect to params into
// dParams and returns the partials with respect to x and y.
type GradFunc func(x, y float64, params []float64, dParams []float64) (dx, dy float64)

// FormatFunc renders a primitive applied to already-rendered operands.
type FormatFunc func(x, y string, params []string) string

// Primitive is one operation usable on a mixed edge.
type Primitive struct {
	Kind      Kind
	Name      string
	Arity     int
	NumParams int

	base   base
	form   form
	custom *customOp
}

type customOp struct {
	fn     Func
	grad   GradFunc
	format FormatFunc
}

// IsNone reports whether the primitive is the zero baseline.
func (p Primitive) IsNone() bool {
	return p.Kind == KindNone
}

// Eval computes the primitive output. y is ignored for unary primitives.
func (p Primitive) Eval(x, y float64, params []float64) float64 {
	switch p.Kind {
	case KindNone:
		return 0
	case KindCustom:
		return p.custom.fn(x, y, params)
	}
	if p.form == formPair {
		return params[0] * x * y
	}
	v, _ := applyBase(p.base, p.inner(x, params))
	return v
}

// Grad computes partial derivatives. dParams must have length NumParams and
// is overwritten.
func (p Primitive) Grad(x, y float64, params []float64, dParams []float64) (dx, dy float64) {
	switch p.Kind {
	case KindNone:
		return 0, 0
	case KindCustom:
		if p.custom.grad != nil {
			return p.custom.grad(x, y, params, dParams)
		}
		return numericGrad(p.custom.fn, x, y, params, dParams, p.Arity)
	}

	switch p.form {
	case formPair:
		dParams[0] = x * y
		return params[0] * y, params[0] * x
	case formPlain:
		_, d := applyBase(p.base, x)
		return d, 0
	case formScale:
		_, d := applyBase(p.base, params[0]*x)
		dParams[0] = d * x
		return d * params[0], 0
	default:
		_, d := applyBase(p.base, params[0]*x+params[1])
		dParams[0] = d * x
		dParams[1] = d
		return d * params[0], 0
	}
}

// Format renders the primitive as an expression term.
func (p Primitive) Format(x, y string, params []float64, number func(float64) string) string {
	rendered := make([]string, len(params))
	for i, v := range params {
		rendered[i] = number(v)
	}
	if p.Kind == KindCustom {
		if p.custom.format != nil {
			return p.custom.format(x, y, rendered)
		}
		args := x
		if p.Arity == 2 {
			args = x + ", " + y
		}
		if len(rendered) == 0 {
			return fmt.Sprintf("%s(%s)", p.Name, args)
		}
		return fmt.Sprintf("%s[%s](%s)", p.Name, strings.Join(rendered, ", "), args)
	}

	var arg string
	switch p.form {
	case formPair:
		return fmt.Sprintf("%s * %s * %s", rendered[0], x, y)
	case formScale:
		arg = fmt.Sprintf("%s * %s", rendered[0], x)
	case formAffine:
		arg = fmt.Sprintf("%s * %s + %s", rendered[0], x, rendered[1])
	default:
		arg = x
	}

	switch p.base {
	case baseZero:
		return "0"
	case baseIdentity:
		if p.form == formAffine {
			return "(" + arg + ")"
		}
		return arg
	case baseNegate:
		return "-" + arg
	case baseRelu:
		return "relu(" + arg + ")"
	case baseLogistic:
		return "logistic(" + arg + ")"
	case baseExp:
		return "exp(" + arg + ")"
	case baseCos:
		return "cos(" + arg + ")"
	case baseSin:
		return "sin(" + arg + ")"
	case baseTanh:
		return "tanh(" + arg + ")"
	case baseReciprocal:
		return "1 / (" + arg + ")"
	case baseLn:
		return "ln(" + arg + ")"
	case baseSoftplus:
		return "softplus(" + arg + ")"
	case baseSoftminus:
		return "softminus(" + arg + ")"
	case baseSquare:
		return "(" + arg + ")^2"
	case baseCube:
		return "(" + arg + ")^3"
	default:
		return p.Name + "(" + arg + ")"
	}
}

func (p Primitive) inner(x float64, params []float64) float64 {
	switch p.form {
	case formScale:
		return params[0] * x
	case formAffine:
		return params[0]*x + params[1]
	default:
		return x
	}
}

// applyBase returns f(u) and f'(u). Clamped domains report a zero derivative.
func applyBase(b base, u float64) (float64, float64) {
	switch b {
	case baseZero:
		return 0, 0
	case baseIdentity:
		return u, 1
	case baseNegate:
		return -u, -1
	case baseRelu:
		if u > 0 {
			return u, 1
		}
		return 0, 0
	case baseLogistic:
		s := Logistic(u)
		return s, s * (1 - s)
	case baseExp:
		if u > expArgLimit {
			return math.Exp(expArgLimit), 0
		}
		e := math.Exp(u)
		return e, e
	case baseCos:
		return math.Cos(u), -math.Sin(u)
	case baseSin:
		return math.Sin(u), math.Cos(u)
	case baseTanh:
		t := math.Tanh(u)
		return t, 1 - t*t
	case baseReciprocal:
		if math.Abs(u) < reciprocalFloor {
			if u < 0 {
				return -1 / reciprocalFloor, 0
			}
			return 1 / reciprocalFloor, 0
		}
		return 1 / u, -1 / (u * u)
	case baseLn:
		if u < lnArgFloor {
			return math.Log(lnArgFloor), 0
		}
		return math.Log(u), 1 / u
	case baseSoftplus:
		return Softplus(u), Logistic(u)
	case baseSoftminus:
		return u - Softplus(u), 1 - Logistic(u)
	case baseSquare:
		return u * u, 2 * u
	case baseCube:
		return u * u * u, 3 * u * u
	default:
		return math.NaN(), math.NaN()
	}
}

// Logistic is the numerically stable sigmoid.
func Logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softplus computes ln(1+e^x) without overflow.
func Softplus(x float64) float64 {
	if x > softplusLinearAt {
		return x
	}
	if x < -softplusLinearAt {
		return math.Exp(x)
	}
	return math.Log1p(math.Exp(x))
}

const numericStep = 1e-6

func numericGrad(fn Func, x, y float64, params []float64, dParams []float64, arity int) (float64, float64) {
	dx := (fn(x+numericStep, y, params) - fn(x-numericStep, y, params)) / (2 * numericStep)
	dy := 0.0
	if arity == 2 {
		dy = (fn(x, y+numericStep, params) - fn(x, y-numericStep, params)) / (2 * numericStep)
	}
	shifted := make([]float64, len(params))
	for i := range params {
		copy(shifted, params)
		shifted[i] = params[i] + numericStep
		up := fn(x, y, shifted)
		shifted[i] = params[i] - numericStep
		down := fn(x, y, shifted)
		dParams[i] = (up - down) / (2 * numericStep)
	}
	return dx, dy
}
