package graph

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"symdarts/internal/primitive"
	"symdarts/internal/relax"
)

var ErrUnknownOutputType = errors.New("unknown output type")

// OutputType selects how the readout is squashed and which loss trains it.
type OutputType int

const (
	Real OutputType = iota
	Sigmoid
	Probability
	ProbabilitySample
	ProbabilityDistribution
	Class
)

func (o OutputType) String() string {
	switch o {
	case Real:
		return "real"
	case Sigmoid:
		return "sigmoid"
	case Probability:
		return "probability"
	case ProbabilitySample:
		return "probability_sample"
	case ProbabilityDistribution:
		return "probability_distribution"
	case Class:
		return "class"
	default:
		return fmt.Sprintf("output_type(%d)", int(o))
	}
}

// ParseOutputType accepts the lower- or upper-case option names.
func ParseOutputType(name string) (OutputType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "real":
		return Real, nil
	case "sigmoid":
		return Sigmoid, nil
	case "probability":
		return Probability, nil
	case "probability_sample":
		return ProbabilitySample, nil
	case "probability_distribution":
		return ProbabilityDistribution, nil
	case "class":
		return Class, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownOutputType, name)
	}
}

func (o OutputType) validate() error {
	switch o {
	case Real, Sigmoid, Probability, ProbabilitySample, ProbabilityDistribution:
		return nil
	case Class:
		return fmt.Errorf("%w: output type %s", ErrNotImplemented, o)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOutputType, int(o))
	}
}

// Validate reports whether graphs can be built with this output type.
func (o OutputType) Validate() error {
	return o.validate()
}

func (o OutputType) transform(z, out []float64) {
	switch o {
	case Sigmoid, Probability, ProbabilitySample:
		for k, v := range z {
			out[k] = primitive.Logistic(v)
		}
	case ProbabilityDistribution:
		relax.Softmax(z, out)
	default:
		copy(out, z)
	}
}

// loss returns the per-sample loss and writes dloss/dz into dz.
func (o OutputType) loss(z, yhat, target, dz []float64) float64 {
	k := float64(len(z))
	total := 0.0
	switch o {
	case Sigmoid, Probability:
		for i := range z {
			r := yhat[i] - target[i]
			total += r * r
			dz[i] = 2 * r * yhat[i] * (1 - yhat[i]) / k
		}
		return total / k
	case ProbabilitySample:
		for i := range z {
			total += primitive.Softplus(z[i]) - target[i]*z[i]
			dz[i] = (yhat[i] - target[i]) / k
		}
		return total / k
	case ProbabilityDistribution:
		max := z[0]
		for _, v := range z[1:] {
			if v > max {
				max = v
			}
		}
		sumExp := 0.0
		for _, v := range z {
			sumExp += math.Exp(v - max)
		}
		logNorm := max + math.Log(sumExp)
		mass := 0.0
		for i := range z {
			total -= target[i] * (z[i] - logNorm)
			mass += target[i]
		}
		for i := range z {
			dz[i] = yhat[i]*mass - target[i]
		}
		return total
	default:
		for i := range z {
			r := z[i] - target[i]
			total += r * r
			dz[i] = 2 * r / k
		}
		return total / k
	}
}
