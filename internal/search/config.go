package search

import (
	"errors"
	"fmt"
	"math/rand"

	"symdarts/internal/selection"
)

var (
	ErrNoValidModel  = errors.New("no valid model was scored")
	ErrInvalidConfig = errors.New("invalid search config")
)

type Config struct {
	MaxEpochs            int
	ParamUpdatesPerEpoch int
	ArchUpdatesPerEpoch  int
	BatchSize            int

	LearningRate    float64
	LearningRateMin float64
	// Schedule names the learning-rate schedule: "cosine" (default) or
	// "constant".
	Schedule              string
	Momentum              float64
	WeightDecay           float64
	GradClip              float64
	ClassifierWeightDecay float64

	ArchLearningRate float64
	ArchWeightDecay  float64
	FairLossWeight   float64
	TrainPortion     float64
	Unrolled         bool

	SampleAmp           float64
	ModelsSampled       int
	StochasticSampling  bool
	FairThreshold       float64
	TieRatio            float64
	ReinitializeWeights bool
	RefitUpdates        int

	BICTestSize     int
	EvalInterval    int
	SelectionMetric string

	Seed    int64
	Rand    *rand.Rand
	Monitor Monitor
}

func (c Config) validate() (Config, error) {
	switch {
	case c.MaxEpochs < 0:
		return c, fmt.Errorf("%w: max epochs must be >= 0", ErrInvalidConfig)
	case c.ParamUpdatesPerEpoch < 0:
		return c, fmt.Errorf("%w: param updates per epoch must be >= 0", ErrInvalidConfig)
	case c.ArchUpdatesPerEpoch < 0:
		return c, fmt.Errorf("%w: arch updates per epoch must be >= 0", ErrInvalidConfig)
	case c.BatchSize < 0:
		return c, fmt.Errorf("%w: batch size must be >= 0", ErrInvalidConfig)
	case c.LearningRate < 0 || c.LearningRateMin < 0:
		return c, fmt.Errorf("%w: learning rates must be >= 0", ErrInvalidConfig)
	case c.ArchLearningRate < 0:
		return c, fmt.Errorf("%w: arch learning rate must be >= 0", ErrInvalidConfig)
	case c.GradClip < 0:
		return c, fmt.Errorf("%w: grad clip must be >= 0", ErrInvalidConfig)
	case c.ClassifierWeightDecay < 0 || c.ArchWeightDecay < 0 || c.WeightDecay < 0:
		return c, fmt.Errorf("%w: weight decays must be >= 0", ErrInvalidConfig)
	case c.TrainPortion <= 0 || c.TrainPortion > 1:
		return c, fmt.Errorf("%w: train portion must be in (0, 1], got %g", ErrInvalidConfig, c.TrainPortion)
	case c.ModelsSampled < 1:
		return c, fmt.Errorf("%w: models sampled must be >= 1", ErrInvalidConfig)
	case c.TieRatio < 0:
		return c, fmt.Errorf("%w: tie ratio must be >= 0", ErrInvalidConfig)
	case c.RefitUpdates < 0:
		return c, fmt.Errorf("%w: refit updates must be >= 0", ErrInvalidConfig)
	case c.BICTestSize < 0:
		return c, fmt.Errorf("%w: bic test size must be >= 0", ErrInvalidConfig)
	case c.EvalInterval < 0:
		return c, fmt.Errorf("%w: eval interval must be >= 0", ErrInvalidConfig)
	}
	metric, err := selection.ParseMetric(c.SelectionMetric)
	if err != nil {
		return c, err
	}
	c.SelectionMetric = metric
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(c.Seed))
	}
	return c, nil
}
