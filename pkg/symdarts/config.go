package symdarts

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"symdarts/internal/graph"
	"symdarts/internal/optim"
	"symdarts/internal/primitive"
	"symdarts/internal/relax"
	"symdarts/internal/sampler"
	"symdarts/internal/search"
	"symdarts/internal/selection"
)

var ErrInvalidConfig = errors.New("invalid symdarts config")

type (
	EpochReport = search.EpochReport
	Monitor     = search.Monitor
	MonitorFunc = search.MonitorFunc
	State       = search.State
)

// NewLogMonitor is search.NewLogMonitor re-exported for callers outside the
// module.
var NewLogMonitor = search.NewLogMonitor

// Config is the full option surface of a Regressor. Pointer fields are
// optional; nil selects the documented default.
type Config struct {
	NumGraphNodes int      `json:"num_graph_nodes"`
	Primitives    []string `json:"primitives"`
	DartsType     string   `json:"darts_type"`
	OutputType    string   `json:"output_type"`

	MaxEpochs            int `json:"max_epochs"`
	ArchUpdatesPerEpoch  int `json:"arch_updates_per_epoch"`
	ParamUpdatesPerEpoch int `json:"param_updates_per_epoch"`
	BatchSize            int `json:"batch_size"`

	LearningRate          float64 `json:"learning_rate"`
	LearningRateMin       float64 `json:"learning_rate_min"`
	LRSchedule            string  `json:"lr_schedule,omitempty"`
	ArchLearningRate      float64 `json:"arch_learning_rate"`
	Momentum              float64 `json:"momentum"`
	WeightDecay           float64 `json:"weight_decay"`
	ArchWeightDecay       float64 `json:"arch_weight_decay"`
	ClassifierWeightDecay float64 `json:"classifier_weight_decay"`
	GradClip              float64 `json:"grad_clip"`
	FairLossWeight        float64 `json:"fair_loss_weight"`

	TrainPortion float64 `json:"train_portion"`
	Unrolled     bool    `json:"unrolled"`

	SampleAmp                float64 `json:"sample_amp"`
	NModelsSampled           int     `json:"n_models_sampled"`
	ReinitializeWeights      bool    `json:"reinitialize_weights"`
	StochasticSampling       *bool   `json:"stochastic_sampling,omitempty"`
	FairDartsWeightThreshold float64 `json:"fair_darts_weight_threshold"`
	RefitUpdates             *int    `json:"refit_updates,omitempty"`

	BICTestSize     int    `json:"bic_test_size"`
	EvalInterval    int    `json:"eval_interval"`
	SelectionMetric string `json:"selection_metric"`
	Seed            int64  `json:"seed"`

	InputNames  []string `json:"input_names,omitempty"`
	OutputNames []string `json:"output_names,omitempty"`

	ExecutionMonitor Monitor `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		NumGraphNodes:            2,
		Primitives:               append([]string(nil), primitive.DefaultNames...),
		DartsType:                relax.NameOriginal,
		OutputType:               graph.Real.String(),
		MaxEpochs:                10,
		ArchUpdatesPerEpoch:      1,
		ParamUpdatesPerEpoch:     10,
		BatchSize:                64,
		LearningRate:             2.5e-2,
		LearningRateMin:          1e-2,
		ArchLearningRate:         3e-3,
		Momentum:                 0.9,
		WeightDecay:              3e-4,
		ArchWeightDecay:          1e-4,
		ClassifierWeightDecay:    1e-2,
		GradClip:                 5,
		FairLossWeight:           1,
		TrainPortion:             0.8,
		SampleAmp:                sampler.DefaultAmp,
		NModelsSampled:           1,
		FairDartsWeightThreshold: sampler.DefaultThreshold,
		BICTestSize:              100,
		SelectionMetric:          selection.BoardTrainLoss,
		Seed:                     1,
	}
}

// resolved holds the configuration parsed into the engine's types.
type resolved struct {
	registry *primitive.Registry
	strategy relax.Strategy
	output   graph.OutputType
	metric   string
}

// resolve checks every option that can be checked without data. Unknown
// primitives, an unsupported output type and an empty graph all fail here,
// before any training step.
func (c Config) resolve() (resolved, error) {
	if c.NumGraphNodes < 1 {
		return resolved{}, fmt.Errorf("%w: num_graph_nodes must be >= 1, got %d", graph.ErrInvalidTopology, c.NumGraphNodes)
	}
	names := c.Primitives
	if len(names) == 0 {
		names = primitive.DefaultNames
	}
	registry, err := primitive.NewRegistry(names)
	if err != nil {
		return resolved{}, err
	}
	strategy, err := relax.FromName(c.DartsType)
	if err != nil {
		return resolved{}, err
	}
	output, err := graph.ParseOutputType(c.OutputType)
	if err != nil {
		return resolved{}, err
	}
	if err := output.Validate(); err != nil {
		return resolved{}, err
	}
	metric, err := selection.ParseMetric(c.SelectionMetric)
	if err != nil {
		return resolved{}, err
	}
	if _, err := optim.ScheduleFromName(c.LRSchedule, c.LearningRate, c.LearningRateMin); err != nil {
		return resolved{}, err
	}

	switch {
	case c.MaxEpochs < 0:
		return resolved{}, fmt.Errorf("%w: max_epochs must be >= 0", ErrInvalidConfig)
	case c.ArchUpdatesPerEpoch < 0 || c.ParamUpdatesPerEpoch < 0:
		return resolved{}, fmt.Errorf("%w: updates per epoch must be >= 0", ErrInvalidConfig)
	case c.BatchSize < 0:
		return resolved{}, fmt.Errorf("%w: batch_size must be >= 0", ErrInvalidConfig)
	case c.TrainPortion <= 0 || c.TrainPortion > 1:
		return resolved{}, fmt.Errorf("%w: train_portion must be in (0, 1], got %g", ErrInvalidConfig, c.TrainPortion)
	case c.NModelsSampled < 1:
		return resolved{}, fmt.Errorf("%w: n_models_sampled must be >= 1", ErrInvalidConfig)
	case c.SampleAmp < 0:
		return resolved{}, fmt.Errorf("%w: sample_amp must be >= 0", ErrInvalidConfig)
	case c.RefitUpdates != nil && *c.RefitUpdates < 0:
		return resolved{}, fmt.Errorf("%w: refit_updates must be >= 0", ErrInvalidConfig)
	case c.EvalInterval < 0:
		return resolved{}, fmt.Errorf("%w: eval_interval must be >= 0", ErrInvalidConfig)
	}
	return resolved{registry: registry, strategy: strategy, output: output, metric: metric}, nil
}

// searchConfig maps the options onto the engine. rng drives every random
// draw of the run.
func (c Config) searchConfig(metric string, rng *rand.Rand) search.Config {
	stochastic := c.NModelsSampled > 1
	if c.StochasticSampling != nil {
		stochastic = *c.StochasticSampling
	}
	refit := c.ParamUpdatesPerEpoch
	if c.RefitUpdates != nil {
		refit = *c.RefitUpdates
	}
	return search.Config{
		MaxEpochs:             c.MaxEpochs,
		ParamUpdatesPerEpoch:  c.ParamUpdatesPerEpoch,
		ArchUpdatesPerEpoch:   c.ArchUpdatesPerEpoch,
		BatchSize:             c.BatchSize,
		LearningRate:          c.LearningRate,
		LearningRateMin:       c.LearningRateMin,
		Schedule:              c.LRSchedule,
		Momentum:              c.Momentum,
		WeightDecay:           c.WeightDecay,
		GradClip:              c.GradClip,
		ClassifierWeightDecay: c.ClassifierWeightDecay,
		ArchLearningRate:      c.ArchLearningRate,
		ArchWeightDecay:       c.ArchWeightDecay,
		FairLossWeight:        c.FairLossWeight,
		TrainPortion:          c.TrainPortion,
		Unrolled:              c.Unrolled,
		SampleAmp:             c.SampleAmp,
		ModelsSampled:         c.NModelsSampled,
		StochasticSampling:    stochastic,
		FairThreshold:         c.FairDartsWeightThreshold,
		ReinitializeWeights:   c.ReinitializeWeights,
		RefitUpdates:          refit,
		BICTestSize:           c.BICTestSize,
		EvalInterval:          c.EvalInterval,
		SelectionMetric:       metric,
		Seed:                  c.Seed,
		Rand:                  rng,
		Monitor:               c.ExecutionMonitor,
	}
}

// sameArchitecture reports whether a graph built from c could continue a
// graph built from other.
func (c Config) sameArchitecture(other Config) bool {
	if c.NumGraphNodes != other.NumGraphNodes {
		return false
	}
	if !strings.EqualFold(c.DartsType, other.DartsType) || !strings.EqualFold(c.OutputType, other.OutputType) {
		return false
	}
	a, b := c.Primitives, other.Primitives
	if len(a) == 0 {
		a = primitive.DefaultNames
	}
	if len(b) == 0 {
		b = primitive.DefaultNames
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}

func (c Config) clone() Config {
	out := c
	out.Primitives = append([]string(nil), c.Primitives...)
	out.InputNames = append([]string(nil), c.InputNames...)
	out.OutputNames = append([]string(nil), c.OutputNames...)
	if c.StochasticSampling != nil {
		v := *c.StochasticSampling
		out.StochasticSampling = &v
	}
	if c.RefitUpdates != nil {
		v := *c.RefitUpdates
		out.RefitUpdates = &v
	}
	return out
}
