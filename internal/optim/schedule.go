package optim

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownSchedule = errors.New("unknown learning rate schedule")

// Schedule maps an epoch to a learning rate.
type Schedule interface {
	Name() string
	Rate(epoch, totalEpochs int) float64
}

type ConstantSchedule struct {
	LR float64
}

func (ConstantSchedule) Name() string { return "constant" }

func (s ConstantSchedule) Rate(_epoch, _totalEpochs int) float64 { return s.LR }

// CosineSchedule anneals from Max at epoch 0 to Min at totalEpochs.
type CosineSchedule struct {
	Max float64
	Min float64
}

func (CosineSchedule) Name() string { return "cosine" }

func (s CosineSchedule) Rate(epoch, totalEpochs int) float64 {
	if totalEpochs <= 0 {
		return s.Max
	}
	if epoch < 0 {
		epoch = 0
	}
	if epoch > totalEpochs {
		epoch = totalEpochs
	}
	return s.Min + 0.5*(s.Max-s.Min)*(1+math.Cos(math.Pi*float64(epoch)/float64(totalEpochs)))
}

// ScheduleFromName builds a schedule case-insensitively. An empty name is
// cosine; constant holds max.
func ScheduleFromName(name string, max, min float64) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cosine":
		return CosineSchedule{Max: max, Min: min}, nil
	case "constant":
		return ConstantSchedule{LR: max}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
}
