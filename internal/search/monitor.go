package search

import (
	"io"
	"log/slog"
	"sort"
)

// EpochReport summarizes one finished epoch.
type EpochReport struct {
	Epoch          int                `json:"epoch"`
	LearningRate   float64            `json:"learning_rate"`
	TrainLoss      float64            `json:"train_loss"`
	ArchLoss       float64            `json:"arch_loss"`
	ValidationLoss map[string]float64 `json:"validation_loss,omitempty"`
	ParamNorm      float64            `json:"param_norm"`
	Divergences    int                `json:"divergences"`
	Checkpoint     bool               `json:"checkpoint"`
	Candidates     int                `json:"candidates"`
	Improved       []string           `json:"improved,omitempty"`
	// ArchWeights is the relaxed weight of every primitive on every edge at
	// the end of the epoch.
	ArchWeights [][]float64 `json:"arch_weights"`
	BestScore   float64     `json:"best_score"`
	// BestEpoch is the epoch of the retained model, or -1 while the
	// selection board is empty.
	BestEpoch int `json:"best_epoch"`
}

// Monitor observes the search between epochs. It must not mutate the graph.
type Monitor interface {
	OnEpoch(report EpochReport)
}

type MonitorFunc func(report EpochReport)

func (f MonitorFunc) OnEpoch(report EpochReport) { f(report) }

// LogMonitor writes one structured record per reported epoch.
type LogMonitor struct {
	Logger *slog.Logger
	// Every limits output to every n-th epoch; checkpoints are always logged.
	Every int
}

func NewLogMonitor(w io.Writer, every int) *LogMonitor {
	return &LogMonitor{Logger: slog.New(slog.NewTextHandler(w, nil)), Every: every}
}

func (m *LogMonitor) OnEpoch(r EpochReport) {
	if m == nil || m.Logger == nil {
		return
	}
	if m.Every > 1 && (r.Epoch+1)%m.Every != 0 && !r.Checkpoint {
		return
	}
	attrs := []any{
		"epoch", r.Epoch,
		"lr", r.LearningRate,
		"train_loss", r.TrainLoss,
		"arch_loss", r.ArchLoss,
		"param_norm", r.ParamNorm,
	}
	names := make([]string, 0, len(r.ValidationLoss))
	for name := range r.ValidationLoss {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attrs = append(attrs, "validation."+name, r.ValidationLoss[name])
	}
	if r.Divergences > 0 {
		attrs = append(attrs, "divergences", r.Divergences)
	}
	if r.Checkpoint {
		attrs = append(attrs, "candidates", r.Candidates, "best_score", r.BestScore, "best_epoch", r.BestEpoch)
		if len(r.Improved) > 0 {
			attrs = append(attrs, "improved", r.Improved)
		}
	}
	m.Logger.Info("search epoch", attrs...)
}
