package stats

import (
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"symdarts/internal/model"
)

const gridReportFile = "grid_report.json"

// GridTrial is one point of a hyperparameter grid and its held-out score.
type GridTrial struct {
	NumNodes        int         `json:"num_graph_nodes"`
	Seed            int64       `json:"seed"`
	ArchWeightDecay float64     `json:"arch_weight_decay"`
	Folds           int         `json:"folds"`
	Score           model.Float `json:"score"`
	Equation        string      `json:"equation,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type GridReport struct {
	Metric     string      `json:"metric"`
	Trials     []GridTrial `json:"trials"`
	BestIndex  int         `json:"best_index"`
	Finished   int         `json:"finished"`
	Failed     int         `json:"failed"`
	ScoreMean  model.Float `json:"score_mean"`
	ScoreStd   model.Float `json:"score_std"`
	ScoreMin   model.Float `json:"score_min"`
	ScoreMax   model.Float `json:"score_max"`
	SelectedBy string      `json:"selected_by,omitempty"`
}

// SummarizeGrid fills the aggregate fields of a report from its trials.
// Trials that failed or scored non-finite are excluded from the aggregates.
// BestIndex is -1 when no trial finished.
func SummarizeGrid(metric string, trials []GridTrial) GridReport {
	report := GridReport{
		Metric:    metric,
		Trials:    append([]GridTrial(nil), trials...),
		BestIndex: -1,
		ScoreMean: model.Float(math.NaN()),
		ScoreStd:  model.Float(math.NaN()),
		ScoreMin:  model.Float(math.NaN()),
		ScoreMax:  model.Float(math.NaN()),
	}
	scores := make([]float64, 0, len(trials))
	for i, trial := range trials {
		score := float64(trial.Score)
		if trial.Error != "" || math.IsNaN(score) || math.IsInf(score, 0) {
			report.Failed++
			continue
		}
		report.Finished++
		scores = append(scores, score)
		if report.BestIndex < 0 || score < float64(trials[report.BestIndex].Score) {
			report.BestIndex = i
		}
	}
	if len(scores) == 0 {
		return report
	}
	mean, std := stat.MeanStdDev(scores, nil)
	if len(scores) == 1 {
		std = 0
	}
	report.ScoreMean = model.Float(mean)
	report.ScoreStd = model.Float(std)
	report.ScoreMin = model.Float(scores[0])
	report.ScoreMax = model.Float(scores[0])
	for _, v := range scores[1:] {
		if v < float64(report.ScoreMin) {
			report.ScoreMin = model.Float(v)
		}
		if v > float64(report.ScoreMax) {
			report.ScoreMax = model.Float(v)
		}
	}
	return report
}

func WriteGridReport(runDir string, report GridReport) error {
	if report.BestIndex >= len(report.Trials) {
		return fmt.Errorf("grid report best index %d out of range", report.BestIndex)
	}
	return writeJSON(filepath.Join(runDir, gridReportFile), report)
}

func ReadGridReport(baseDir, runID string) (GridReport, bool, error) {
	var report GridReport
	ok, err := readJSON(filepath.Join(baseDir, runID, gridReportFile), &report)
	return report, ok, err
}
