package model

import (
	"encoding/json"
	"math"
	"strconv"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Float is a float64 metric that encodes NaN and infinities as JSON null
// and decodes null back to NaN.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Floats converts a metric map for persistence.
func Floats(in map[string]float64) map[string]Float {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]Float, len(in))
	for k, v := range in {
		out[k] = Float(v)
	}
	return out
}

// GraphRecord is a restorable snapshot of a computation graph, relaxed or
// discretized.
type GraphRecord struct {
	Primitives []string     `json:"primitives"`
	DartsType  string       `json:"darts_type"`
	OutputType string       `json:"output_type"`
	NumInputs  int          `json:"num_inputs"`
	NumOutputs int          `json:"num_outputs"`
	NumNodes   int          `json:"num_nodes"`
	Edges      []EdgeRecord `json:"edges"`
	Readout    [][]float64  `json:"readout"`
	Bias       []float64    `json:"bias"`
}

type EdgeRecord struct {
	Source  int         `json:"source"`
	Partner int         `json:"partner"`
	Target  int         `json:"target"`
	Choice  string      `json:"choice,omitempty"`
	Weights []float64   `json:"weights"`
	Params  [][]float64 `json:"params"`
}

// ModelRecord is the persisted best model of a run.
type ModelRecord struct {
	VersionedRecord
	RunID             string           `json:"run_id"`
	Board             string           `json:"board"`
	Epoch             int              `json:"epoch"`
	CandidateID       int              `json:"candidate_id"`
	InputNames        []string         `json:"input_names,omitempty"`
	OutputNames       []string         `json:"output_names,omitempty"`
	Graph             GraphRecord      `json:"graph"`
	DescriptionLength int              `json:"description_length"`
	ResidualVariance  Float            `json:"residual_variance"`
	BIC               Float            `json:"bic"`
	AIC               Float            `json:"aic"`
	TrainLoss         Float            `json:"train_loss"`
	ValidationLoss    map[string]Float `json:"validation_loss,omitempty"`
	Equation          string           `json:"equation"`
}

// EpochRecord is one row of a run's loss history.
type EpochRecord struct {
	Epoch          int              `json:"epoch"`
	LearningRate   float64          `json:"learning_rate"`
	TrainLoss      Float            `json:"train_loss"`
	ArchLoss       Float            `json:"arch_loss"`
	ValidationLoss map[string]Float `json:"validation_loss,omitempty"`
	Divergences    int              `json:"divergences"`
}

type BoardRecord struct {
	Name        string `json:"name"`
	Score       Float  `json:"score"`
	Epoch       int    `json:"epoch"`
	CandidateID int    `json:"candidate_id"`
}

// RunRecord summarizes one search.
type RunRecord struct {
	VersionedRecord
	ID              string          `json:"id"`
	CreatedAtUTC    string          `json:"created_at_utc"`
	Config          json.RawMessage `json:"config,omitempty"`
	Dataset         string          `json:"dataset,omitempty"`
	Rows            int             `json:"rows"`
	Epochs          int             `json:"epochs"`
	Candidates      int             `json:"candidates"`
	Divergences     int             `json:"divergences"`
	SelectionMetric string          `json:"selection_metric"`
	BestScore       Float           `json:"best_score"`
	BestEpoch       int             `json:"best_epoch"`
	Equation        string          `json:"equation"`
	Boards          []BoardRecord   `json:"boards,omitempty"`
}
