package symdarts

import (
	"encoding/json"
	"fmt"

	"symdarts/internal/graph"
	"symdarts/internal/model"
	"symdarts/internal/selection"
	"symdarts/internal/storage"
)

// Snapshot returns the persisted form of the retained best model.
func (r *Regressor) Snapshot() (model.ModelRecord, error) {
	if r.best == nil {
		return model.ModelRecord{}, ErrNotFitted
	}
	equation, err := r.ModelRepr()
	if err != nil {
		return model.ModelRecord{}, err
	}
	b := r.best
	return model.ModelRecord{
		VersionedRecord:   storage.Versioned(),
		Board:             r.board,
		Epoch:             b.Epoch,
		CandidateID:       b.CandidateID,
		InputNames:        append([]string(nil), r.cfg.InputNames...),
		OutputNames:       append([]string(nil), r.cfg.OutputNames...),
		Graph:             b.Graph.Record(),
		DescriptionLength: b.DescriptionLength,
		ResidualVariance:  model.Float(b.ResidualVariance),
		BIC:               model.Float(b.BIC),
		AIC:               model.Float(b.AIC),
		TrainLoss:         model.Float(b.TrainLoss),
		ValidationLoss:    model.Floats(b.ValidationLoss),
		Equation:          equation,
	}, nil
}

// LoadRegressor restores a fitted regressor from a snapshot. The result can
// predict and render; a later Fit starts a fresh search with the snapshot's
// architecture options.
func LoadRegressor(rec model.ModelRecord) (*Regressor, error) {
	if err := storage.CheckVersion(rec.VersionedRecord); err != nil {
		return nil, err
	}
	g, err := graph.FromRecord(rec.Graph)
	if err != nil {
		return nil, err
	}
	if !g.IsDiscrete() {
		return nil, fmt.Errorf("%w: model record holds a relaxed graph", graph.ErrInvalidTopology)
	}

	cfg := DefaultConfig()
	cfg.NumGraphNodes = rec.Graph.NumNodes
	cfg.Primitives = append([]string(nil), rec.Graph.Primitives...)
	cfg.DartsType = rec.Graph.DartsType
	cfg.OutputType = rec.Graph.OutputType
	cfg.InputNames = append([]string(nil), rec.InputNames...)
	cfg.OutputNames = append([]string(nil), rec.OutputNames...)
	board, err := selection.ParseMetric(rec.Board)
	if err != nil {
		return nil, err
	}
	cfg.SelectionMetric = board

	r, err := NewRegressor(cfg)
	if err != nil {
		return nil, err
	}
	r.best = &selection.Scored{
		CandidateID:       rec.CandidateID,
		Epoch:             rec.Epoch,
		Graph:             g,
		DescriptionLength: rec.DescriptionLength,
		ResidualVariance:  float64(rec.ResidualVariance),
		BIC:               float64(rec.BIC),
		AIC:               float64(rec.AIC),
		TrainLoss:         float64(rec.TrainLoss),
		ValidationLoss:    make(map[string]float64, len(rec.ValidationLoss)),
	}
	for name, v := range rec.ValidationLoss {
		r.best.ValidationLoss[name] = float64(v)
	}
	r.board = board
	if r.score, err = r.best.Score(board); err != nil {
		return nil, err
	}
	return r, nil
}

// History converts the epochs of the last fit into loss-history records.
func (r *Regressor) History() []model.EpochRecord {
	out := make([]model.EpochRecord, 0, len(r.state.Epochs))
	for _, e := range r.state.Epochs {
		out = append(out, model.EpochRecord{
			Epoch:          e.Epoch,
			LearningRate:   e.LearningRate,
			TrainLoss:      model.Float(e.TrainLoss),
			ArchLoss:       model.Float(e.ArchLoss),
			ValidationLoss: model.Floats(e.ValidationLoss),
			Divergences:    e.Divergences,
		})
	}
	return out
}

// RunRecord summarizes the last fit under id.
func (r *Regressor) RunRecord(id, createdAtUTC, datasetName string) (model.RunRecord, error) {
	if r.best == nil {
		return model.RunRecord{}, ErrNotFitted
	}
	cfg, err := json.Marshal(r.cfg)
	if err != nil {
		return model.RunRecord{}, err
	}
	equation, err := r.ModelRepr()
	if err != nil {
		return model.RunRecord{}, err
	}
	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              id,
		CreatedAtUTC:    createdAtUTC,
		Config:          cfg,
		Dataset:         datasetName,
		Rows:            r.rows,
		Epochs:          len(r.state.Epochs),
		Candidates:      r.state.Candidates,
		Divergences:     r.state.Divergences,
		SelectionMetric: r.board,
		BestScore:       model.Float(r.score),
		BestEpoch:       r.best.Epoch,
		Equation:        equation,
	}
	for _, l := range r.Leaders() {
		run.Boards = append(run.Boards, model.BoardRecord{
			Name:        l.Board,
			Score:       model.Float(l.Score),
			Epoch:       l.Epoch,
			CandidateID: l.CandidateID,
		})
	}
	return run, nil
}
