package storage

import (
	"context"
	"errors"
	"math"
	"testing"

	"symdarts/internal/model"
)

func sampleRun(id, created string) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		CreatedAtUTC:    created,
		Config:          []byte(`{"num_graph_nodes":2}`),
		Rows:            40,
		Epochs:          10,
		Candidates:      2,
		SelectionMetric: "bic",
		BestScore:       -12.5,
		Equation:        "k1 = x1\ny1 = 2 * k1",
		Boards: []model.BoardRecord{
			{Name: "bic", Score: -12.5, Epoch: 9, CandidateID: 1},
		},
	}
}

func sampleModel(runID string) model.ModelRecord {
	return model.ModelRecord{
		VersionedRecord: Versioned(),
		RunID:           runID,
		Board:           "bic",
		Epoch:           9,
		CandidateID:     1,
		Graph: model.GraphRecord{
			Primitives: []string{"none", "add"},
			DartsType:  "original",
			OutputType: "real",
			NumInputs:  1,
			NumOutputs: 1,
			NumNodes:   1,
			Edges: []model.EdgeRecord{
				{Source: 0, Partner: 0, Target: 1, Choice: "add", Weights: []float64{0.1, 0.9}, Params: [][]float64{{}, {}}},
			},
			Readout: [][]float64{{2}},
			Bias:    []float64{0},
		},
		DescriptionLength: 2,
		BIC:               -12.5,
		AIC:               model.Float(math.Inf(1)),
		TrainLoss:         0.01,
		ValidationLoss:    map[string]model.Float{"holdout": 0.02},
		Equation:          "k1 = x1\ny1 = 2 * k1",
	}
}

// exerciseStore checks the Store contract shared by every backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRun("b", "2026-01-02T00:00:00Z")); err != nil {
		t.Fatalf("save run b: %v", err)
	}
	if err := store.SaveRun(ctx, sampleRun("a", "2026-01-02T00:00:00Z")); err != nil {
		t.Fatalf("save run a: %v", err)
	}
	if err := store.SaveRun(ctx, sampleRun("c", "2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("save run c: %v", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[1].ID != "a" || runs[2].ID != "b" {
		t.Fatalf("unexpected run order: %+v", runs)
	}

	run, ok, err := store.GetRun(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if run.BestScore != -12.5 || len(run.Boards) != 1 || string(run.Config) != `{"num_graph_nodes":2}` {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run: ok=%t err=%v", ok, err)
	}

	rec := sampleModel("a")
	if err := store.SaveModel(ctx, rec); err != nil {
		t.Fatalf("save model: %v", err)
	}
	rec.Graph.Readout[0][0] = 99
	loaded, ok, err := store.GetModel(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get model: ok=%t err=%v", ok, err)
	}
	if loaded.Graph.Readout[0][0] != 2 {
		t.Fatal("stored model aliases caller state")
	}
	if loaded.Graph.Edges[0].Choice != "add" || loaded.ValidationLoss["holdout"] != 0.02 {
		t.Fatalf("unexpected model: %+v", loaded)
	}
	if !math.IsNaN(float64(loaded.AIC)) {
		t.Fatalf("non-finite metric must load as NaN, got %v", loaded.AIC)
	}

	history := []model.EpochRecord{
		{Epoch: 0, LearningRate: 0.5, TrainLoss: 1, ArchLoss: 1.2},
		{Epoch: 1, LearningRate: 0.4, TrainLoss: model.Float(math.NaN()), ArchLoss: 0.9, Divergences: 1,
			ValidationLoss: map[string]model.Float{"holdout": 0.7}},
	}
	if err := store.SaveLossHistory(ctx, "a", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	gotHistory, ok, err := store.GetLossHistory(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get history: ok=%t err=%v", ok, err)
	}
	if len(gotHistory) != 2 || gotHistory[1].Divergences != 1 || gotHistory[1].ValidationLoss["holdout"] != 0.7 {
		t.Fatalf("unexpected history: %+v", gotHistory)
	}

	if err := store.DeleteRun(ctx, "a"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if _, ok, _ := store.GetRun(ctx, "a"); ok {
		t.Fatal("run must be deleted")
	}
	if _, ok, _ := store.GetModel(ctx, "a"); ok {
		t.Fatal("model must be deleted with its run")
	}
	if _, ok, _ := store.GetLossHistory(ctx, "a"); ok {
		t.Fatal("history must be deleted with its run")
	}

	stale := sampleRun("old", "2025-01-01T00:00:00Z")
	stale.SchemaVersion = 0
	if err := store.SaveRun(ctx, stale); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveRun(context.Background(), sampleRun("a", "")); err == nil {
		t.Fatal("expected error before init")
	}
}
