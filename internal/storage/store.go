package storage

import (
	"context"

	"symdarts/internal/model"
)

// Store persists search runs, their best models and loss histories.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	SaveModel(ctx context.Context, rec model.ModelRecord) error
	GetModel(ctx context.Context, runID string) (model.ModelRecord, bool, error)
	SaveLossHistory(ctx context.Context, runID string, history []model.EpochRecord) error
	GetLossHistory(ctx context.Context, runID string) ([]model.EpochRecord, bool, error)
}
