package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"symdarts/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	models      map[string]model.ModelRecord
	history     map[string][]model.EpochRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.models = make(map[string]model.ModelRecord)
	s.history = make(map[string][]model.EpochRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	run.Boards = append([]model.BoardRecord(nil), run.Boards...)
	run.Config = append([]byte(nil), run.Config...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Boards = append([]model.BoardRecord(nil), run.Boards...)
	return run, true, nil
}

// ListRuns returns runs ordered by creation time, then id.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	delete(s.models, id)
	delete(s.history, id)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, rec model.ModelRecord) error {
	if err := checkVersion(rec.VersionedRecord); err != nil {
		return err
	}
	// Deep copy through the codec.
	data, err := EncodeModel(rec)
	if err != nil {
		return err
	}
	copied, err := DecodeModel(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.models[rec.RunID] = copied
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, runID string) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.models[runID]
	s.mu.RUnlock()
	if !ok {
		return model.ModelRecord{}, false, nil
	}
	data, err := EncodeModel(rec)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	copied, err := DecodeModel(data)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	return copied, true, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, runID string, history []model.EpochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.history[runID] = copyHistory(history)
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) ([]model.EpochRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	return copyHistory(history), true, nil
}

func copyHistory(history []model.EpochRecord) []model.EpochRecord {
	copied := make([]model.EpochRecord, len(history))
	for i, rec := range history {
		copied[i] = rec
		if rec.ValidationLoss != nil {
			copied[i].ValidationLoss = make(map[string]model.Float, len(rec.ValidationLoss))
			for k, v := range rec.ValidationLoss {
				copied[i].ValidationLoss[k] = v
			}
		}
	}
	return copied
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
