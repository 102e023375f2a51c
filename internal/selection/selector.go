package selection

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"symdarts/internal/graph"
)

var (
	ErrUnknownBoard        = errors.New("unknown selection board")
	ErrDuplicateValidation = errors.New("duplicate validation set")
	ErrValidationShape     = errors.New("validation set shape mismatch")
)

const (
	BoardTrainLoss   = "train_loss"
	BoardBIC         = "bic"
	BoardAIC         = "aic"
	ValidationPrefix = "validation:"
)

// ValidationBoard names the board tracking a validation set.
func ValidationBoard(name string) string {
	return ValidationPrefix + name
}

// ValidationSet is a named held-out table with its per-epoch loss history.
type ValidationSet struct {
	Name    string
	X       *mat.Dense
	Y       *mat.Dense
	History []float64
}

// Scored is an evaluated, discretized candidate. It is never mutated after
// Evaluate returns it.
type Scored struct {
	CandidateID       int
	Epoch             int
	Graph             *graph.Graph
	DescriptionLength int
	ResidualVariance  float64
	BIC               float64
	AIC               float64
	TrainLoss         float64
	ValidationLoss    map[string]float64
}

// Score returns the candidate's value on a board.
func (m *Scored) Score(board string) (float64, error) {
	switch board {
	case BoardTrainLoss:
		return sanitize(m.TrainLoss), nil
	case BoardBIC:
		return sanitize(m.BIC), nil
	case BoardAIC:
		return sanitize(m.AIC), nil
	}
	if name, ok := strings.CutPrefix(board, ValidationPrefix); ok {
		if v, ok := m.ValidationLoss[name]; ok {
			return sanitize(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownBoard, board)
}

// Entry is the running best of one board.
type Entry struct {
	Board string
	Score float64
	Model *Scored
}

// Selector scores candidates and keeps the best per board. Lower scores
// win; an equal score never replaces the incumbent.
type Selector struct {
	sets   []*ValidationSet
	boards map[string]Entry
}

func NewSelector() *Selector {
	return &Selector{boards: map[string]Entry{}}
}

func (s *Selector) AddValidationSet(name string, X, Y *mat.Dense) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("validation set name is required")
	}
	for _, vs := range s.sets {
		if vs.Name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateValidation, name)
		}
	}
	if X == nil || Y == nil || X.IsEmpty() || Y.IsEmpty() {
		return fmt.Errorf("%w: %s is empty", ErrValidationShape, name)
	}
	xr, _ := X.Dims()
	yr, _ := Y.Dims()
	if xr != yr {
		return fmt.Errorf("%w: %s has %d input rows vs %d target rows", ErrValidationShape, name, xr, yr)
	}
	s.sets = append(s.sets, &ValidationSet{Name: name, X: X, Y: Y})
	return nil
}

func (s *Selector) ValidationSets() []*ValidationSet {
	return append([]*ValidationSet(nil), s.sets...)
}

// CheckShapes verifies every validation set fits the given graph widths.
func (s *Selector) CheckShapes(inputs, outputs int) error {
	for _, vs := range s.sets {
		_, xc := vs.X.Dims()
		_, yc := vs.Y.Dims()
		if xc != inputs || yc != outputs {
			return fmt.Errorf("%w: %s is %dx%d, model is %dx%d", ErrValidationShape, vs.Name, xc, yc, inputs, outputs)
		}
	}
	return nil
}

// Boards lists every board name in a stable order.
func (s *Selector) Boards() []string {
	out := []string{BoardTrainLoss, BoardBIC, BoardAIC}
	for _, vs := range s.sets {
		out = append(out, ValidationBoard(vs.Name))
	}
	return out
}

// HasBoard reports whether board is tracked.
func (s *Selector) HasBoard(board string) bool {
	for _, b := range s.Boards() {
		if b == board {
			return true
		}
	}
	return false
}

// TrackEpoch appends g's loss on every validation set to the set's history.
func (s *Selector) TrackEpoch(g *graph.Graph) (map[string]float64, error) {
	out := make(map[string]float64, len(s.sets))
	for _, vs := range s.sets {
		loss, err := g.Loss(vs.X, vs.Y, nil)
		if err != nil {
			return nil, err
		}
		vs.History = append(vs.History, loss)
		out[vs.Name] = loss
	}
	return out, nil
}

// Evaluate scores a discretized candidate. bicRows selects the training rows
// used for residual variance, BIC and AIC.
func (s *Selector) Evaluate(g *graph.Graph, candidateID, epoch int, X, Y *mat.Dense, bicRows []int) (*Scored, error) {
	trainLoss, err := g.Loss(X, Y, nil)
	if err != nil {
		return nil, err
	}
	pred, err := g.Predict(X)
	if err != nil {
		return nil, err
	}
	if len(bicRows) == 0 {
		n, _ := X.Dims()
		bicRows = make([]int, n)
		for i := range bicRows {
			bicRows[i] = i
		}
	}
	m := &Scored{
		CandidateID:       candidateID,
		Epoch:             epoch,
		Graph:             g,
		DescriptionLength: g.DescriptionLength(),
		ResidualVariance:  ResidualVariance(pred, Y, bicRows),
		TrainLoss:         sanitize(trainLoss),
		ValidationLoss:    make(map[string]float64, len(s.sets)),
	}
	m.BIC, m.AIC = Information(m.ResidualVariance, len(bicRows), m.DescriptionLength)
	for _, vs := range s.sets {
		loss, err := g.Loss(vs.X, vs.Y, nil)
		if err != nil {
			return nil, err
		}
		m.ValidationLoss[vs.Name] = sanitize(loss)
	}
	return m, nil
}

// Offer submits a scored candidate to every board and returns the boards it
// now leads. Non-finite scores never enter a board.
func (s *Selector) Offer(m *Scored) []string {
	var improved []string
	for _, board := range s.Boards() {
		score, err := m.Score(board)
		if err != nil || math.IsInf(score, 0) {
			continue
		}
		cur, ok := s.boards[board]
		if ok && !(score < cur.Score) {
			continue
		}
		s.boards[board] = Entry{Board: board, Score: score, Model: m}
		improved = append(improved, board)
	}
	return improved
}

func (s *Selector) Best(board string) (Entry, bool) {
	e, ok := s.boards[board]
	return e, ok
}

// Leaders returns every populated board sorted by name.
func (s *Selector) Leaders() []Entry {
	out := make([]Entry, 0, len(s.boards))
	for _, e := range s.boards {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Board < out[j].Board })
	return out
}

// ResetBoards clears the running bests and validation histories. Validation
// sets stay registered.
func (s *Selector) ResetBoards() {
	s.boards = map[string]Entry{}
	for _, vs := range s.sets {
		vs.History = nil
	}
}

// ParseMetric normalizes a selection metric name.
func ParseMetric(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	switch strings.ToLower(trimmed) {
	case "", BoardTrainLoss, "loss":
		return BoardTrainLoss, nil
	case BoardBIC:
		return BoardBIC, nil
	case BoardAIC:
		return BoardAIC, nil
	}
	if rest, ok := strings.CutPrefix(trimmed, ValidationPrefix); ok && strings.TrimSpace(rest) != "" {
		return ValidationBoard(strings.TrimSpace(rest)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownBoard, name)
}
