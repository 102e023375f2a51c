package symdarts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"symdarts/internal/dataset"
	"symdarts/internal/expr"
	"symdarts/internal/graph"
	"symdarts/internal/search"
	"symdarts/internal/selection"
)

var ErrNotFitted = errors.New("regressor is not fitted")

// Theorist is the contract shared by model-discovery estimators.
type Theorist interface {
	Fit(ctx context.Context, X, Y *mat.Dense) error
	Predict(X *mat.Dense) (*mat.Dense, error)
	ModelRepr() (string, error)
}

var _ Theorist = (*Regressor)(nil)

// Leader is the running best of one selection board.
type Leader struct {
	Board             string
	Score             float64
	Epoch             int
	CandidateID       int
	DescriptionLength int
	Equation          string
}

// Regressor searches for a symbolic model of Y given X. It is not safe for
// concurrent use.
type Regressor struct {
	cfg      Config
	res      resolved
	selector *selection.Selector

	// graph is the relaxed graph of the last fit, kept for warm starts.
	graph *graph.Graph
	best  *selection.Scored
	board string
	score float64
	state search.State
	rows  int
}

// NewRegressor validates cfg. Configuration errors surface here, before any
// data is seen.
func NewRegressor(cfg Config) (*Regressor, error) {
	res, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	return &Regressor{cfg: cfg.clone(), res: res, selector: selection.NewSelector()}, nil
}

func (r *Regressor) Config() Config { return r.cfg.clone() }

// SetConfig replaces the options for the next Fit. The relaxed graph is kept
// for a warm start only when the architecture options are unchanged.
func (r *Regressor) SetConfig(cfg Config) error {
	res, err := cfg.resolve()
	if err != nil {
		return err
	}
	if !cfg.sameArchitecture(r.cfg) {
		r.graph = nil
	}
	r.cfg = cfg.clone()
	r.res = res
	return nil
}

// AddValidationSet registers a named held-out table scored on its own board
// ("validation:<name>") for every candidate of later fits.
func (r *Regressor) AddValidationSet(name string, X, Y *mat.Dense) error {
	return r.selector.AddValidationSet(name, X, Y)
}

// Fit runs the search on X, Y. A fitted regressor whose relaxed graph matches
// the data widths continues from that graph; otherwise a new graph is drawn
// from Seed. Boards are cleared first, so the retained model always comes
// from this call.
func (r *Regressor) Fit(ctx context.Context, X, Y *mat.Dense) error {
	d, err := dataset.New(X, Y)
	if err != nil {
		return err
	}
	if n := len(r.cfg.InputNames); n > 0 && n != d.Inputs() {
		return fmt.Errorf("%w: %d input names for %d input columns", dataset.ErrShapeMismatch, n, d.Inputs())
	}
	if n := len(r.cfg.OutputNames); n > 0 && n != d.Outputs() {
		return fmt.Errorf("%w: %d output names for %d target columns", dataset.ErrShapeMismatch, n, d.Outputs())
	}
	if err := r.selector.CheckShapes(d.Inputs(), d.Outputs()); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(r.cfg.Seed))
	g := r.graph
	if g == nil || g.NumInputs() != d.Inputs() || g.NumOutputs() != d.Outputs() {
		g, err = graph.New(graph.Config{
			NumInputs:  d.Inputs(),
			NumOutputs: d.Outputs(),
			NumNodes:   r.cfg.NumGraphNodes,
			Registry:   r.res.registry,
			Strategy:   r.res.strategy,
			Output:     r.res.output,
			Rand:       rng,
		})
		if err != nil {
			return err
		}
	}

	r.selector.ResetBoards()
	s, err := search.New(g, r.selector, r.cfg.searchConfig(r.res.metric, rng))
	if err != nil {
		return err
	}
	r.graph = g
	r.best = nil
	r.rows = d.Rows()

	result, err := s.Run(ctx, X, Y)
	r.state = s.State()
	if err != nil {
		return err
	}
	r.best = result.Best
	r.board = result.Board
	r.score = result.Score
	return nil
}

func (r *Regressor) Fitted() bool { return r.best != nil }

// Predict evaluates the retained best model.
func (r *Regressor) Predict(X *mat.Dense) (*mat.Dense, error) {
	if r.best == nil {
		return nil, ErrNotFitted
	}
	return r.best.Graph.Predict(X)
}

// ModelRepr renders the retained best model as equations.
func (r *Regressor) ModelRepr() (string, error) {
	if r.best == nil {
		return "", ErrNotFitted
	}
	return r.render(r.best.Graph)
}

func (r *Regressor) render(g *graph.Graph) (string, error) {
	return expr.Render(g, expr.Options{InputNames: r.cfg.InputNames, OutputNames: r.cfg.OutputNames})
}

// Score returns the retained model's board and score.
func (r *Regressor) Score() (string, float64, error) {
	if r.best == nil {
		return "", 0, ErrNotFitted
	}
	return r.board, r.score, nil
}

// State returns the history of the last fit.
func (r *Regressor) State() State { return r.state }

// RelaxedWeights returns a copy of the architecture weights of the relaxed
// graph, or nil before the first fit.
func (r *Regressor) RelaxedWeights() [][]float64 {
	if r.graph == nil {
		return nil
	}
	return r.graph.RelaxedWeights()
}

// Best returns the current leader of a board.
func (r *Regressor) Best(board string) (Leader, bool) {
	name, err := selection.ParseMetric(board)
	if err != nil {
		return Leader{}, false
	}
	entry, ok := r.selector.Best(name)
	if !ok {
		return Leader{}, false
	}
	return r.leader(entry), true
}

// Leaders returns every non-empty board sorted by name.
func (r *Regressor) Leaders() []Leader {
	entries := r.selector.Leaders()
	out := make([]Leader, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.leader(e))
	}
	return out
}

func (r *Regressor) leader(e selection.Entry) Leader {
	l := Leader{
		Board:             e.Board,
		Score:             e.Score,
		Epoch:             e.Model.Epoch,
		CandidateID:       e.Model.CandidateID,
		DescriptionLength: e.Model.DescriptionLength,
	}
	if eq, err := r.render(e.Model.Graph); err == nil {
		l.Equation = eq
	}
	return l
}

// Reset drops the relaxed graph, the retained model and the boards.
// Validation sets stay registered.
func (r *Regressor) Reset() {
	r.graph = nil
	r.best = nil
	r.board = ""
	r.score = 0
	r.state = search.State{}
	r.rows = 0
	r.selector.ResetBoards()
}
