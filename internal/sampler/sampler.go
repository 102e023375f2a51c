package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"symdarts/internal/graph"
	"symdarts/internal/primitive"
	"symdarts/internal/relax"
)

var ErrInvalidConfig = errors.New("invalid sampler config")

const (
	DefaultAmp       = 100.0
	DefaultThreshold = 0.25
	DefaultTieRatio  = 0.5
)

type Config struct {
	// Amp sharpens the architecture weights before relaxation.
	Amp   float64
	Count int
	// Stochastic draws from the sharpened distribution instead of taking the
	// arg-max.
	Stochastic bool
	// Threshold collapses a FAIR edge to none when no sigmoid weight exceeds it.
	Threshold float64
	// TieRatio marks an edge pruned to none as near a tie when its strongest
	// other primitive keeps at least this share of none's relaxed weight.
	TieRatio     float64
	Reinitialize bool
	Rand         *rand.Rand
}

// Candidate is a discretized copy of the searched graph.
type Candidate struct {
	ID      int
	Choices []int
	Graph   *graph.Graph
	// Alternatives revive near-tie edges that were pruned to none. They share
	// the candidate's parameters.
	Alternatives []Candidate
}

func (c Config) withDefaults() (Config, error) {
	if c.Amp == 0 {
		c.Amp = DefaultAmp
	}
	if c.Amp < 0 {
		return c, fmt.Errorf("%w: sample amp must be > 0", ErrInvalidConfig)
	}
	if c.Count == 0 {
		c.Count = 1
	}
	if c.Count < 0 {
		return c, fmt.Errorf("%w: model count must be >= 1", ErrInvalidConfig)
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.TieRatio == 0 {
		c.TieRatio = DefaultTieRatio
	}
	if c.TieRatio < 0 {
		return c, fmt.Errorf("%w: tie ratio must be >= 0", ErrInvalidConfig)
	}
	if c.Rand == nil && (c.Stochastic || c.Reinitialize) {
		return c, fmt.Errorf("%w: random source is required", ErrInvalidConfig)
	}
	return c, nil
}

// Probabilities returns each edge's selection distribution: the weights are
// amplified, passed through the edge's relaxation and normalized.
func Probabilities(g *graph.Graph, amp, threshold float64) [][]float64 {
	noneIdx := g.Registry().NoneIndex()
	fair := g.Strategy().Name() == relax.NameFair
	out := make([][]float64, len(g.Edges))
	for ei, e := range g.Edges {
		probs := make([]float64, len(e.Weights))
		out[ei] = probs
		if e.Choice >= 0 {
			probs[e.Choice] = 1
			continue
		}
		if fair && noneIdx >= 0 && !anyAbove(e.Weights, threshold, noneIdx) {
			probs[noneIdx] = 1
			continue
		}
		scaled := make([]float64, len(e.Weights))
		for p, w := range e.Weights {
			scaled[p] = amp * w
		}
		g.Strategy().Relax(scaled, probs)
		normalize(probs, scaled)
	}
	return out
}

// normalize rescales p to sum to one. A degenerate p becomes one-hot on the
// largest score.
func normalize(p, scores []float64) {
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if sum > 0 && !math.IsInf(sum, 0) && !math.IsNaN(sum) {
		for i := range p {
			p[i] /= sum
		}
		return
	}
	best := argmax(scores)
	for i := range p {
		p[i] = 0
	}
	p[best] = 1
}

func anyAbove(weights []float64, threshold float64, skip int) bool {
	for p, w := range weights {
		if p == skip {
			continue
		}
		if primitive.Logistic(w) > threshold {
			return true
		}
	}
	return false
}

// Sample discretizes g Count times and drops duplicate choice vectors.
// Candidates keep the order in which they were first drawn.
func Sample(g *graph.Graph, cfg Config) ([]Candidate, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	probs := Probabilities(g, cfg.Amp, cfg.Threshold)

	seen := make(map[string]struct{}, cfg.Count)
	out := make([]Candidate, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		choices := make([]int, len(probs))
		for ei, p := range probs {
			if cfg.Stochastic {
				choices[ei] = draw(p, cfg.Rand)
			} else {
				choices[ei] = argmax(p)
			}
		}
		key := Key(choices)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		d, err := g.Discretize(choices)
		if err != nil {
			return nil, err
		}
		if cfg.Reinitialize {
			d.ReinitializeParams(cfg.Rand)
		}
		c := Candidate{ID: len(out), Choices: choices, Graph: d}
		c.Alternatives = alternatives(g, c, cfg)
		out = append(out, c)
	}
	return out, nil
}

// alternatives returns variants of c in which edges pruned to none near a tie
// take their strongest other primitive: one per such edge and, when there are
// several, one reviving all of them.
func alternatives(g *graph.Graph, c Candidate, cfg Config) []Candidate {
	noneIdx := g.Registry().NoneIndex()
	if noneIdx < 0 {
		return nil
	}
	fair := g.Strategy().Name() == relax.NameFair
	revived := map[int]int{}
	var edges []int
	for ei, e := range g.Edges {
		if e.Choice >= 0 || c.Choices[ei] != noneIdx || len(e.Weights) < 2 {
			continue
		}
		if fair && !anyAbove(e.Weights, cfg.Threshold, noneIdx) {
			continue
		}
		relaxed := make([]float64, len(e.Weights))
		g.Strategy().Relax(e.Weights, relaxed)
		best := -1
		for p, v := range relaxed {
			if p != noneIdx && (best < 0 || v > relaxed[best]) {
				best = p
			}
		}
		if relaxed[best] < cfg.TieRatio*relaxed[noneIdx] {
			continue
		}
		revived[ei] = best
		edges = append(edges, ei)
	}
	if len(edges) == 0 {
		return nil
	}

	variant := func(set []int) Candidate {
		d := c.Graph.Clone()
		for _, ei := range set {
			d.Edges[ei].Choice = revived[ei]
		}
		return Candidate{ID: c.ID, Choices: d.Choices(), Graph: d}
	}
	out := make([]Candidate, 0, len(edges)+1)
	for _, ei := range edges {
		out = append(out, variant([]int{ei}))
	}
	if len(edges) > 1 {
		out = append(out, variant(edges))
	}
	return out
}

// Key identifies a choice vector.
func Key(choices []int) string {
	parts := make([]string, len(choices))
	for i, c := range choices {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

func draw(p []float64, rng *rand.Rand) int {
	u := rng.Float64()
	acc := 0.0
	for i, v := range p {
		acc += v
		if u < acc {
			return i
		}
	}
	return argmax(p)
}
