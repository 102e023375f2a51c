package graph

import (
	"fmt"

	"symdarts/internal/model"
	"symdarts/internal/primitive"
	"symdarts/internal/relax"
)

// Record snapshots the graph into its persisted form.
func (g *Graph) Record() model.GraphRecord {
	rec := model.GraphRecord{
		Primitives: g.registry.Names(),
		DartsType:  g.strategy.Name(),
		OutputType: g.output.String(),
		NumInputs:  g.numInputs,
		NumOutputs: g.numOutputs,
		NumNodes:   len(g.Nodes),
		Edges:      make([]model.EdgeRecord, len(g.Edges)),
		Readout:    make([][]float64, len(g.Readout)),
		Bias:       append([]float64(nil), g.Bias...),
	}
	for ei, e := range g.Edges {
		er := model.EdgeRecord{
			Source:  e.Source,
			Partner: e.Partner,
			Target:  e.Target,
			Weights: append([]float64(nil), e.Weights...),
			Params:  make([][]float64, len(e.Params)),
		}
		if e.Choice >= 0 {
			er.Choice = g.registry.At(e.Choice).Name
		}
		for p := range e.Params {
			er.Params[p] = append([]float64(nil), e.Params[p]...)
		}
		rec.Edges[ei] = er
	}
	for k := range g.Readout {
		rec.Readout[k] = append([]float64(nil), g.Readout[k]...)
	}
	return rec
}

// FromRecord rebuilds a graph from its persisted form.
func FromRecord(rec model.GraphRecord) (*Graph, error) {
	registry, err := primitive.NewRegistry(rec.Primitives)
	if err != nil {
		return nil, err
	}
	strategy, err := relax.FromName(rec.DartsType)
	if err != nil {
		return nil, err
	}
	output, err := ParseOutputType(rec.OutputType)
	if err != nil {
		return nil, err
	}
	g, err := New(Config{
		NumInputs:  rec.NumInputs,
		NumOutputs: rec.NumOutputs,
		NumNodes:   rec.NumNodes,
		Registry:   registry,
		Strategy:   strategy,
		Output:     output,
	})
	if err != nil {
		return nil, err
	}

	if len(rec.Edges) != len(g.Edges) {
		return nil, fmt.Errorf("%w: record has %d edges, topology has %d", ErrInvalidTopology, len(rec.Edges), len(g.Edges))
	}
	for ei, er := range rec.Edges {
		e := &g.Edges[ei]
		if er.Source != e.Source || er.Target != e.Target || er.Partner != e.Partner {
			return nil, fmt.Errorf("%w: edge %d endpoints %d->%d do not match %d->%d", ErrInvalidTopology, ei, er.Source, er.Target, e.Source, e.Target)
		}
		if len(er.Weights) != len(e.Weights) || len(er.Params) != len(e.Params) {
			return nil, fmt.Errorf("%w: edge %d has %d weights, registry has %d primitives", ErrInvalidTopology, ei, len(er.Weights), len(e.Weights))
		}
		copy(e.Weights, er.Weights)
		for p := range e.Params {
			if len(er.Params[p]) != len(e.Params[p]) {
				return nil, fmt.Errorf("%w: edge %d primitive %s expects %d params", ErrInvalidTopology, ei, registry.At(p).Name, len(e.Params[p]))
			}
			copy(e.Params[p], er.Params[p])
		}
		e.Choice = -1
		if er.Choice != "" {
			idx, ok := registry.Index(er.Choice)
			if !ok {
				return nil, fmt.Errorf("%w: %s", primitive.ErrUnknownPrimitive, er.Choice)
			}
			e.Choice = idx
		}
	}

	if len(rec.Readout) != len(g.Readout) || len(rec.Bias) != len(g.Bias) {
		return nil, fmt.Errorf("%w: readout shape mismatch", ErrInvalidTopology)
	}
	for k := range g.Readout {
		if len(rec.Readout[k]) != len(g.Readout[k]) {
			return nil, fmt.Errorf("%w: readout row %d has %d terms", ErrInvalidTopology, k, len(rec.Readout[k]))
		}
		copy(g.Readout[k], rec.Readout[k])
	}
	copy(g.Bias, rec.Bias)
	return g, nil
}
