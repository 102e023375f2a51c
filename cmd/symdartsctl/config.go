package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"symdarts/pkg/symdarts"
)

// loadFitConfig reads a JSON search config. Missing keys keep their
// defaults; "epochs" is accepted for max_epochs. An optional "grid" object
// turns the fit into a cross-validated grid search.
func loadFitConfig(path string) (symdarts.Config, *symdarts.Grid, error) {
	cfg := symdarts.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, nil, err
	}

	if v, ok := asInt(raw["num_graph_nodes"]); ok {
		cfg.NumGraphNodes = v
	}
	if v, ok := asStrings(raw["primitives"]); ok {
		cfg.Primitives = v
	}
	if v, ok := asString(raw["darts_type"]); ok {
		cfg.DartsType = v
	}
	if v, ok := asString(raw["output_type"]); ok {
		cfg.OutputType = v
	}
	if v, ok := asInt(raw["epochs"]); ok {
		cfg.MaxEpochs = v
	}
	if v, ok := asInt(raw["max_epochs"]); ok {
		cfg.MaxEpochs = v
	}
	if v, ok := asInt(raw["arch_updates_per_epoch"]); ok {
		cfg.ArchUpdatesPerEpoch = v
	}
	if v, ok := asInt(raw["param_updates_per_epoch"]); ok {
		cfg.ParamUpdatesPerEpoch = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		cfg.BatchSize = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		cfg.LearningRate = v
	}
	if v, ok := asFloat64(raw["learning_rate_min"]); ok {
		cfg.LearningRateMin = v
	}
	if v, ok := asString(raw["lr_schedule"]); ok {
		cfg.LRSchedule = v
	}
	if v, ok := asFloat64(raw["arch_learning_rate"]); ok {
		cfg.ArchLearningRate = v
	}
	if v, ok := asFloat64(raw["momentum"]); ok {
		cfg.Momentum = v
	}
	if v, ok := asFloat64(raw["weight_decay"]); ok {
		cfg.WeightDecay = v
	}
	if v, ok := asFloat64(raw["arch_weight_decay"]); ok {
		cfg.ArchWeightDecay = v
	}
	if v, ok := asFloat64(raw["classifier_weight_decay"]); ok {
		cfg.ClassifierWeightDecay = v
	}
	if v, ok := asFloat64(raw["grad_clip"]); ok {
		cfg.GradClip = v
	}
	if v, ok := asFloat64(raw["fair_loss_weight"]); ok {
		cfg.FairLossWeight = v
	}
	if v, ok := asFloat64(raw["train_portion"]); ok {
		cfg.TrainPortion = v
	}
	if v, ok := asBool(raw["unrolled"]); ok {
		cfg.Unrolled = v
	}
	if v, ok := asFloat64(raw["sample_amp"]); ok {
		cfg.SampleAmp = v
	}
	if v, ok := asInt(raw["n_models_sampled"]); ok {
		cfg.NModelsSampled = v
	}
	if v, ok := asBool(raw["reinitialize_weights"]); ok {
		cfg.ReinitializeWeights = v
	}
	if v, ok := asBool(raw["stochastic_sampling"]); ok {
		cfg.StochasticSampling = &v
	}
	if v, ok := asFloat64(raw["fair_darts_weight_threshold"]); ok {
		cfg.FairDartsWeightThreshold = v
	}
	if v, ok := asInt(raw["refit_updates"]); ok {
		cfg.RefitUpdates = &v
	}
	if v, ok := asInt(raw["bic_test_size"]); ok {
		cfg.BICTestSize = v
	}
	if v, ok := asInt(raw["eval_interval"]); ok {
		cfg.EvalInterval = v
	}
	if v, ok := asString(raw["selection_metric"]); ok {
		cfg.SelectionMetric = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	if v, ok := asStrings(raw["input_names"]); ok {
		cfg.InputNames = v
	}
	if v, ok := asStrings(raw["output_names"]); ok {
		cfg.OutputNames = v
	}

	gridMap, ok := raw["grid"].(map[string]any)
	if !ok {
		return cfg, nil, nil
	}
	grid := &symdarts.Grid{}
	if xs, ok := gridMap["num_graph_nodes"].([]any); ok {
		for _, x := range xs {
			v, ok := asInt(x)
			if !ok {
				return cfg, nil, fmt.Errorf("grid num_graph_nodes: not an integer: %v", x)
			}
			grid.NumGraphNodes = append(grid.NumGraphNodes, v)
		}
	}
	if xs, ok := gridMap["seeds"].([]any); ok {
		for _, x := range xs {
			v, ok := asInt64(x)
			if !ok {
				return cfg, nil, fmt.Errorf("grid seeds: not an integer: %v", x)
			}
			grid.Seeds = append(grid.Seeds, v)
		}
	}
	if xs, ok := gridMap["arch_weight_decays"].([]any); ok {
		for _, x := range xs {
			v, ok := asFloat64(x)
			if !ok {
				return cfg, nil, fmt.Errorf("grid arch_weight_decays: not a number: %v", x)
			}
			grid.ArchWeightDecays = append(grid.ArchWeightDecays, v)
		}
	}
	if v, ok := asInt(gridMap["folds"]); ok {
		grid.Folds = v
	}
	if v, ok := asInt(gridMap["workers"]); ok {
		grid.Workers = v
	}
	return cfg, grid, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return splitList(x), true
	default:
		return nil, false
	}
}

// overrideFromFlags applies only the flags named in set.
func overrideFromFlags(cfg *symdarts.Config, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "nodes":
			cfg.NumGraphNodes = v.(int)
		case "primitives":
			cfg.Primitives = splitList(v.(string))
		case "darts-type":
			cfg.DartsType = v.(string)
		case "output-type":
			cfg.OutputType = v.(string)
		case "epochs":
			cfg.MaxEpochs = v.(int)
		case "arch-updates":
			cfg.ArchUpdatesPerEpoch = v.(int)
		case "param-updates":
			cfg.ParamUpdatesPerEpoch = v.(int)
		case "batch-size":
			cfg.BatchSize = v.(int)
		case "lr":
			cfg.LearningRate = v.(float64)
		case "lr-schedule":
			cfg.LRSchedule = v.(string)
		case "arch-lr":
			cfg.ArchLearningRate = v.(float64)
		case "arch-wd":
			cfg.ArchWeightDecay = v.(float64)
		case "unrolled":
			cfg.Unrolled = v.(bool)
		case "n-models":
			cfg.NModelsSampled = v.(int)
		case "refit-updates":
			refit := v.(int)
			cfg.RefitUpdates = &refit
		case "metric":
			cfg.SelectionMetric = v.(string)
		case "seed":
			cfg.Seed = v.(int64)
		}
	}
}

// parseGridFlags builds a grid from comma-separated flag values. It returns
// nil when no grid axis was given.
func parseGridFlags(nodes, seeds, decays string, folds, workers int) (*symdarts.Grid, error) {
	if nodes == "" && seeds == "" && decays == "" {
		return nil, nil
	}
	grid := &symdarts.Grid{Folds: folds, Workers: workers}
	for _, s := range splitList(nodes) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("grid-nodes: %w", err)
		}
		grid.NumGraphNodes = append(grid.NumGraphNodes, v)
	}
	for _, s := range splitList(seeds) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("grid-seeds: %w", err)
		}
		grid.Seeds = append(grid.Seeds, v)
	}
	for _, s := range splitList(decays) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("grid-arch-wd: %w", err)
		}
		grid.ArchWeightDecays = append(grid.ArchWeightDecays, v)
	}
	return grid, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
