package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"symdarts/internal/stats"
)

func enterTempDir(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	orig := stdout
	stdout = buf
	t.Cleanup(func() { stdout = orig })
	return buf
}

func writeLineCSV(t *testing.T, path string, rows int, withTarget bool) {
	t.Helper()
	var b strings.Builder
	if withTarget {
		b.WriteString("x,y\n")
	} else {
		b.WriteString("x\n")
	}
	for i := 0; i < rows; i++ {
		x := -1 + 2*float64(i)/float64(rows-1)
		if withTarget {
			fmt.Fprintf(&b, "%g,%g\n", x, 2*x+1)
		} else {
			fmt.Fprintf(&b, "%g\n", x)
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
}

func fitArgs(data string) []string {
	return []string{
		"fit",
		"--store", "memory",
		"--data", data,
		"--nodes", "1",
		"--primitives", "none,linear",
		"--epochs", "4",
		"--param-updates", "5",
		"--arch-updates", "2",
		"--batch-size", "10",
		"--lr", "0.1",
		"--lr-schedule", "constant",
		"--seed", "3",
	}
}

func TestFitCommandWritesArtifactsAndIndex(t *testing.T) {
	workdir := enterTempDir(t)
	out := captureStdout(t)
	data := filepath.Join(workdir, "train.csv")
	writeLineCSV(t, data, 30, true)

	if err := run(context.Background(), fitArgs(data)); err != nil {
		t.Fatalf("fit command: %v", err)
	}
	if !strings.Contains(out.String(), "fit completed run_id=") || !strings.Contains(out.String(), "selected board=train_loss") {
		t.Fatalf("unexpected fit output: %s", out.String())
	}

	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}
	runID := entries[0].RunID
	for _, file := range []string{"config.json", "run.json", "model.json", "model.txt", "loss_history.csv"} {
		path := filepath.Join(runsDir, runID, file)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected artifact %s: %v", path, err)
		}
	}
	rec, ok, err := stats.ReadModel(runsDir, runID)
	if err != nil || !ok {
		t.Fatalf("read model: ok=%v err=%v", ok, err)
	}
	if len(rec.InputNames) != 1 || rec.InputNames[0] != "x" || len(rec.OutputNames) != 1 || rec.OutputNames[0] != "y" {
		t.Fatalf("expected csv header names on the model, got %v %v", rec.InputNames, rec.OutputNames)
	}
}

func TestPredictShowRunsExportCommands(t *testing.T) {
	workdir := enterTempDir(t)
	out := captureStdout(t)
	data := filepath.Join(workdir, "train.csv")
	writeLineCSV(t, data, 30, true)
	inputs := filepath.Join(workdir, "inputs.csv")
	writeLineCSV(t, inputs, 5, false)

	if err := run(context.Background(), fitArgs(data)); err != nil {
		t.Fatalf("fit command: %v", err)
	}

	out.Reset()
	predictions := filepath.Join(workdir, "pred.csv")
	if err := run(context.Background(), []string{"predict", "--latest", "--data", inputs, "--out", predictions}); err != nil {
		t.Fatalf("predict command: %v", err)
	}
	content, err := os.ReadFile(predictions)
	if err != nil {
		t.Fatalf("read predictions: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 6 || lines[0] != "y" {
		t.Fatalf("expected header plus 5 predictions, got %q", lines)
	}

	out.Reset()
	if err := run(context.Background(), []string{"runs", "--json"}); err != nil {
		t.Fatalf("runs command: %v", err)
	}
	var entries []stats.RunIndexEntry
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("decode runs json: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one run, got %d", len(entries))
	}

	out.Reset()
	if err := run(context.Background(), []string{"show", "--run-id", entries[0].RunID, "--history"}); err != nil {
		t.Fatalf("show command: %v", err)
	}
	if !strings.Contains(out.String(), "board=train_loss") || !strings.Contains(out.String(), "epoch=0 lr=") {
		t.Fatalf("unexpected show output: %s", out.String())
	}

	out.Reset()
	exportDir := filepath.Join(workdir, "out")
	if err := run(context.Background(), []string{"export", "--latest", "--out", exportDir}); err != nil {
		t.Fatalf("export command: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportDir, entries[0].RunID, "model.json")); err != nil {
		t.Fatalf("expected exported model: %v", err)
	}
}

func TestFitCommandWithGridConfig(t *testing.T) {
	workdir := enterTempDir(t)
	out := captureStdout(t)
	data := filepath.Join(workdir, "train.csv")
	writeLineCSV(t, data, 24, true)
	configPath := filepath.Join(workdir, "config.json")
	payload := map[string]any{
		"num_graph_nodes":         1,
		"primitives":              []any{"none", "linear"},
		"epochs":                  3,
		"param_updates_per_epoch": 5,
		"batch_size":              8,
		"lr_schedule":             "cosine",
		"grid": map[string]any{
			"num_graph_nodes": []any{1, 2},
			"folds":           2,
			"workers":         2,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := run(context.Background(), []string{"fit", "--store", "memory", "--config", configPath, "--data", data}); err != nil {
		t.Fatalf("fit command: %v", err)
	}
	out.Reset()
	if err := run(context.Background(), []string{"show", "--latest"}); err != nil {
		t.Fatalf("show command: %v", err)
	}
	if !strings.Contains(out.String(), "grid finished=2 failed=0") || !strings.Contains(out.String(), "selected") {
		t.Fatalf("expected grid summary in show output: %s", out.String())
	}
}

func TestPrimitivesCommand(t *testing.T) {
	out := captureStdout(t)
	if err := run(context.Background(), []string{"primitives"}); err != nil {
		t.Fatalf("primitives command: %v", err)
	}
	if !strings.Contains(out.String(), "name=none arity=1 params=0 default=true") {
		t.Fatalf("expected the none primitive in output: %s", out.String())
	}
	if !strings.Contains(out.String(), "name=product arity=2") {
		t.Fatalf("expected a binary primitive in output: %s", out.String())
	}
}

func TestCommandErrors(t *testing.T) {
	enterTempDir(t)
	captureStdout(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing command", args: nil, want: "missing command"},
		{name: "unknown command", args: []string{"bogus"}, want: "unknown command: bogus"},
		{name: "fit without data", args: []string{"fit"}, want: "fit requires --data"},
		{name: "export conflict", args: []string{"export", "--run-id", "a", "--latest"}, want: "use either --run-id or --latest"},
		{name: "show without ref", args: []string{"show"}, want: "requires --run-id or --latest"},
		{name: "predict empty index", args: []string{"predict", "--latest", "--data", "in.csv"}, want: "no runs available"},
		{name: "bad validation flag", args: []string{"fit", "--validation", "holdout"}, want: "expected name=path"},
		{name: "runs limit", args: []string{"runs", "--limit", "0"}, want: "limit must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := run(context.Background(), tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
