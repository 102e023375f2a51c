package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"symdarts/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	runFile         = "run.json"
	modelFile       = "model.json"
	equationFile    = "model.txt"
	lossHistoryFile = "loss_history.csv"
)

// RunArtifacts is everything written to disk for one completed search.
type RunArtifacts struct {
	Run     model.RunRecord
	Model   model.ModelRecord
	History []model.EpochRecord
}

type RunIndexEntry struct {
	RunID           string      `json:"run_id"`
	Dataset         string      `json:"dataset,omitempty"`
	Rows            int         `json:"rows"`
	Epochs          int         `json:"epochs"`
	SelectionMetric string      `json:"selection_metric"`
	BestScore       model.Float `json:"best_score"`
	Equation        string      `json:"equation"`
	CreatedAtUTC    string      `json:"created_at_utc"`
}

// IndexEntry summarizes a run record for run_index.json.
func IndexEntry(run model.RunRecord) RunIndexEntry {
	return RunIndexEntry{
		RunID:           run.ID,
		Dataset:         run.Dataset,
		Rows:            run.Rows,
		Epochs:          run.Epochs,
		SelectionMetric: run.SelectionMetric,
		BestScore:       run.BestScore,
		Equation:        run.Equation,
		CreatedAtUTC:    run.CreatedAtUTC,
	}
}

// WriteRunArtifacts writes the run directory baseDir/<run id> and returns its
// path. The run index is not touched; see AppendRunIndex.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	runID := strings.TrimSpace(artifacts.Run.ID)
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if artifacts.Model.RunID != "" && artifacts.Model.RunID != runID {
		return "", fmt.Errorf("model run id mismatch: got=%s want=%s", artifacts.Model.RunID, runID)
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if len(artifacts.Run.Config) > 0 {
		if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Run.Config); err != nil {
			return "", err
		}
	}
	if err := writeJSON(filepath.Join(runDir, runFile), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, modelFile), artifacts.Model); err != nil {
		return "", err
	}
	equation := artifacts.Model.Equation
	if !strings.HasSuffix(equation, "\n") {
		equation += "\n"
	}
	if err := os.WriteFile(filepath.Join(runDir, equationFile), []byte(equation), 0o644); err != nil {
		return "", err
	}
	if err := WriteLossHistory(runDir, artifacts.History); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory to outDir/<run id>. Optional
// files are copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{runFile, modelFile, equationFile, lossHistoryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{configFile, gridReportFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRun(baseDir, runID string) (model.RunRecord, bool, error) {
	var run model.RunRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, runFile), &run)
	return run, ok, err
}

func ReadModel(baseDir, runID string) (model.ModelRecord, bool, error) {
	var rec model.ModelRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, modelFile), &rec)
	return rec, ok, err
}

// WriteLossHistory writes one CSV row per epoch. Validation columns are the
// sorted union of set names; missing or non-finite values are left empty.
func WriteLossHistory(runDir string, history []model.EpochRecord) error {
	path := filepath.Join(runDir, lossHistoryFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	names := validationNames(history)
	header := []string{"epoch", "learning_rate", "train_loss", "arch_loss", "divergences"}
	for _, name := range names {
		header = append(header, "validation:"+name)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, rec := range history {
		row := []string{
			strconv.Itoa(rec.Epoch),
			formatFloat(rec.LearningRate),
			formatFloat(float64(rec.TrainLoss)),
			formatFloat(float64(rec.ArchLoss)),
			strconv.Itoa(rec.Divergences),
		}
		for _, name := range names {
			v, ok := rec.ValidationLoss[name]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, formatFloat(float64(v)))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadLossHistory parses loss_history.csv back into epoch records. Empty
// cells decode to NaN.
func ReadLossHistory(baseDir, runID string) ([]model.EpochRecord, bool, error) {
	path := filepath.Join(baseDir, runID, lossHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.EpochRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 5 {
		return nil, false, fmt.Errorf("loss history header must have at least 5 columns")
	}

	history := make([]model.EpochRecord, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		epoch, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, fmt.Errorf("loss history epoch: %w", err)
		}
		divergences, err := strconv.Atoi(record[4])
		if err != nil {
			return nil, false, fmt.Errorf("loss history divergences: %w", err)
		}
		values := make([]float64, 3)
		for i, cell := range record[1:4] {
			if values[i], err = parseFloat(cell); err != nil {
				return nil, false, err
			}
		}
		rec := model.EpochRecord{
			Epoch:        epoch,
			LearningRate: values[0],
			TrainLoss:    model.Float(values[1]),
			ArchLoss:     model.Float(values[2]),
			Divergences:  divergences,
		}
		for i, column := range header[5:] {
			cell := record[5+i]
			if cell == "" {
				continue
			}
			v, err := parseFloat(cell)
			if err != nil {
				return nil, false, err
			}
			if rec.ValidationLoss == nil {
				rec.ValidationLoss = make(map[string]model.Float)
			}
			rec.ValidationLoss[strings.TrimPrefix(column, "validation:")] = model.Float(v)
		}
		history = append(history, rec)
	}
	return history, true, nil
}

func validationNames(history []model.EpochRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range history {
		for name := range rec.ValidationLoss {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(cell string) (float64, error) {
	if cell == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(cell, 64)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
